// Command validate provides a small CLI that validates mcp-pool YAML files
// named on the command line (default: *.yaml in the working directory).
// Each file is checked as either a tool catalog (top-level "tools" key) or a
// pool configuration. It checks:
//   - YAML structure and every field the server validates at startup
//   - Tool names are present, unique and not reserved
//   - The port range can hold max_instances workers at once
//   - The worker command carries the port placeholder
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wricardo/mcp-pool/pool/config"
	"github.com/wricardo/mcp-pool/pool/worker"
	"github.com/wricardo/mcp-pool/transport/mcp"
	"gopkg.in/yaml.v3"
)

// ValidationResult captures the outcome of validating a single file.
// If Valid is true, Errors contains informational messages; otherwise it
// accumulates the validation errors that were found.
type ValidationResult struct {
	File   string
	Kind   string
	Valid  bool
	Errors []string
}

// validateFile loads a file and dispatches on its shape.
func validateFile(filePath string) ValidationResult {
	result := ValidationResult{
		File:   filepath.Base(filePath),
		Valid:  true,
		Errors: []string{},
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("Failed to read file: %v", err))
		return result
	}

	var top map[string]interface{}
	if err := yaml.Unmarshal(data, &top); err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("Invalid YAML: %v", err))
		return result
	}

	if _, ok := top["tools"]; ok {
		result.Kind = "catalog"
		validateCatalog(data, &result)
	} else {
		result.Kind = "config"
		validateConfig(filePath, &result)
	}
	return result
}

func validateCatalog(data []byte, result *ValidationResult) {
	catalog, err := mcp.ParseCatalog(data)
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, err.Error())
		return
	}

	result.Errors = append(result.Errors, fmt.Sprintf("✓ %d tools", len(catalog.Tools)))
	for _, tool := range catalog.Tools {
		if tool.Description == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("✓ %s has no description", tool.Name))
		}
	}
}

func validateConfig(filePath string, result *ValidationResult) {
	cfg, err := config.Load(filePath)
	if err != nil {
		result.Valid = false
		var verrs config.ValidationErrors
		if errors.As(err, &verrs) {
			for _, verr := range verrs {
				result.Errors = append(result.Errors, verr.Error())
			}
		} else {
			result.Errors = append(result.Errors, err.Error())
		}
		return
	}

	// Ports are drawn from the inclusive range [base, base+range]
	if slots := cfg.Ports.Range + 1; slots < cfg.Pool.MaxInstances {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf(
			"Port range holds %d ports but max_instances is %d", slots, cfg.Pool.MaxInstances))
	}

	hasPlaceholder := false
	for _, arg := range cfg.Worker.Command {
		if strings.Contains(arg, worker.PortPlaceholder) {
			hasPlaceholder = true
		}
	}
	if !hasPlaceholder {
		result.Errors = append(result.Errors, fmt.Sprintf("✓ worker command has no %s; --port will be appended", worker.PortPlaceholder))
	}

	if cfg.Catalog.File != "" {
		path := cfg.Catalog.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(filepath.Dir(filePath), path)
		}
		if _, err := mcp.LoadCatalog(path); err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("Catalog %s: %v", cfg.Catalog.File, err))
		}
	}

	result.Errors = append(result.Errors,
		fmt.Sprintf("✓ up to %d workers on ports %d-%d", cfg.Pool.MaxInstances, cfg.Ports.Base, cfg.Ports.Base+cfg.Ports.Range),
		fmt.Sprintf("✓ idle workers reaped after %s", cfg.Reaper.IdleTimeout))
}

// main validates each file, printing a concise report and exiting with
// non-zero status if any are invalid.
func main() {
	files := os.Args[1:]
	if len(files) == 0 {
		var err error
		files, err = filepath.Glob("*.yaml")
		if err != nil {
			fmt.Printf("Error finding config files: %v\n", err)
			os.Exit(1)
		}
	}

	allValid := true
	for _, file := range files {
		result := validateFile(file)

		fmt.Printf("\n%s %s (%s)\n", strings.Repeat("=", 20), result.File, result.Kind)

		if result.Valid {
			fmt.Println("✅ VALID")
			for _, info := range result.Errors {
				fmt.Println("  " + info)
			}
		} else {
			fmt.Println("❌ INVALID")
			allValid = false
			for _, err := range result.Errors {
				if !strings.HasPrefix(err, "✓") {
					fmt.Println("  ❌ " + err)
				}
			}
		}
	}

	fmt.Printf("\n%s\n", strings.Repeat("=", 40))
	if allValid {
		fmt.Println("✅ All files are valid!")
	} else {
		fmt.Println("❌ Some files have errors")
		os.Exit(1)
	}
}
