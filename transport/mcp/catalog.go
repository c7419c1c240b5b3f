package mcp

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

// StatusToolName is reserved for the pool status tool.
const StatusToolName = "pool_status"

var ErrInvalidCatalog = errors.New("invalid tool catalog")

// ToolSpec is one forwarded tool. The schema is passed through untouched.
type ToolSpec struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	InputSchema map[string]any `yaml:"input_schema" json:"inputSchema"`
}

// Catalog lists the tools forwarded to workers.
type Catalog struct {
	Tools []ToolSpec `yaml:"tools" json:"tools"`
}

// DefaultCatalog returns the built-in browser tool catalog.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// LoadCatalog reads a YAML catalog from path, or the built-in catalog when
// path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	return &catalog, nil
}

// Validate checks names are present and unique and schemas describe objects.
func (c *Catalog) Validate() error {
	if len(c.Tools) == 0 {
		return fmt.Errorf("%w: no tools defined", ErrInvalidCatalog)
	}

	seen := make(map[string]bool, len(c.Tools))
	for i, tool := range c.Tools {
		if tool.Name == "" {
			return fmt.Errorf("%w: tool %d has no name", ErrInvalidCatalog, i)
		}
		if tool.Name == StatusToolName {
			return fmt.Errorf("%w: %s is reserved", ErrInvalidCatalog, StatusToolName)
		}
		if seen[tool.Name] {
			return fmt.Errorf("%w: duplicate tool %s", ErrInvalidCatalog, tool.Name)
		}
		seen[tool.Name] = true

		if t, ok := tool.InputSchema["type"]; ok && t != "object" {
			return fmt.Errorf("%w: %s input_schema type must be object, got %v", ErrInvalidCatalog, tool.Name, t)
		}
	}
	return nil
}

// Names returns the tool names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.Tools))
	for _, tool := range c.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	return names
}

// MCPTool converts a spec into an mcp.Tool with its schema as raw JSON.
func (t ToolSpec) MCPTool() (mcp.Tool, error) {
	schema := make(map[string]any, len(t.InputSchema)+1)
	for k, v := range t.InputSchema {
		schema[k] = v
	}
	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return mcp.Tool{}, fmt.Errorf("%w: %s schema: %v", ErrInvalidCatalog, t.Name, err)
	}
	return mcp.NewToolWithRawSchema(t.Name, t.Description, raw), nil
}

// Write prints the catalog as YAML.
func (c *Catalog) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}
