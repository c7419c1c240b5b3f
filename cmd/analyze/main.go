// Command analyze prints quick, human-readable heuristics about mcp-pool
// debug logs. It summarizes each worker port: how often a worker was
// assigned, reaped, evicted or killed, and highlights ports whose workers
// crash or fail to start.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// LogEntry is the subset of a JSON debug log line used by analysis.
type LogEntry struct {
	Level      string `json:"level"`
	Message    string `json:"msg"`
	Logger     string `json:"logger"`
	Port       int    `json:"port"`
	SessionID  string `json:"session_id"`
	ManagerPID int    `json:"manager_pid"`
	Event      string `json:"event"`
	Tool       string `json:"tool"`
}

// PortStats counts what happened to the workers bound to one port.
type PortStats struct {
	Port          int
	Assigned      int
	Ready         int
	Killed        int
	Reaped        int
	Evicted       int
	Crashed       int
	StartFailures int
	CallFailures  int
}

// Analysis is the summary of one or more log files.
type Analysis struct {
	Lines    int
	Skipped  int
	Managers map[int]bool
	Sessions map[string]bool
	Ports    map[int]*PortStats
}

func newAnalysis() *Analysis {
	return &Analysis{
		Managers: map[int]bool{},
		Sessions: map[string]bool{},
		Ports:    map[int]*PortStats{},
	}
}

func main() {
	files := os.Args[1:]
	if len(files) == 0 {
		files = []string{filepath.Join(os.TempDir(), "mcp-pool-debug.log")}
	}

	analysis := newAnalysis()
	for _, file := range files {
		fmt.Printf("=== Reading %s ===\n", file)
		if err := analyzeFile(analysis, file); err != nil {
			fmt.Printf("Error reading file: %v\n", err)
		}
	}

	report(os.Stdout, analysis)
}

func analyzeFile(analysis *Analysis, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return analyzeReader(analysis, f)
}

func analyzeReader(analysis *Analysis, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		analysis.Lines++

		var entry LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			analysis.Skipped++
			continue
		}
		analysis.add(entry)
	}
	return scanner.Err()
}

func (a *Analysis) add(entry LogEntry) {
	if entry.ManagerPID != 0 {
		a.Managers[entry.ManagerPID] = true
	}
	if entry.SessionID != "" {
		a.Sessions[entry.SessionID] = true
	}
	if entry.Port == 0 {
		return
	}

	stats, ok := a.Ports[entry.Port]
	if !ok {
		stats = &PortStats{Port: entry.Port}
		a.Ports[entry.Port] = stats
	}

	switch entry.Message {
	case "Worker assigned":
		stats.Assigned++
	case "Worker killed":
		stats.Killed++
	case "Reaped idle worker":
		stats.Reaped++
	case "Evicting least recently used worker":
		stats.Evicted++
	case "Worker exited unexpectedly":
		stats.Crashed++
	case "Worker failed to start":
		stats.StartFailures++
	case "Proxy call failed":
		stats.CallFailures++
	case "Worker event":
		if entry.Event == "ready" {
			stats.Ready++
		}
	}
}

// Unhealthy returns ports whose workers crashed or failed to start at least
// as often as they were assigned.
func (a *Analysis) Unhealthy() []int {
	var ports []int
	for port, s := range a.Ports {
		failures := s.Crashed + s.StartFailures
		if failures > 0 && failures >= s.Assigned {
			ports = append(ports, port)
		}
	}
	sort.Ints(ports)
	return ports
}

func report(w io.Writer, a *Analysis) {
	fmt.Fprintf(w, "Lines: %d (%d not JSON)\n", a.Lines, a.Skipped)
	fmt.Fprintf(w, "Managers: %d\n", len(a.Managers))
	fmt.Fprintf(w, "Sessions: %d\n", len(a.Sessions))
	fmt.Fprintf(w, "Ports used: %d\n", len(a.Ports))

	ports := make([]int, 0, len(a.Ports))
	for port := range a.Ports {
		ports = append(ports, port)
	}
	sort.Ints(ports)

	for _, port := range ports {
		s := a.Ports[port]
		fmt.Fprintf(w, "  port %d: assigned %d, ready %d, killed %d, reaped %d, evicted %d, crashed %d, start failures %d, call failures %d\n",
			port, s.Assigned, s.Ready, s.Killed, s.Reaped, s.Evicted, s.Crashed, s.StartFailures, s.CallFailures)
	}

	unhealthy := a.Unhealthy()
	if len(unhealthy) > 0 {
		fmt.Fprintf(w, "⚠️  WARNING: %d ports mostly fail to start or crash:\n", len(unhealthy))
		for i, port := range unhealthy {
			if i < 5 {
				s := a.Ports[port]
				fmt.Fprintf(w, "   port %d: %d crashes, %d start failures\n", port, s.Crashed, s.StartFailures)
			}
		}
		if len(unhealthy) > 5 {
			fmt.Fprintf(w, "   ... and %d more\n", len(unhealthy)-5)
		}
	} else {
		fmt.Fprintf(w, "✅ No port is dominated by crashes or startup failures\n")
	}
}
