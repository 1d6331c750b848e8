// Package cli provides utilities for checking host tool availability.
package cli

import (
	"fmt"
	"os/exec"
	"strings"
)

// Prerequisite represents a host tool the daemon depends on
type Prerequisite struct {
	Name        string // Command name (e.g., "npm", "node")
	Required    bool   // Whether the tool is required to run dev servers
	Description string // Human-readable description
	InstallURL  string // URL for installation instructions
}

// DefaultPrerequisites returns the host tools previewd expects for the
// default dev command
func DefaultPrerequisites() []Prerequisite {
	return []Prerequisite{
		{
			Name:        "node",
			Required:    true,
			Description: "Node.js runtime",
			InstallURL:  "https://nodejs.org",
		},
		{
			Name:        "npm",
			Required:    true,
			Description: "Node package manager",
			InstallURL:  "https://nodejs.org",
		},
	}
}

// ForDevCommand returns the prerequisites for a configured dev command.
// The command's program must exist; npm-based commands also need node.
func ForDevCommand(args []string) []Prerequisite {
	if len(args) == 0 {
		return nil
	}
	program := args[0]
	if program == "npm" || program == "npx" {
		return DefaultPrerequisites()
	}
	return []Prerequisite{
		{
			Name:        program,
			Required:    true,
			Description: "dev server command",
		},
	}
}

// CheckResult contains the result of checking a prerequisite
type CheckResult struct {
	Prerequisite Prerequisite
	Found        bool
	Path         string // Path to the executable if found
	Version      string // Version string if available
	Error        error
}

// Check verifies that a tool is available in PATH
func Check(prereq Prerequisite) CheckResult {
	result := CheckResult{Prerequisite: prereq}

	path, err := exec.LookPath(prereq.Name)
	if err != nil {
		result.Error = fmt.Errorf("%s not found in PATH", prereq.Name)
		return result
	}

	result.Found = true
	result.Path = path

	if version := getVersion(prereq.Name); version != "" {
		result.Version = version
	}

	return result
}

// CheckAll verifies all prerequisites and returns results
func CheckAll(prereqs []Prerequisite) []CheckResult {
	results := make([]CheckResult, len(prereqs))
	for i, prereq := range prereqs {
		results[i] = Check(prereq)
	}
	return results
}

// ValidateRequired checks that all required prerequisites are met.
// Returns nil if all required tools are found, otherwise returns an error
// describing what's missing
func ValidateRequired(prereqs []Prerequisite) error {
	var missing []string

	for _, prereq := range prereqs {
		if !prereq.Required {
			continue
		}
		result := Check(prereq)
		if !result.Found {
			entry := fmt.Sprintf("  - %s (%s)", prereq.Name, prereq.Description)
			if prereq.InstallURL != "" {
				entry += fmt.Sprintf("\n    Install: %s", prereq.InstallURL)
			}
			missing = append(missing, entry)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required tools:\n%s", strings.Join(missing, "\n"))
	}

	return nil
}

// getVersion attempts to get the version of a tool
func getVersion(name string) string {
	// Different tools use different version flags
	versionFlags := []string{"--version", "-v", "version"}

	for _, flag := range versionFlags {
		cmd := exec.Command(name, flag)
		output, err := cmd.Output()
		if err == nil {
			// Return first line of output, trimmed
			lines := strings.Split(string(output), "\n")
			if len(lines) > 0 {
				version := strings.TrimSpace(lines[0])
				// Limit length to avoid overly long version strings
				if len(version) > 100 {
					version = version[:100] + "..."
				}
				return version
			}
		}
	}

	return ""
}

// FormatCheckResults formats check results for display
func FormatCheckResults(results []CheckResult) string {
	var sb strings.Builder

	sb.WriteString("Host tools:\n")
	for _, r := range results {
		status := "✓"
		if !r.Found {
			if r.Prerequisite.Required {
				status = "✗"
			} else {
				status = "○"
			}
		}

		sb.WriteString(fmt.Sprintf("  %s %s", status, r.Prerequisite.Name))
		if r.Found && r.Version != "" {
			sb.WriteString(fmt.Sprintf(" (%s)", r.Version))
		} else if !r.Found {
			if r.Prerequisite.Required {
				sb.WriteString(" [REQUIRED]")
			} else {
				sb.WriteString(" [optional]")
			}
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
