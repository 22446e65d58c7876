// Package cli provides startup validation for external tools.
package cli

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/tandemdev/tandem-core/config"
)

// Prerequisite represents a required external tool.
type Prerequisite struct {
	Name        string // Command name as resolved through PATH
	Required    bool   // Whether the tool is required to run the backend
	Description string // Human-readable description
	InstallHint string // How to get the tool
}

// Prerequisites returns the tools the backend needs, derived from the
// configured agent command.
func Prerequisites(cfg *config.Config) []Prerequisite {
	return []Prerequisite{
		{
			Name:        cfg.AgentCommand,
			Required:    true,
			Description: "Agent app-server binary",
			InstallHint: "set agent_command in config.yaml to a binary on PATH",
		},
	}
}

// CheckResult contains the result of checking one prerequisite.
type CheckResult struct {
	Prerequisite Prerequisite
	Found        bool
	Path         string // Path to the executable if found
	Version      string // Version string if available
	Error        error
}

// Check verifies that a tool is available in PATH.
func Check(prereq Prerequisite) CheckResult {
	result := CheckResult{Prerequisite: prereq}

	path, err := exec.LookPath(prereq.Name)
	if err != nil {
		result.Error = fmt.Errorf("%s not found in PATH", prereq.Name)
		return result
	}

	result.Found = true
	result.Path = path
	result.Version = getVersion(prereq.Name)
	return result
}

// CheckAll verifies all prerequisites and returns their results.
func CheckAll(prereqs []Prerequisite) []CheckResult {
	results := make([]CheckResult, len(prereqs))
	for i, prereq := range prereqs {
		results[i] = Check(prereq)
	}
	return results
}

// ValidateRequired checks that all required prerequisites are met.
// Returns nil when everything required is present, otherwise an error
// naming what's missing and how to fix it.
func ValidateRequired(prereqs []Prerequisite) error {
	var missing []string

	for _, prereq := range prereqs {
		if !prereq.Required {
			continue
		}
		result := Check(prereq)
		if !result.Found {
			missing = append(missing, fmt.Sprintf("  - %s (%s)\n    Fix: %s",
				prereq.Name, prereq.Description, prereq.InstallHint))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required tools:\n%s", strings.Join(missing, "\n"))
	}
	return nil
}

// getVersion attempts to get the version of a tool.
func getVersion(name string) string {
	versionFlags := []string{"--version", "-v", "version"}

	for _, flag := range versionFlags {
		cmd := exec.Command(name, flag)
		output, err := cmd.Output()
		if err != nil {
			continue
		}
		lines := strings.Split(string(output), "\n")
		if len(lines) == 0 {
			continue
		}
		version := strings.TrimSpace(lines[0])
		if len(version) > 100 {
			version = version[:100] + "..."
		}
		return version
	}
	return ""
}

// FormatCheckResults formats check results for display.
func FormatCheckResults(results []CheckResult) string {
	var sb strings.Builder

	sb.WriteString("Prerequisites:\n")
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
