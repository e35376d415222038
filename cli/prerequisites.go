// Package cli checks the external tools plural-web depends on.
package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/zhubert/plural-web/exec"
)

// versionTimeout bounds each version probe.
const versionTimeout = 5 * time.Second

// Prerequisite represents a required CLI tool
type Prerequisite struct {
	Name        string // Command name or path (e.g., "claude", "/opt/bin/claude")
	Required    bool   // Whether the server can run without it
	Description string // Human-readable description
	InstallURL  string // URL for installation instructions
}

// DefaultPrerequisites returns the tools plural-web needs. claudePath is the
// configured engine binary; empty means "claude".
func DefaultPrerequisites(claudePath string) []Prerequisite {
	if claudePath == "" {
		claudePath = "claude"
	}
	return []Prerequisite{
		{
			Name:        claudePath,
			Required:    true,
			Description: "Claude Code CLI",
			InstallURL:  "https://claude.ai/code",
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

// Checker verifies prerequisites through a CommandExecutor.
type Checker struct {
	executor exec.CommandExecutor
}

// NewChecker creates a Checker. A nil executor uses the real one.
func NewChecker(executor exec.CommandExecutor) *Checker {
	if executor == nil {
		executor = exec.NewRealExecutor()
	}
	return &Checker{executor: executor}
}

// Check verifies that a CLI tool is available
func (c *Checker) Check(ctx context.Context, prereq Prerequisite) CheckResult {
	result := CheckResult{Prerequisite: prereq}

	path, err := c.executor.LookPath(prereq.Name)
	if err != nil {
		result.Error = fmt.Errorf("%s not found in PATH", prereq.Name)
		return result
	}

	result.Found = true
	result.Path = path
	result.Version = c.version(ctx, path)
	return result
}

// CheckAll verifies all prerequisites and returns results
func (c *Checker) CheckAll(ctx context.Context, prereqs []Prerequisite) []CheckResult {
	results := make([]CheckResult, len(prereqs))
	for i, prereq := range prereqs {
		results[i] = c.Check(ctx, prereq)
	}
	return results
}

// ValidateRequired checks that all required prerequisites are met
// Returns nil if all required tools are found, otherwise returns an error
// describing what's missing
func ValidateRequired(results []CheckResult) error {
	var missing []string
	for _, r := range results {
		if !r.Prerequisite.Required || r.Found {
			continue
		}
		missing = append(missing, fmt.Sprintf("  - %s (%s)\n    Install: %s",
			r.Prerequisite.Name, r.Prerequisite.Description, r.Prerequisite.InstallURL))
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required CLI tools:\n%s", strings.Join(missing, "\n"))
	}
	return nil
}

// version returns the first line of "<path> --version", or "".
func (c *Checker) version(ctx context.Context, path string) string {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	output, err := c.executor.Output(ctx, "", path, "--version")
	if err != nil {
		return ""
	}
	line, _, _ := strings.Cut(string(output), "\n")
	version := strings.TrimSpace(line)
	// Limit length to avoid overly long version strings
	if len(version) > 100 {
		version = version[:100] + "..."
	}
	return version
}

// FormatCheckResults formats check results for display. Marks are colored
// unless color.NoColor is set.
func FormatCheckResults(results []CheckResult) string {
	var sb strings.Builder
	faint := color.New(color.Faint).SprintFunc()

	sb.WriteString("CLI Prerequisites:\n")
	for _, r := range results {
		status := color.GreenString("✓")
		if !r.Found {
			if r.Prerequisite.Required {
				status = color.RedString("✗")
			} else {
				status = color.YellowString("○")
			}
		}

		fmt.Fprintf(&sb, "  %s %s", status, r.Prerequisite.Name)
		switch {
		case r.Found && r.Version != "":
			fmt.Fprintf(&sb, " %s", faint("("+r.Version+")"))
		case !r.Found && r.Prerequisite.Required:
			sb.WriteString(" [REQUIRED]")
		case !r.Found:
			sb.WriteString(" [optional]")
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
