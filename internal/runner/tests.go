package runner

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

// manifestCommand pairs a detectable project-manifest file with the default
// test command implied by its presence (spec.md §4.4 stage 5: "derive a
// default set from detected project manifests (observable heuristics only,
// language-agnostic)").
type manifestCommand struct {
	manifest string
	command  []string
}

var defaultManifestCommands = []manifestCommand{
	{"go.mod", []string{"go", "test", "./..."}},
	{"package.json", []string{"npm", "test"}},
	{"Cargo.toml", []string{"cargo", "test"}},
	{"pyproject.toml", []string{"pytest"}},
	{"requirements.txt", []string{"pytest"}},
	{"Gemfile", []string{"bundle", "exec", "rspec"}},
	{"pom.xml", []string{"mvn", "test"}},
	{"build.gradle", []string{"gradle", "test"}},
}

// detectTestCommands inspects slotPath for known manifests and returns the
// default command set when the task didn't specify its own.
func detectTestCommands(slotPath string) [][]string {
	var commands [][]string
	for _, mc := range defaultManifestCommands {
		if _, err := os.Stat(filepath.Join(slotPath, mc.manifest)); err == nil {
			commands = append(commands, mc.command)
		}
	}
	return commands
}

// TestOutcome captures one command's result for the TestResult artifact.
type TestOutcome struct {
	Command  []string `json:"command"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout"`
	Seconds  float64  `json:"seconds"`
	Passed   bool     `json:"passed"`
}

// runTests executes each command in slotPath, stopping at the first
// failure when failFast is set (spec.md §4.4 stage 5).
func (m *Manager) runTests(ctx context.Context, slotPath string, commands [][]string, perCommandTimeout time.Duration, failFast bool) ([]TestOutcome, bool) {
	outcomes := make([]TestOutcome, 0, len(commands))
	allPassed := true
	for _, cmd := range commands {
		res, err := m.env.Run(ctx, slotPath, cmd, perCommandTimeout)
		passed := err == nil && res.ExitCode == 0
		outcomes = append(outcomes, TestOutcome{
			Command:  cmd,
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Seconds:  res.Duration.Seconds(),
			Passed:   passed,
		})
		if !passed {
			allPassed = false
			if failFast {
				break
			}
		}
	}
	return outcomes, allPassed
}

// resolveTestCommands uses the task's explicit test_commands when present,
// falling back to manifest detection otherwise (spec.md §4.4 stage 5).
func resolveTestCommands(testCommands []string, slotPath string) [][]string {
	if len(testCommands) > 0 {
		out := make([][]string, len(testCommands))
		for i, c := range testCommands {
			out[i] = splitCommand(c)
		}
		return out
	}
	return detectTestCommands(slotPath)
}

func splitCommand(s string) []string {
	var fields []string
	var cur []rune
	for _, r := range s {
		if r == ' ' || r == '\t' {
			if len(cur) > 0 {
				fields = append(fields, string(cur))
				cur = nil
			}
			continue
		}
		cur = append(cur, r)
	}
	if len(cur) > 0 {
		fields = append(fields, string(cur))
	}
	return fields
}
