package claude

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tools with dedicated client-side dialogs.
const (
	ToolExitPlanMode    = "ExitPlanMode"
	ToolAskUserQuestion = "AskUserQuestion"
	ToolBash            = "Bash"
)

// Tool sets are composable building blocks for allowed-tool lists.

// ToolSetReadOnly contains tools that never modify the working directory.
var ToolSetReadOnly = []string{
	"Read",
	"Glob",
	"Grep",
}

// ToolSetEdit contains file-modifying tools.
var ToolSetEdit = []string{
	"Edit",
	"Write",
	"NotebookEdit",
}

// ToolSetSafeShell contains read-only shell commands.
var ToolSetSafeShell = []string{
	"Bash(ls:*)",
	"Bash(cat:*)",
	"Bash(head:*)",
	"Bash(tail:*)",
	"Bash(wc:*)",
	"Bash(pwd:*)",
}

// ToolSetWeb contains web access tools.
var ToolSetWeb = []string{
	"WebFetch",
	"WebSearch",
}

// ToolSets maps the names accepted in config files to tool sets.
var ToolSets = map[string][]string{
	"readonly":   ToolSetReadOnly,
	"edit":       ToolSetEdit,
	"safe-shell": ToolSetSafeShell,
	"web":        ToolSetWeb,
}

// ComposeTools merges multiple tool sets into a single deduplicated slice.
// Order is preserved (first occurrence wins).
func ComposeTools(sets ...[]string) []string {
	seen := make(map[string]struct{})
	var result []string
	for _, set := range sets {
		for _, tool := range set {
			if _, exists := seen[tool]; !exists {
				seen[tool] = struct{}{}
				result = append(result, tool)
			}
		}
	}
	return result
}

// ExpandToolSets resolves entries of the form "@name" against ToolSets and
// keeps every other entry as a literal pattern.
func ExpandToolSets(entries []string) ([]string, error) {
	var sets [][]string
	for _, e := range entries {
		name, ok := strings.CutPrefix(e, "@")
		if !ok {
			sets = append(sets, []string{e})
			continue
		}
		set, ok := ToolSets[name]
		if !ok {
			return nil, fmt.Errorf("unknown tool set %q", name)
		}
		sets = append(sets, set)
	}
	return ComposeTools(sets...), nil
}

// QuestionOption represents a single option in a question
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question represents a single question from AskUserQuestion
type Question struct {
	Question    string           `json:"question"`
	Header      string           `json:"header,omitempty"`
	Options     []QuestionOption `json:"options"`
	MultiSelect bool             `json:"multiSelect,omitempty"`
}

// ParseQuestions decodes AskUserQuestion tool input.
func ParseQuestions(input json.RawMessage) ([]Question, error) {
	var in struct {
		Questions []Question `json:"questions"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("parse AskUserQuestion input: %w", err)
	}
	return in.Questions, nil
}

// ParsePlan extracts the plan text from ExitPlanMode tool input.
func ParsePlan(input json.RawMessage) string {
	var in struct {
		Plan string `json:"plan"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return ""
	}
	return in.Plan
}

// permissionPhrases are the tool_result texts the CLI uses when it refused a
// tool for lack of permission.
var permissionPhrases = []string{
	"requested permissions",
	"haven't granted it yet",
	"permission to use",
}

// IsPermissionDenied reports whether a failed tool_result text is a
// permission refusal rather than a tool error.
func IsPermissionDenied(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range permissionPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// ToolPatterns returns the allow-list patterns that would have permitted a
// refused tool call. Bash calls yield one "Bash(cmd:*)" per distinct command
// word in the pipeline; every other tool yields its own name.
func ToolPatterns(toolName string, input json.RawMessage) []string {
	if toolName != ToolBash {
		return []string{toolName}
	}
	var in struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &in); err != nil || strings.TrimSpace(in.Command) == "" {
		return []string{toolName}
	}

	var patterns []string
	for _, cmd := range commandWords(in.Command) {
		patterns = append(patterns, fmt.Sprintf("Bash(%s:*)", cmd))
	}
	if len(patterns) == 0 {
		return []string{toolName}
	}
	return ComposeTools(patterns)
}

// commandWords splits a shell command line on && || ; | and returns the
// leading program name of each segment, skipping VAR=value prefixes.
// Separators inside single or double quotes do not split.
func commandWords(command string) []string {
	var (
		segments []string
		seg      strings.Builder
		quote    rune
	)
	for _, r := range command {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '&' || r == '|' || r == ';' || r == '\n':
			segments = append(segments, seg.String())
			seg.Reset()
			continue
		}
		seg.WriteRune(r)
	}
	segments = append(segments, seg.String())

	var words []string
	for _, seg := range segments {
		for _, f := range strings.Fields(seg) {
			if strings.Contains(f, "=") && !strings.HasPrefix(f, "=") {
				continue
			}
			if !strings.ContainsAny(f[:1], `'"`) {
				words = append(words, f)
			}
			break
		}
	}
	return words
}
