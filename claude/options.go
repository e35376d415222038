package claude

import (
	"github.com/zhubert/plural-web/protocol"
)

// QueryOptions are the per-turn engine options. Every field is optional and
// an unset field is left out of the invocation entirely, never sent empty.
type QueryOptions struct {
	Resume         string                  `json:"resume,omitempty"`
	AllowedTools   []string                `json:"allowedTools,omitempty"`
	Cwd            string                  `json:"cwd,omitempty"`
	PermissionMode protocol.PermissionMode `json:"permissionMode,omitempty"`
}

// NewQueryOptions copies the options req supplied.
func NewQueryOptions(req protocol.ChatRequest) QueryOptions {
	opts := QueryOptions{
		Resume:         req.SessionID,
		Cwd:            req.WorkingDirectory,
		PermissionMode: req.PermissionMode,
	}
	if req.AllowedTools != nil {
		opts.AllowedTools = append([]string(nil), req.AllowedTools...)
	}
	return opts
}

// BuildCommandArgs returns the claude CLI arguments for one turn. The
// working directory is applied by the caller as the process directory.
func BuildCommandArgs(opts QueryOptions, prompt Prompt) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
	}
	if prompt.IsStructured() {
		args = append(args, "--input-format", "stream-json")
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	for _, tool := range opts.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", string(opts.PermissionMode))
	}
	if !prompt.IsStructured() {
		args = append(args, "--", prompt.Text)
	}
	return args
}
