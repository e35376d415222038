package claude

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultWaitDelay bounds how long a cancelled claude process gets to exit
// after SIGINT before it is killed.
const DefaultWaitDelay = 5 * time.Second

// CLIEngine runs each turn as a separate claude CLI process.
type CLIEngine struct {
	path      string
	waitDelay time.Duration
	log       *slog.Logger
}

// NewCLIEngine creates an engine running the claude binary at path. An empty
// path means "claude" from PATH.
func NewCLIEngine(path string, log *slog.Logger) *CLIEngine {
	if path == "" {
		path = "claude"
	}
	return &CLIEngine{
		path:      path,
		waitDelay: DefaultWaitDelay,
		log:       log.With("component", "claude-cli"),
	}
}

// Query starts the claude process and streams its stdout messages.
func (e *CLIEngine) Query(ctx context.Context, prompt Prompt, opts QueryOptions) <-chan Message {
	ch := make(chan Message, 16)

	go func() {
		defer close(ch)
		if err := e.run(ctx, prompt, opts, ch); err != nil {
			send(ctx, ch, Message{Err: err})
		}
	}()

	return ch
}

func (e *CLIEngine) run(ctx context.Context, prompt Prompt, opts QueryOptions, ch chan<- Message) error {
	args := BuildCommandArgs(opts, prompt)
	e.log.Debug("starting process", "command", e.path+" "+strings.Join(args, " "), "cwd", opts.Cwd)
	startTime := time.Now()

	cmd := exec.CommandContext(ctx, e.path, args...)
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = e.waitDelay

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	var stdin io.WriteCloser
	if prompt.IsStructured() {
		pipe, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("failed to get stdin pipe: %w", err)
		}
		stdin = pipe
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start claude: %w", err)
	}
	e.log.Debug("process started", "pid", cmd.Process.Pid)

	if stdin != nil {
		if err := writeInput(stdin, prompt.Message); err != nil {
			e.log.Warn("failed to write prompt to stdin", "error", err)
		}
	}

	resultErr := e.readOutput(ctx, bufio.NewReader(stdout), ch)
	waitErr := cmd.Wait()
	e.log.Debug("process exited", "elapsed", time.Since(startTime), "error", waitErr)

	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		switch {
		case resultErr != nil && msg != "":
			return errors.Join(resultErr, errors.New(msg))
		case resultErr != nil:
			return resultErr
		case msg != "":
			return errors.New(msg)
		}
		return fmt.Errorf("claude exited: %w", waitErr)
	}
	return resultErr
}

func writeInput(stdin io.WriteCloser, msg *UserMessage) error {
	defer stdin.Close()
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = stdin.Write(append(data, '\n'))
	return err
}

// readOutput forwards stdout lines until EOF or cancellation. It returns the
// failure reported by an error result message, if any.
func (e *CLIEngine) readOutput(ctx context.Context, reader *bufio.Reader, ch chan<- Message) error {
	var resultErr error
	for {
		line, err := reader.ReadBytes('\n')
		if raw := e.parseLine(line); raw != nil {
			if env, perr := ParseEnvelope(raw); perr == nil {
				if rerr := env.ResultError(); rerr != nil {
					resultErr = rerr
				}
			}
			if !send(ctx, ch, Message{Raw: raw}) {
				return nil
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.log.Debug("error reading stdout", "error", err)
			}
			return resultErr
		}
	}
}

// parseLine returns line as a JSON message, or nil for blank and non-JSON
// lines. The CLI in verbose mode occasionally prints informational text.
func (e *CLIEngine) parseLine(line []byte) json.RawMessage {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	if line[0] != '{' {
		e.log.Debug("skipping non-JSON line from Claude CLI", "line", truncateForLog(string(line)))
		return nil
	}
	if !json.Valid(line) {
		e.log.Warn("failed to parse stream message", "line", truncateForLog(string(line)))
		return nil
	}
	e.log.Debug("stream message", "line", truncateForLog(string(line)))
	return bytes.Clone(line)
}
