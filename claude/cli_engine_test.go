package claude

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// fakeClaude writes an executable shell script standing in for the claude
// binary and returns its path.
func fakeClaude(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "claude")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func collect(t *testing.T, ch <-chan Message) (raws []string, err error) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return raws, err
			}
			if msg.Err != nil {
				err = msg.Err
				continue
			}
			raws = append(raws, string(msg.Raw))
		case <-timeout:
			t.Fatal("timed out waiting for engine")
		}
	}
}

func TestCLIEngine_StreamsJSONLines(t *testing.T) {
	path := fakeClaude(t, `
echo '{"type":"system","subtype":"init","session_id":"s1"}'
echo 'Checking for updates...'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}'
echo ''
echo '{"type":"result","subtype":"success","is_error":false,"result":"hi"}'
`)
	engine := NewCLIEngine(path, discardLogger())

	raws, err := collect(t, engine.Query(context.Background(), Prompt{Text: "hello"}, QueryOptions{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(raws) != 3 {
		t.Fatalf("expected 3 messages, got %d: %v", len(raws), raws)
	}
	if !strings.Contains(raws[0], `"init"`) || !strings.Contains(raws[2], `"result"`) {
		t.Errorf("messages out of order: %v", raws)
	}
}

func TestCLIEngine_PassesArgsAndWorkingDir(t *testing.T) {
	dir := t.TempDir()
	path := fakeClaude(t, `printf '{"type":"system","args":"%s","cwd":"%s"}\n' "$*" "$(pwd)"`)
	engine := NewCLIEngine(path, discardLogger())

	raws, err := collect(t, engine.Query(context.Background(), Prompt{Text: "hello"}, QueryOptions{Resume: "s9", Cwd: dir}))
	if err != nil {
		t.Fatal(err)
	}
	if len(raws) != 1 {
		t.Fatalf("expected 1 message, got %v", raws)
	}
	if !strings.Contains(raws[0], "--resume s9") || !strings.Contains(raws[0], "-- hello") {
		t.Errorf("args not passed: %s", raws[0])
	}
	resolved, _ := filepath.EvalSymlinks(dir)
	if !strings.Contains(raws[0], dir) && !strings.Contains(raws[0], resolved) {
		t.Errorf("cwd not applied: %s", raws[0])
	}
}

func TestCLIEngine_StructuredPromptOnStdin(t *testing.T) {
	path := fakeClaude(t, `
read line
printf '{"type":"system","echo":%s}\n' "$line"
`)
	engine := NewCLIEngine(path, discardLogger())

	msg := newUserMessage("s1", []ContentBlock{{Type: ContentTypeText, Text: "from stdin"}})
	raws, err := collect(t, engine.Query(context.Background(), Prompt{Message: &msg}, QueryOptions{Resume: "s1"}))
	if err != nil {
		t.Fatal(err)
	}
	if len(raws) != 1 || !strings.Contains(raws[0], "from stdin") || !strings.Contains(raws[0], `"session_id":"s1"`) {
		t.Errorf("stdin message not received: %v", raws)
	}
}

func TestCLIEngine_ExitErrorCarriesStderr(t *testing.T) {
	path := fakeClaude(t, `
echo '{"type":"system","subtype":"init"}'
echo 'API Error: input length and max_tokens exceed context limit: 198000 + 8192 > 200000' >&2
exit 1
`)
	engine := NewCLIEngine(path, discardLogger())

	raws, err := collect(t, engine.Query(context.Background(), Prompt{Text: "hi"}, QueryOptions{}))
	if len(raws) != 1 {
		t.Errorf("message before failure should be forwarded, got %v", raws)
	}
	if err == nil || !strings.Contains(err.Error(), "exceed context limit") {
		t.Errorf("error = %v, want stderr text", err)
	}
}

func TestCLIEngine_ExitErrorKeepsResultError(t *testing.T) {
	path := fakeClaude(t, `
echo '{"type":"result","subtype":"error_during_execution","is_error":true,"result":"input length and max_tokens exceed context limit: 150000 + 8096 > 128000"}'
echo 'Warning: update available' >&2
exit 1
`)
	engine := NewCLIEngine(path, discardLogger())

	raws, err := collect(t, engine.Query(context.Background(), Prompt{Text: "hi"}, QueryOptions{}))
	if len(raws) != 1 {
		t.Errorf("result message should be forwarded, got %v", raws)
	}
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "exceed context limit") {
		t.Errorf("error = %q, result text lost", err)
	}
	if !strings.Contains(err.Error(), "update available") {
		t.Errorf("error = %q, stderr text lost", err)
	}
}

func TestCLIEngine_ErrorResult(t *testing.T) {
	path := fakeClaude(t, `echo '{"type":"result","subtype":"error_during_execution","is_error":true,"errors":["boom"]}'`)
	engine := NewCLIEngine(path, discardLogger())

	raws, err := collect(t, engine.Query(context.Background(), Prompt{Text: "hi"}, QueryOptions{}))
	if len(raws) != 1 {
		t.Errorf("result message should be forwarded, got %v", raws)
	}
	if err == nil || err.Error() != "boom" {
		t.Errorf("error = %v, want boom", err)
	}
}

func TestCLIEngine_Cancel(t *testing.T) {
	path := fakeClaude(t, `
echo '{"type":"system","subtype":"init"}'
exec sleep 30
`)
	engine := NewCLIEngine(path, discardLogger())
	engine.waitDelay = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	ch := engine.Query(ctx, Prompt{Text: "hi"}, QueryOptions{})

	first := <-ch
	if first.Err != nil || first.Raw == nil {
		t.Fatalf("unexpected first message: %+v", first)
	}
	cancel()

	start := time.Now()
	collect(t, ch)
	if time.Since(start) > 5*time.Second {
		t.Error("cancelled query should end promptly")
	}
}

func TestCLIEngine_MissingBinary(t *testing.T) {
	engine := NewCLIEngine(filepath.Join(t.TempDir(), "no-such-claude"), discardLogger())
	_, err := collect(t, engine.Query(context.Background(), Prompt{Text: "hi"}, QueryOptions{}))
	if err == nil || !strings.Contains(err.Error(), "failed to start claude") {
		t.Errorf("error = %v", err)
	}
}
