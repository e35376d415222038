// Package history reads the conversations the claude CLI persists under
// ~/.claude/projects and completes paths for the prompt box. It backs the
// server's project, history, and completion routes.
package history

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
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/zhubert/plural-web/server"
)

// maxCompletions caps the number of paths CompletePaths returns.
const maxCompletions = 50

// Store reads persisted conversations from a projects directory laid out as
// <root>/<encoded project path>/<session id>.jsonl.
type Store struct {
	root string
	log  *slog.Logger
}

// NewStore creates a store over root.
func NewStore(root string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{root: root, log: log.With("component", "history")}
}

// DefaultRoot returns ~/.claude/projects.
func DefaultRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".claude", "projects"), nil
}

// ListProjects returns every project directory that holds at least one
// conversation, most recently active first.
func (s *Store) ListProjects(ctx context.Context) ([]server.Project, error) {
	entries, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read projects dir: %w", err)
	}

	type found struct {
		project server.Project
		latest  time.Time
	}
	var projects []found
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, entry.Name())
		latestFile, latest := newestSession(dir)
		if latestFile == "" {
			continue
		}
		path := projectCwd(latestFile)
		if path == "" {
			path = decodeProjectName(entry.Name())
		}
		projects = append(projects, found{
			project: server.Project{Path: path, EncodedName: entry.Name()},
			latest:  latest,
		})
	}

	slices.SortFunc(projects, func(a, b found) int {
		if c := b.latest.Compare(a.latest); c != 0 {
			return c
		}
		return strings.Compare(a.project.EncodedName, b.project.EncodedName)
	})
	result := make([]server.Project, len(projects))
	for i, p := range projects {
		result[i] = p.project
	}
	return result, nil
}

// newestSession returns the most recently modified session file in dir.
func newestSession(dir string) (string, time.Time) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", time.Time{}
	}
	var newest string
	var newestTime time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestTime) {
			newest = filepath.Join(dir, e.Name())
			newestTime = info.ModTime()
		}
	}
	return newest, newestTime
}

// projectCwd reads the working directory recorded in a session file.
func projectCwd(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		var rec struct {
			Cwd string `json:"cwd"`
		}
		if json.Unmarshal(scanner.Bytes(), &rec) == nil && rec.Cwd != "" {
			return rec.Cwd
		}
	}
	return ""
}

// decodeProjectName reverses the CLI's path encoding as far as it can.
// The encoding maps "/" to "-", so dashes in the original path are lost.
func decodeProjectName(name string) string {
	return strings.ReplaceAll(name, "-", "/")
}

// record is the part of a session line the store inspects.
type record struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// LoadHistory returns the user and assistant messages of a conversation in
// file order. Unknown projects or sessions yield server.ErrNotFound.
func (s *Store) LoadHistory(ctx context.Context, project, sessionID string) (*server.ConversationHistory, error) {
	if !validName(project) || !validName(sessionID) {
		return nil, server.ErrNotFound
	}
	path := filepath.Join(s.root, project, sessionID+".jsonl")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, server.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	history := &server.ConversationHistory{
		SessionID: sessionID,
		Messages:  []json.RawMessage{},
	}
	reader := bufio.NewReader(f)
	skipped := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, err := reader.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			var rec record
			if jerr := json.Unmarshal(line, &rec); jerr != nil {
				skipped++
			} else if rec.Type == "user" || rec.Type == "assistant" {
				history.Messages = append(history.Messages, json.RawMessage(line))
				if !rec.Timestamp.IsZero() {
					if history.StartTime.IsZero() {
						history.StartTime = rec.Timestamp
					}
					history.EndTime = rec.Timestamp
				}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read history: %w", err)
		}
	}
	if skipped > 0 {
		s.log.Warn("skipped unreadable history lines", "sessionID", sessionID, "count", skipped)
	}
	return history, nil
}

// validName rejects names that could escape the projects directory.
func validName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`)
}

// CompletePaths lists entries under cwd whose path starts with prefix,
// directories first, then shorter names, then by name. Directories end in
// "/". Hidden entries are only offered when the last prefix segment starts
// with a dot. Absolute and "../" prefixes resolve outside cwd, matching the
// paths a request may already name as its working directory.
func (s *Store) CompletePaths(ctx context.Context, cwd, prefix string) ([]string, error) {
	if !filepath.IsAbs(cwd) {
		return nil, fmt.Errorf("cwd must be absolute: %q", cwd)
	}

	dirPart, base := "", prefix
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dirPart, base = prefix[:i+1], prefix[i+1:]
	}
	dir := dirPart
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(cwd, dirPart)
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	var hits []os.DirEntry
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, base) {
			continue
		}
		if strings.HasPrefix(name, ".") && !strings.HasPrefix(base, ".") {
			continue
		}
		hits = append(hits, e)
	}
	slices.SortFunc(hits, compareCompletions)
	if len(hits) > maxCompletions {
		hits = hits[:maxCompletions]
	}

	var matches []string
	for _, e := range hits {
		candidate := dirPart + e.Name()
		if e.IsDir() {
			candidate += "/"
		}
		matches = append(matches, candidate)
	}
	return matches, nil
}

func compareCompletions(a, b os.DirEntry) int {
	if a.IsDir() != b.IsDir() {
		if a.IsDir() {
			return -1
		}
		return 1
	}
	if n := len(a.Name()) - len(b.Name()); n != 0 {
		return n
	}
	return strings.Compare(a.Name(), b.Name())
}

var (
	_ server.ProjectLister = (*Store)(nil)
	_ server.HistoryLoader = (*Store)(nil)
	_ server.PathCompleter = (*Store)(nil)
)
