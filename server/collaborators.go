package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by collaborators when the requested item does not
// exist. Handlers map it to 404.
var ErrNotFound = errors.New("not found")

// Project is a working directory the UI can open a conversation in.
type Project struct {
	Path        string `json:"path"`
	EncodedName string `json:"encodedName"`
}

// ProjectLister lists available projects.
type ProjectLister interface {
	ListProjects(ctx context.Context) ([]Project, error)
}

// ConversationHistory is a persisted conversation as the UI loads it.
// Messages are engine messages in their original JSON form.
type ConversationHistory struct {
	SessionID string            `json:"sessionId"`
	Messages  []json.RawMessage `json:"messages"`
	StartTime time.Time         `json:"startTime"`
	EndTime   time.Time         `json:"endTime"`
}

// HistoryLoader loads a persisted conversation.
type HistoryLoader interface {
	LoadHistory(ctx context.Context, project, sessionID string) (*ConversationHistory, error)
}

// PathCompleter returns path completions under cwd for prefix, best first.
type PathCompleter interface {
	CompletePaths(ctx context.Context, cwd, prefix string) ([]string, error)
}
