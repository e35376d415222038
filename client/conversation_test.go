package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhubert/plural-web/chat"
	"github.com/zhubert/plural-web/claude"
	"github.com/zhubert/plural-web/manager"
	"github.com/zhubert/plural-web/protocol"
	"github.com/zhubert/plural-web/server"
)

func startServer(t *testing.T, engine claude.Engine) *Client {
	t.Helper()
	runner := chat.NewRunner(engine, manager.NewRequestRegistry(), discardLogger())
	srv := server.New(server.Config{
		Runner:   runner,
		Gatherer: prometheus.NewRegistry(),
		Logger:   discardLogger(),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return New(ts.URL, WithLogger(discardLogger()))
}

func TestConversation_SimpleTurn(t *testing.T) {
	engine := claude.NewMockEngine(
		`{"type":"system","subtype":"init","session_id":"s1"}`,
		`{"type":"assistant","session_id":"s1","message":{"content":[{"type":"text","text":"hi"}]}}`,
	)
	conv := NewConversation(startServer(t, engine),
		WithConversationLogger(discardLogger()),
		WithWorkingDir("/src/app"),
	)

	var events []protocol.StreamEvent
	terminal, err := conv.Send(context.Background(), "/help", func(ev protocol.StreamEvent) {
		events = append(events, ev)
	})
	require.NoError(t, err)

	assert.Equal(t, protocol.EventDone, terminal.Type)
	assert.Len(t, events, 3)
	assert.Equal(t, "s1", conv.Session().ID)
	assert.False(t, conv.InProgress())

	calls := engine.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "help", calls[0].Prompt.Text)
	assert.Equal(t, "/src/app", calls[0].Options.Cwd)
	assert.Empty(t, calls[0].Options.Resume)
}

func TestConversation_QuestionRoundTrip(t *testing.T) {
	engine := claude.NewMockEngine(
		`{"type":"system","subtype":"init","session_id":"s1"}`,
		questionToolUse,
		questionRefused,
	)
	conv := NewConversation(startServer(t, engine), WithConversationLogger(discardLogger()))
	ctx := context.Background()

	_, err := conv.Send(ctx, "set up the database", nil)
	require.NoError(t, err)
	require.Equal(t, DialogQuestion, conv.Arbitrator().ActiveDialog())

	_, err = conv.Send(ctx, "never mind", nil)
	assert.True(t, errors.Is(err, ErrDialogOpen))

	turn, err := conv.Arbitrator().ResolveQuestion(map[string]string{"Which DB?": "SQLite", "Migrate?": "Yes"})
	require.NoError(t, err)
	_, err = conv.Continue(ctx, turn, nil)
	require.NoError(t, err)

	calls := engine.Calls()
	require.Len(t, calls, 2)
	follow := calls[1]
	require.True(t, follow.Prompt.IsStructured())
	assert.Equal(t, "s1", follow.Prompt.Message.SessionID)
	block := follow.Prompt.Message.Message.Content[0]
	assert.Equal(t, "tu_q", block.ToolUseID)
	require.NotNil(t, block.Content)
	assert.JSONEq(t, `{"Which DB?":"SQLite","Migrate?":"Yes"}`, *block.Content)
	assert.Equal(t, "s1", follow.Options.Resume)
}

func TestConversation_PermissionGrantResumes(t *testing.T) {
	engine := claude.NewMockEngine(bashToolUse, bashRefused)
	conv := NewConversation(startServer(t, engine), WithConversationLogger(discardLogger()))
	ctx := context.Background()

	_, err := conv.Send(ctx, "run the tests", nil)
	require.NoError(t, err)
	require.Equal(t, DialogToolPermission, conv.Arbitrator().ActiveDialog())

	turn, err := conv.Arbitrator().ResolveToolPermission(AllowOnce)
	require.NoError(t, err)
	_, err = conv.Continue(ctx, turn, nil)
	require.NoError(t, err)

	follow := engine.Calls()[1]
	assert.Equal(t, "continue", follow.Prompt.Text)
	assert.Equal(t, []string{"Bash(git:*)", "Bash(npm:*)"}, follow.Options.AllowedTools)
	assert.Empty(t, conv.Session().AllowedTools)
}

func TestConversation_ContinueNilTurn(t *testing.T) {
	engine := claude.NewMockEngine()
	conv := NewConversation(startServer(t, engine), WithConversationLogger(discardLogger()))

	ev, err := conv.Continue(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, ev.Type)
	assert.Empty(t, engine.Calls())
}

func TestConversation_AbortAndTurnInProgress(t *testing.T) {
	engine := claude.NewMockEngine().BlockUntilCancelled()
	conv := NewConversation(startServer(t, engine), WithConversationLogger(discardLogger()))
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		terminal protocol.StreamEvent
		sendErr  error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		terminal, sendErr = conv.Send(ctx, "long task", nil)
	}()

	<-engine.Started
	require.Eventually(t, conv.InProgress, time.Second, 5*time.Millisecond)

	_, err := conv.Send(ctx, "second", nil)
	assert.True(t, errors.Is(err, ErrTurnInProgress))
	assert.True(t, errors.Is(conv.New(), ErrTurnInProgress))

	aborted, err := conv.Abort(ctx)
	require.NoError(t, err)
	assert.True(t, aborted)

	wg.Wait()
	require.NoError(t, sendErr)
	assert.Equal(t, protocol.EventAborted, terminal.Type)
	assert.False(t, conv.InProgress())

	aborted, err = conv.Abort(ctx)
	require.NoError(t, err)
	assert.False(t, aborted)
}

func TestConversation_NewResetsSession(t *testing.T) {
	engine := claude.NewMockEngine(bashToolUse, bashRefused)
	conv := NewConversation(startServer(t, engine),
		WithConversationLogger(discardLogger()),
		WithPermissionMode(protocol.PermissionModePlan),
		WithAllowedTools([]string{"Read"}),
	)

	_, err := conv.Send(context.Background(), "go", nil)
	require.NoError(t, err)
	require.True(t, conv.Arbitrator().IsDialogOpen())
	conv.Session().Allow("Write")

	require.NoError(t, conv.New())

	assert.False(t, conv.Arbitrator().IsDialogOpen())
	assert.Empty(t, conv.Session().ID)
	assert.Equal(t, protocol.PermissionModePlan, conv.Session().PermissionMode)
	assert.Equal(t, []string{"Read"}, conv.Session().AllowedTools)
}

func TestClient_ChatRejectsNonOK(t *testing.T) {
	ts := httptest.NewServer(nil)
	t.Cleanup(ts.Close)

	_, err := New(ts.URL).Chat(context.Background(), protocol.ChatRequest{Message: "x", RequestID: "r"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
