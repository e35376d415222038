// Package claude drives the Claude Code CLI for single conversation turns.
//
// # Prompts
//
// BuildPrompt turns one inbound ChatRequest into the value handed to the
// engine. Most turns are a plain string. A turn answering a tool call
// (toolResult plus a known session) or carrying images becomes a single
// structured user message written to the CLI's stdin in stream-json form:
//
//	prompt := claude.BuildPrompt(req)
//	opts := claude.NewQueryOptions(req)
//	for msg := range engine.Query(ctx, prompt, opts) {
//	    if msg.Err != nil {
//	        // classify and stop
//	    }
//	    forward(msg.Raw)
//	}
//
// # Options
//
// QueryOptions only carries what the caller supplied. BuildCommandArgs
// omits --resume, --allowedTools and --permission-mode entirely when the
// corresponding option is unset, because the CLI keys its behavior on flag
// presence.
//
// # Engines
//
// CLIEngine spawns one claude process per turn and streams its stdout
// lines. MockEngine replays scripted messages for tests.
//
// # Messages
//
// Engine messages are forwarded as raw JSON. ParseEnvelope decodes only the
// fields the client needs to spot permission refusals, questions and plan
// approvals.
package claude
