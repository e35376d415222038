package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zhubert/plural-web/claude"
	"github.com/zhubert/plural-web/client"
	"github.com/zhubert/plural-web/protocol"
)

type chatOptions struct {
	server         string
	cwd            string
	permissionMode string
	allowedTools   []string
	debug          bool
}

func buildChatCmd() *cobra.Command {
	var opts chatOptions

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with Claude through a running server",
		Long: `Start an interactive conversation against a plural-web server.

Type a message and press enter. Lines starting with "/" are sent as slash
commands, except:
  /new    start a new conversation
  /quit   exit

Ctrl-C aborts the turn in progress; pressing it while idle exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.server, "server", "s", "http://127.0.0.1:8080", "Server base URL")
	cmd.Flags().StringVar(&opts.cwd, "cwd", "", "Working directory for the conversation (default: current directory)")
	cmd.Flags().StringVar(&opts.permissionMode, "permission-mode", "default", "Initial permission mode (default, plan, acceptEdits, bypassPermissions)")
	cmd.Flags().StringSliceVar(&opts.allowedTools, "allow", nil, "Allowed tool patterns; @name expands a tool set")
	cmd.Flags().BoolVarP(&opts.debug, "debug", "d", false, "Log client activity to stderr")
	return cmd
}

func runChat(cmd *cobra.Command, opts chatOptions) error {
	mode, err := protocol.ParsePermissionMode(opts.permissionMode)
	if err != nil {
		return err
	}
	tools, err := claude.ExpandToolSets(opts.allowedTools)
	if err != nil {
		return err
	}
	cwd := opts.cwd
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			return err
		}
	}
	if cwd, err = filepath.Abs(cwd); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if f, ok := out.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		color.NoColor = true
	}

	level := slog.LevelWarn
	if opts.debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	conv := client.NewConversation(
		client.New(opts.server, client.WithLogger(log)),
		client.WithConversationLogger(log),
		client.WithWorkingDir(cwd),
		client.WithPermissionMode(mode),
		client.WithAllowedTools(tools),
	)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if !conv.InProgress() {
				cancel()
				return
			}
			if _, err := conv.Abort(ctx); err != nil {
				log.Warn("abort failed", "error", err)
			}
		}
	}()

	r := &repl{
		conv: conv,
		in:   bufio.NewScanner(cmd.InOrStdin()),
		out:  out,
	}
	fmt.Fprintf(out, "%s %s\n", color.New(color.Bold).Sprint("plural-web"), color.New(color.Faint).Sprint(cwd))
	return r.run(ctx)
}

// repl is the terminal chat loop.
type repl struct {
	conv *client.Conversation
	in   *bufio.Scanner
	out  io.Writer
}

var errQuit = errors.New("quit")

func (r *repl) run(ctx context.Context) error {
	for {
		line, err := r.prompt(ctx, color.New(color.FgCyan, color.Bold).Sprint("> "))
		if errors.Is(err, errQuit) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		switch strings.TrimSpace(line) {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			if err := r.conv.New(); err != nil {
				r.warn(err.Error())
			} else {
				r.info("Started a new conversation.")
			}
			continue
		}

		if _, err := r.conv.Send(ctx, line, r.render); err != nil {
			r.warn(err.Error())
			continue
		}
		if err := r.resolveDialogs(ctx); err != nil {
			if errors.Is(err, errQuit) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// prompt writes p and reads one line. It returns errQuit when ctx is done.
func (r *repl) prompt(ctx context.Context, p string) (string, error) {
	if ctx.Err() != nil {
		return "", errQuit
	}
	fmt.Fprint(r.out, p)
	if !r.in.Scan() {
		if err := r.in.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.in.Text(), nil
}

// resolveDialogs asks the user for every pending decision and sends the
// answers, until no dialog is open.
func (r *repl) resolveDialogs(ctx context.Context) error {
	arb := r.conv.Arbitrator()
	for arb.IsDialogOpen() {
		var (
			turn *client.Turn
			err  error
		)
		switch arb.ActiveDialog() {
		case client.DialogToolPermission:
			turn, err = r.askToolPermission(ctx, arb)
		case client.DialogPlan:
			turn, err = r.askPlan(ctx, arb)
		case client.DialogQuestion:
			turn, err = r.askQuestion(ctx, arb)
		}
		if err != nil {
			return err
		}
		if _, err := r.conv.Continue(ctx, turn, r.render); err != nil {
			r.warn(err.Error())
			return nil
		}
	}
	return nil
}

func (r *repl) askToolPermission(ctx context.Context, arb *client.Arbitrator) (*client.Turn, error) {
	req := arb.ToolPermission()
	fmt.Fprintf(r.out, "\n%s %s\n", color.YellowString("Permission needed:"), strings.Join(req.Patterns, ", "))
	for {
		answer, err := r.prompt(ctx, "Allow? [y] once, [a] always, [n] deny: ")
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return arb.ResolveToolPermission(client.AllowOnce)
		case "a", "always":
			return arb.ResolveToolPermission(client.AllowPermanently)
		case "n", "no", "":
			return arb.ResolveToolPermission(client.Deny)
		}
	}
}

func (r *repl) askPlan(ctx context.Context, arb *client.Arbitrator) (*client.Turn, error) {
	plan := arb.Plan()
	fmt.Fprintf(r.out, "\n%s\n%s\n", color.YellowString("Plan ready for review:"), plan.Plan)
	for {
		answer, err := r.prompt(ctx, "[e] accept with edits, [d] accept, [k] keep planning: ")
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "e":
			return arb.ResolvePlan(client.AcceptWithEdits)
		case "d":
			return arb.ResolvePlan(client.AcceptDefault)
		case "k", "":
			return arb.ResolvePlan(client.KeepPlanning)
		}
	}
}

func (r *repl) askQuestion(ctx context.Context, arb *client.Arbitrator) (*client.Turn, error) {
	q := arb.CurrentQuestion()
	if n := arb.PendingCount(); n > 1 {
		r.info(fmt.Sprintf("%d question sets pending", n))
	}
	answers := make(map[string]string, len(q.Questions))
	for _, question := range q.Questions {
		fmt.Fprintf(r.out, "\n%s\n", color.New(color.Bold).Sprint(question.Question))
		for i, opt := range question.Options {
			fmt.Fprintf(r.out, "  %d. %s", i+1, opt.Label)
			if opt.Description != "" {
				fmt.Fprintf(r.out, " %s", color.New(color.Faint).Sprint(opt.Description))
			}
			fmt.Fprintln(r.out)
		}
		hint := "Choose a number (empty to cancel): "
		if question.MultiSelect {
			hint = "Choose numbers separated by commas (empty to cancel): "
		}
		answer, err := r.prompt(ctx, hint)
		if err != nil {
			return nil, err
		}
		label, ok := pickOptions(question, answer)
		if !ok {
			return arb.CancelQuestion()
		}
		answers[question.Question] = label
	}
	return arb.ResolveQuestion(answers)
}

// pickOptions maps a typed selection to option labels. Anything that is not
// a valid selection is treated as free text.
func pickOptions(q claude.Question, answer string) (string, bool) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", false
	}
	var labels []string
	for _, part := range strings.Split(answer, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 1 || n > len(q.Options) {
			return answer, true
		}
		labels = append(labels, q.Options[n-1].Label)
		if !q.MultiSelect {
			break
		}
	}
	return strings.Join(labels, ", "), true
}

// render prints one stream event.
func (r *repl) render(ev protocol.StreamEvent) {
	switch ev.Type {
	case protocol.EventClaudeJSON:
		r.renderMessage(ev.Data)
	case protocol.EventError:
		fmt.Fprintf(r.out, "%s %s\n", color.RedString("Error:"), ev.Error)
	case protocol.EventContextOverflow:
		fmt.Fprintf(r.out, "%s %s\n", color.YellowString("!"), ev.Error)
		r.info("Type /new to start a new conversation.")
	case protocol.EventAborted:
		r.info("Aborted.")
	}
}

func (r *repl) renderMessage(raw []byte) {
	env, err := claude.ParseEnvelope(raw)
	if err != nil || env.Type != claude.MessageTypeAssistant {
		return
	}
	for _, item := range env.Message.Content {
		switch item.Type {
		case "text":
			fmt.Fprintln(r.out, item.Text)
		case "tool_use":
			fmt.Fprintln(r.out, color.New(color.Faint).Sprintf("→ %s", item.Name))
		}
	}
}

func (r *repl) info(msg string) {
	fmt.Fprintln(r.out, color.New(color.Faint).Sprint(msg))
}

func (r *repl) warn(msg string) {
	fmt.Fprintln(r.out, color.YellowString(msg))
}
