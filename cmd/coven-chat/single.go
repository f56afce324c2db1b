// ABOUTME: Single-agent mode of the chat client, driven by one session.Session.
// ABOUTME: Adds session listing, switching and history on top of plain chatting.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/logging"
	"github.com/2389/coven-chat/internal/protocol"
	"github.com/2389/coven-chat/internal/render"
	"github.com/2389/coven-chat/internal/session"
)

type singleApp struct {
	profile chat.Profile
	sess    *session.Session
	out     io.Writer
	logger  *slog.Logger
}

// runSingle talks to the agent with id agentID only. An empty sessionKey
// starts in the profile's own session.
func runSingle(ctx context.Context, cfg *config.Config, agentID, sessionKey string, in io.Reader, out io.Writer) error {
	p, ok := cfg.Agent(agentID)
	if !ok {
		return fmt.Errorf("no agent with id %q in config", agentID)
	}
	if sessionKey != "" {
		p.SessionKey = sessionKey
	}

	logger := logging.New(cfg.Logging, os.Stderr)
	builder := protocol.NewBuilder(protocol.NewIDCounter(), cfg.Client.Info())

	sess := session.New(session.Options{Builder: builder, Logger: logger.With("agent_id", p.ID)})
	defer sess.Close()

	a := &singleApp{profile: p, sess: sess, out: out, logger: logger}

	sess.OnResponseComplete(a.printReply)
	go a.watch(sess.Subscribe(ctx))

	fmt.Fprintf(out, "coven-chat: talking to %s (session %s)\n", p.Name, p.SessionKey)
	fmt.Fprintln(out, "Type a message and press Enter. /help for commands.")
	fmt.Fprintln(out)

	a.connect(ctx, p.SessionKey)
	return readInput(ctx, in, out, func(input string) bool { return a.handle(ctx, input) })
}

func (a *singleApp) connect(ctx context.Context, sessionKey string) {
	err := a.sess.Connect(ctx, a.profile.EndpointURL, a.profile.AuthToken, sessionKey)
	if err != nil && !errors.Is(err, session.ErrSuperseded) {
		a.logger.Warn("agent unavailable", "agent_id", a.profile.ID, "error", err)
	}
}

func (a *singleApp) handle(ctx context.Context, input string) bool {
	if strings.HasPrefix(input, "/") {
		return a.command(ctx, input)
	}
	if !a.sess.SendMessage(input) {
		color.New(color.FgYellow).Fprintf(a.out, "%s is not connected; message not delivered.\n", a.profile.Name)
	}
	return false
}

// command handles a slash command and reports whether the client should exit.
func (a *singleApp) command(ctx context.Context, input string) bool {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/quit", "/exit", "/q":
		return true
	case "/sessions":
		a.printSessions()
	case "/switch":
		if len(fields) != 2 {
			color.New(color.FgYellow).Fprintln(a.out, "Usage: /switch <session-key>")
			break
		}
		if !a.sess.SwitchSession(fields[1]) {
			color.New(color.FgYellow).Fprintf(a.out, "%s is not connected.\n", a.profile.Name)
			break
		}
		fmt.Fprintf(a.out, "Switched to session %s.\n", fields[1])
	case "/history":
		a.printHistory()
	case "/reconnect":
		key := a.sess.Snapshot().SessionKey
		if key == "" {
			key = a.profile.SessionKey
		}
		a.connect(ctx, key)
	case "/help":
		printSingleHelp(a.out)
	default:
		color.New(color.FgYellow).Fprintf(a.out, "Unknown command %s. /help for commands.\n", input)
	}
	return false
}

func printSingleHelp(w io.Writer) {
	cyan := color.New(color.FgCyan)
	fmt.Fprintln(w, "Commands:")
	cyan.Fprint(w, "  /sessions       ")
	fmt.Fprintln(w, "List the agent's sessions")
	cyan.Fprint(w, "  /switch <key>   ")
	fmt.Fprintln(w, "Move to another session and load its history")
	cyan.Fprint(w, "  /history        ")
	fmt.Fprintln(w, "Show the messages of the current session")
	cyan.Fprint(w, "  /reconnect      ")
	fmt.Fprintln(w, "Reconnect, staying in the current session")
	cyan.Fprint(w, "  /quit           ")
	fmt.Fprintln(w, "Exit")
}

func (a *singleApp) printSessions() {
	snap := a.sess.Snapshot()
	if len(snap.Sessions) == 0 {
		fmt.Fprintln(a.out, "No sessions known.")
		return
	}
	for _, info := range snap.Sessions {
		mark := " "
		if info.Key == snap.SessionKey {
			mark = "*"
		}
		label := info.Label
		if label == "" {
			label = info.Key
		}
		fmt.Fprintf(a.out, "%s %-16s %s\n", mark, info.Key, label)
	}
}

func (a *singleApp) printHistory() {
	snap := a.sess.Snapshot()
	if len(snap.Messages) == 0 {
		fmt.Fprintf(a.out, "No messages in session %s.\n", snap.SessionKey)
		return
	}
	for _, m := range snap.Messages {
		if m.Role == chat.RoleUser {
			color.New(color.FgCyan).Fprint(a.out, "you: ")
			fmt.Fprintln(a.out, m.Text)
			continue
		}
		color.New(color.FgGreen).Fprintf(a.out, "%s: ", a.profile.Name)
		fmt.Fprintln(a.out, render.Markdown(m.Text))
	}
}

func (a *singleApp) printReply(text string) {
	color.New(color.FgGreen, color.Bold).Fprintf(a.out, "\n%s:\n", a.profile.Name)
	fmt.Fprintln(a.out, render.Markdown(text))
	fmt.Fprint(a.out, "> ")
}

// watch prints state changes, streaming previews and failed runs.
func (a *singleApp) watch(updates <-chan session.Snapshot) {
	var last session.Snapshot
	seen := false
	for snap := range updates {
		if !seen || snap.State != last.State {
			line := fmt.Sprintf("* %s %s", a.profile.Name, snap.State)
			if snap.Error != "" {
				line += ": " + snap.Error
			}
			stateColor(snap.State).Fprintln(a.out, line)
		}
		if snap.Streaming != "" && snap.Streaming != last.Streaming {
			printPreview(a.out, a.profile.Name, snap.Streaming)
		}
		if snap.LastError != "" && snap.LastError != last.LastError {
			color.New(color.FgRed).Fprintf(a.out, "* %s: %s\n", a.profile.Name, snap.LastError)
		}
		last, seen = snap, true
	}
}
