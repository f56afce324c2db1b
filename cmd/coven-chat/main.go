// ABOUTME: Terminal chat client that talks to several agents at once in one room.
// ABOUTME: Routes each line by @-mention and prints agent replies rendered from markdown; -agent picks one agent.

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/coven-chat/internal/agent"
	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/logging"
	"github.com/2389/coven-chat/internal/protocol"
	"github.com/2389/coven-chat/internal/render"
)

const defaultConfigPath = "coven-chat.yaml"

func main() {
	configPath := flag.String("config", getConfigPath(), "Path to YAML or TOML config file")
	sessionKey := flag.String("session", "", "Session key for every agent (default: each agent's session_key)")
	agentID := flag.String("agent", "", "Talk to this one agent only, with session switching and history")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *agentID != "" {
		err = runSingle(ctx, cfg, *agentID, *sessionKey, os.Stdin, os.Stdout)
	} else {
		err = run(ctx, cfg, *sessionKey, os.Stdin, os.Stdout)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

// getConfigPath returns the config path from COVEN_CHAT_CONFIG or the default.
func getConfigPath() string {
	if path := os.Getenv("COVEN_CHAT_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

type app struct {
	cfg        *config.Config
	mgr        *agent.Manager
	sessionKey string
	out        io.Writer
	logger     *slog.Logger
}

func run(ctx context.Context, cfg *config.Config, sessionKey string, in io.Reader, out io.Writer) error {
	logger := logging.New(cfg.Logging, os.Stderr)
	builder := protocol.NewBuilder(protocol.NewIDCounter(), cfg.Client.Info())

	mgr := agent.NewManager(agent.Options{Builder: builder, Logger: logger})
	defer mgr.Close()

	a := &app{cfg: cfg, mgr: mgr, sessionKey: sessionKey, out: out, logger: logger}

	mgr.OnResponseComplete(a.printReply)
	go a.watchStatus(mgr.Subscribe(ctx))

	fmt.Fprintf(out, "coven-chat: %d agent(s) configured\n", len(cfg.Agents))
	fmt.Fprintln(out, "Type a message and press Enter. Use @name to address one agent. /help for commands.")
	fmt.Fprintln(out)

	a.connectAll(ctx)
	return readInput(ctx, in, out, func(input string) bool { return a.handle(ctx, input) })
}

func (a *app) connectAll(ctx context.Context) {
	for _, p := range a.cfg.Agents {
		if err := a.mgr.ConnectAgent(ctx, p); err != nil && !errors.Is(err, agent.ErrSuperseded) {
			a.logger.Warn("agent unavailable", "agent_id", p.ID, "error", err)
		}
	}
}

// readInput prompts for lines on out and hands each trimmed, non-empty line
// to handle until handle asks to quit, input ends, or ctx is cancelled.
func readInput(ctx context.Context, in io.Reader, out io.Writer, handle func(input string) (quit bool)) error {
	scanner := bufio.NewScanner(in)
	lines := make(chan string)
	errCh := make(chan error, 1)

	go func() {
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- err
		} else {
			errCh <- io.EOF
		}
	}()

	for {
		fmt.Fprint(out, "> ")

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-lines:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if handle(input) {
			return nil
		}
	}
}

func (a *app) handle(ctx context.Context, input string) bool {
	if strings.HasPrefix(input, "/") {
		return a.command(ctx, input)
	}
	delivered := a.mgr.SendMessage(input, a.cfg.Agents, a.sessionKey)
	if len(delivered) == 0 {
		color.New(color.FgYellow).Fprintln(a.out, "No connected agent matched; message not delivered.")
	}
	return false
}

// command handles a slash command and reports whether the client should exit.
func (a *app) command(ctx context.Context, input string) bool {
	switch strings.Fields(input)[0] {
	case "/quit", "/exit", "/q":
		return true
	case "/agents":
		a.printAgents()
	case "/clear":
		a.mgr.ClearMessages()
		fmt.Fprintln(a.out, "Conversation cleared.")
	case "/reconnect":
		a.connectAll(ctx)
	case "/help":
		printHelp(a.out)
	default:
		color.New(color.FgYellow).Fprintf(a.out, "Unknown command %s. /help for commands.\n", input)
	}
	return false
}

func printHelp(w io.Writer) {
	cyan := color.New(color.FgCyan)
	fmt.Fprintln(w, "Commands:")
	cyan.Fprint(w, "  /agents    ")
	fmt.Fprintln(w, "Show agent connection status")
	cyan.Fprint(w, "  /clear     ")
	fmt.Fprintln(w, "Clear the conversation (agents stay connected)")
	cyan.Fprint(w, "  /reconnect ")
	fmt.Fprintln(w, "Reconnect every configured agent")
	cyan.Fprint(w, "  /quit      ")
	fmt.Fprintln(w, "Exit")
	fmt.Fprintln(w, "Messages without @mentions go to every connected agent.")
}

func (a *app) printAgents() {
	snap := a.mgr.Snapshot()
	for _, p := range a.cfg.Agents {
		st, ok := snap.Statuses[p.ID]
		if !ok {
			st = agent.AgentStatus{Name: p.Name, State: chat.Disconnected}
		}
		fmt.Fprintf(a.out, "  %-16s %s", p.Name, stateColor(st.State).Sprint(st.State))
		if st.Error != "" {
			fmt.Fprintf(a.out, " (%s)", st.Error)
		}
		if snap.Processing[p.ID] {
			fmt.Fprint(a.out, " [thinking]")
		}
		fmt.Fprintln(a.out)
	}
}

func (a *app) printReply(agentID, text string) {
	name := agentID
	if p, ok := a.cfg.Agent(agentID); ok {
		name = p.Name
	}
	color.New(color.FgGreen, color.Bold).Fprintf(a.out, "\n%s:\n", name)
	fmt.Fprintln(a.out, render.Markdown(text))
	fmt.Fprint(a.out, "> ")
}

// watchStatus prints connection state changes, a preview of every reply
// still streaming, and failed runs as they happen.
func (a *app) watchStatus(updates <-chan agent.RoomSnapshot) {
	last := make(map[string]agent.AgentStatus)
	streaming := make(map[string]string)
	for snap := range updates {
		ids := make([]string, 0, len(snap.Statuses))
		for id := range snap.Statuses {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			st := snap.Statuses[id]
			prev, seen := last[id]
			if !seen || prev.State != st.State {
				line := fmt.Sprintf("* %s %s", st.Name, st.State)
				if st.Error != "" {
					line += ": " + st.Error
				}
				stateColor(st.State).Fprintln(a.out, line)
			}
			if text := snap.Streaming[id]; text != "" && text != streaming[id] {
				printPreview(a.out, st.Name, text)
			}
			if st.LastError != "" && st.LastError != prev.LastError {
				color.New(color.FgRed).Fprintf(a.out, "* %s: %s\n", st.Name, st.LastError)
			}
			last[id] = st
			streaming[id] = snap.Streaming[id]
		}
	}
}

const previewRunes = 60

// printPreview writes one line showing the tail of a reply still streaming.
func printPreview(w io.Writer, name, text string) {
	flat := []rune(strings.Join(strings.Fields(text), " "))
	if len(flat) > previewRunes {
		flat = append([]rune("..."), flat[len(flat)-previewRunes:]...)
	}
	color.New(color.FgHiBlack).Fprintf(w, "… %s: %s\n", name, string(flat))
}

func stateColor(s chat.State) *color.Color {
	switch s {
	case chat.Connected:
		return color.New(color.FgGreen)
	case chat.Connecting:
		return color.New(color.FgCyan)
	case chat.Error:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgYellow)
	}
}
