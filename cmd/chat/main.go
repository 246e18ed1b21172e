// Command chat is a terminal client for the tax assistant server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/peterh/liner"

	"taxgpt-api/internal/client"
	"taxgpt-api/internal/conversation"
	"taxgpt-api/internal/sse"
)

var (
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#A78BFA")).Bold(true)
	infoStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	commandStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	warningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true)
)

type app struct {
	api      *client.Client
	session  *conversation.Session
	line     *liner.State
	out      io.Writer
	textOnly bool
	history  string
}

func main() {
	serverURL := flag.String("server", envOr("TAXGPT_SERVER", "http://localhost:3000"), "Tax assistant server URL")
	showTools := flag.Bool("tools", false, "Show tool activity while a reply streams")
	textOnly := flag.Bool("text", false, "Use the text-only stream (no tools)")
	historyFile := flag.String("history", defaultHistoryFile(), "Input history file")
	verbose := flag.Bool("v", false, "Log stream diagnostics to stderr")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	a := &app{
		api: client.New(*serverURL),
		session: conversation.NewSession(conversation.Options{
			BaseURL:          *serverURL,
			ShowToolActivity: *showTools,
		}),
		line:     liner.NewLiner(),
		out:      os.Stdout,
		textOnly: *textOnly,
		history:  *historyFile,
	}
	a.line.SetCtrlCAborts(true)
	a.loadHistory()
	defer a.close()

	if err := a.api.Health(context.Background()); err != nil {
		a.warnf("server %s is not reachable: %v", *serverURL, err)
	}
	a.printWelcome()

	for {
		input, err := a.line.Prompt("you> ")
		if err != nil {
			// Ctrl+C or Ctrl+D
			fmt.Fprintln(a.out)
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		a.line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			keepGoing, err := a.handleCommand(input)
			if err != nil {
				a.errorf("%v", err)
			}
			if !keepGoing {
				return
			}
			continue
		}
		if err := a.send(input); err != nil {
			a.errorf("%v", err)
		}
	}
}

func (a *app) close() {
	a.saveHistory()
	a.line.Close()
}

// send runs one turn. Ctrl+C while the reply streams abandons it.
func (a *app) send(text string) error {
	turn, req, err := a.session.Begin(text)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var stream *client.Stream
	if a.textOnly {
		stream, err = a.api.StreamText(ctx, req.Message, req.ConversationHistory)
	} else {
		stream, err = a.api.StreamWithTools(ctx, req.Message, req.ConversationHistory)
	}
	if err != nil {
		turn.Finish(err)
		return err
	}
	defer stream.Close()
	stopClose := context.AfterFunc(ctx, func() { stream.Close() })
	defer stopClose()

	fmt.Fprint(a.out, assistantStyle.Render("assistant> "))
	shown := ""
	err = turn.Consume(ctx, stream, func(ev sse.Event) {
		if ev.Type == sse.TypeToolCall {
			slog.Debug("tool call", "tool", ev.ToolName, "args", string(ev.Args))
		}
		cur := turn.Content()
		switch {
		case cur == shown:
		case strings.HasPrefix(cur, shown):
			fmt.Fprint(a.out, cur[len(shown):])
		default:
			// a tool marker was superseded; redraw the reply
			fmt.Fprint(a.out, "\n"+cur)
		}
		shown = cur
	})
	fmt.Fprintln(a.out)

	switch {
	case errors.Is(err, context.Canceled):
		a.infof("reply cancelled")
		return nil
	case err != nil:
		var streamErr *sse.StreamError
		if errors.As(err, &streamErr) {
			return errors.New(streamErr.Message)
		}
		return err
	}
	if msg := a.session.Err(); msg != "" {
		a.session.ClearError()
		return errors.New(msg)
	}
	a.showPending()
	return nil
}

func (a *app) showPending() {
	pending, ok := a.session.Pending()
	if !ok {
		return
	}
	d := pending.Data
	p := d.PersonalInfo
	fmt.Fprintln(a.out, warningStyle.Render(fmt.Sprintf("Tax data found (%s scenario)", pending.Scenario)))
	fmt.Fprintf(a.out, "  %s %s, %s, %s (tax year %d)\n", p.FirstName, p.LastName, p.Municipality, p.MaritalStatus, d.TaxYear)
	fmt.Fprintf(a.out, "  Income %s  Deductions %s  Wealth %s\n",
		conversation.FormatCHF(d.Income.Total()),
		conversation.FormatCHF(d.Deductions.Total()),
		conversation.FormatCHF(d.Wealth.Total()))
	fmt.Fprintln(a.out, commandStyle.Render("Use /confirm to load it or /cancel to dismiss."))
}

func (a *app) printWelcome() {
	for _, m := range a.session.Messages() {
		fmt.Fprintln(a.out, assistantStyle.Render("assistant> ")+m.Content)
	}
	a.infof("Type /help for commands.")
}

func (a *app) infof(format string, args ...any) {
	fmt.Fprintln(a.out, infoStyle.Render(fmt.Sprintf(format, args...)))
}

func (a *app) warnf(format string, args ...any) {
	fmt.Fprintln(a.out, warningStyle.Render(fmt.Sprintf(format, args...)))
}

func (a *app) errorf(format string, args ...any) {
	fmt.Fprintln(os.Stderr, errorStyle.Render("[Error]")+" "+fmt.Sprintf(format, args...))
}

func (a *app) loadHistory() {
	if a.history == "" {
		return
	}
	if f, err := os.Open(a.history); err == nil {
		a.line.ReadHistory(f)
		f.Close()
	}
}

func (a *app) saveHistory() {
	if a.history == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(a.history), 0700); err != nil {
		return
	}
	f, err := os.OpenFile(a.history, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	a.line.WriteHistory(f)
}

func defaultHistoryFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "taxgpt", "chat_history")
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
