package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/shehackedyou/lookahead"
)

const visibleItems = 10

var (
	mint  = lipgloss.Color("#7ee787")
	blue  = lipgloss.Color("#79c0ff")
	pink  = lipgloss.Color("#ff7eb6")
	muted = lipgloss.Color("#8b949e")
)

type styles struct {
	header   lipgloss.Style
	panel    lipgloss.Style
	item     lipgloss.Style
	selected lipgloss.Style
	detail   lipgloss.Style
	hint     lipgloss.Style
	status   lipgloss.Style
	help     lipgloss.Style
}

func newStyles() styles {
	return styles{
		header:   lipgloss.NewStyle().Foreground(blue).Bold(true),
		panel:    lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(muted).Padding(0, 1),
		item:     lipgloss.NewStyle().Foreground(lipgloss.Color("#c9d1d9")),
		selected: lipgloss.NewStyle().Foreground(mint).Bold(true),
		detail:   lipgloss.NewStyle().Foreground(muted),
		hint:     lipgloss.NewStyle().Foreground(pink),
		status:   lipgloss.NewStyle().Foreground(blue),
		help:     lipgloss.NewStyle().Foreground(muted),
	}
}

// Messages delivered to the model.
type (
	viewMsg     lookahead.ViewEvent
	replacedMsg struct {
		text  string
		caret int
	}
	outcomeMsg struct {
		out lookahead.Outcome
		err error
	}
)

// waitBusMsg blocks on ch and delivers the next message.
func waitBusMsg(ch <-chan tea.Msg) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}

type model struct {
	ctx        context.Context
	controller *lookahead.Controller
	surface    *lookahead.MemorySurface
	bus        chan tea.Msg

	input   textinput.Model
	spinner spinner.Model
	styles  styles

	list    lookahead.RankedList
	visible bool
	busy    bool
	hint    string
	status  string
}

func newModel(ctx context.Context, controller *lookahead.Controller, surface *lookahead.MemorySurface, bus chan tea.Msg) model {
	in := textinput.New()
	in.Placeholder = "type Go code; ctrl+space completes"
	in.Prompt = "› "
	in.CharLimit = 0
	in.Width = 72
	in.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(pink)

	return model{
		ctx:        ctx,
		controller: controller,
		surface:    surface,
		bus:        bus,
		input:      in,
		spinner:    sp,
		styles:     newStyles(),
		list:       lookahead.RankedList{Selected: -1},
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, waitBusMsg(m.bus))
}

func (m model) invoke(explicit bool) tea.Cmd {
	ctx, controller, surface := m.ctx, m.controller, m.surface
	return func() tea.Msg {
		out, err := controller.Invoke(ctx, lookahead.Invocation{Surface: surface, Explicit: explicit})
		return outcomeMsg{out: out, err: err}
	}
}

// syncSurface copies the input value and cursor into the editing surface.
func (m *model) syncSurface() {
	value := m.input.Value()
	runes := []rune(value)
	pos := m.input.Position()
	if pos > len(runes) {
		pos = len(runes)
	}
	m.surface.SetText(value, len(string(runes[:pos])))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "ctrl+@", "ctrl+ ":
			m.hint = ""
			return m, m.invoke(true)
		case "esc":
			if err := m.controller.Dismiss(m.ctx); err != nil {
				m.status = err.Error()
			}
			return m, nil
		case "up", "down":
			if m.visible && len(m.list.Items) > 0 {
				next := m.list.Selected
				if msg.String() == "up" {
					next--
				} else {
					next++
				}
				next = (next + len(m.list.Items)) % len(m.list.Items)
				if err := m.controller.Select(m.ctx, m.list.Items[next]); err != nil {
					m.status = err.Error()
				}
				m.list.Selected = next
				return m, nil
			}
		case "enter", "tab":
			if item := m.list.SelectedItem(); m.visible && item != nil {
				if err := m.controller.Choose(m.ctx, item); err != nil {
					m.status = err.Error()
				}
				return m, nil
			}
		}

		before := m.input.Value()
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
		m.syncSurface()
		if m.input.Value() != before {
			if err := m.controller.Edited(m.ctx, m.surface); err != nil {
				m.status = err.Error()
			}
			if !m.visible && !m.busy && typedIdentRune(msg) {
				cmds = append(cmds, m.invoke(false))
			}
		}

	case outcomeMsg:
		if msg.err != nil && !errors.Is(msg.err, lookahead.ErrReadOnly) {
			m.status = msg.err.Error()
		}
		m.busy = msg.out.Incomplete
		if msg.out.Hint != "" {
			m.hint = msg.out.Hint
		}
		if msg.out.Inserted != nil {
			m.status = "inserted " + msg.out.Inserted.Text
		} else if msg.err == nil {
			m.status = fmt.Sprintf("%s (count %d)", msg.out.Phase, msg.out.InvocationCount)
		}

	case viewMsg:
		switch msg.Kind {
		case lookahead.ViewShow, lookahead.ViewRefresh:
			m.list, m.visible = msg.List, true
			if msg.Kind == lookahead.ViewShow {
				m.busy = false
			}
		case lookahead.ViewHide:
			m.list, m.visible, m.busy = lookahead.RankedList{Selected: -1}, false, false
		case lookahead.ViewHint:
			m.hint = msg.Hint
		}
		cmds = append(cmds, waitBusMsg(m.bus))

	case replacedMsg:
		m.input.SetValue(msg.text)
		m.input.SetCursor(utf8.RuneCountInString(msg.text[:msg.caret]))
		cmds = append(cmds, waitBusMsg(m.bus))

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func typedIdentRune(msg tea.KeyMsg) bool {
	if msg.Type != tea.KeyRunes || len(msg.Runes) != 1 {
		return false
	}
	r := msg.Runes[0]
	return r == '_' || r == '.' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(m.styles.header.Render("lookahead"))
	b.WriteString("\n\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")

	if m.visible && len(m.list.Items) > 0 {
		var rows []string
		start := 0
		if m.list.Selected >= visibleItems {
			start = m.list.Selected - visibleItems + 1
		}
		for i := start; i < len(m.list.Items) && i < start+visibleItems; i++ {
			c := m.list.Items[i]
			style, marker := m.styles.item, "  "
			if i == m.list.Selected {
				style, marker = m.styles.selected, "> "
			}
			row := marker + style.Render(c.Text)
			if c.Detail != "" {
				row += "  " + m.styles.detail.Render(c.Detail)
			}
			rows = append(rows, row)
		}
		for _, ad := range m.list.Advertisements {
			rows = append(rows, m.styles.hint.Render(ad))
		}
		b.WriteString(m.styles.panel.Render(strings.Join(rows, "\n")))
		b.WriteString("\n")
	}
	if m.busy {
		b.WriteString(m.spinner.View() + " computing...\n")
	}
	if m.hint != "" {
		b.WriteString(m.styles.hint.Render(m.hint) + "\n")
	}
	if m.status != "" {
		b.WriteString(m.styles.status.Render(m.status) + "\n")
	}
	b.WriteString(m.styles.help.Render("ctrl+space complete · ↑/↓ select · enter accept · esc dismiss · ctrl+c quit"))
	return b.String()
}

func main() {
	logPath := flag.String("log", "lookahead-tui.log", "Log file path")
	bufferPath := flag.String("path", "scratch.txt", "Path the buffer is completed as; a .go path inside a module enables scope candidates")
	flag.Parse()

	surfaceID, err := filepath.Abs(*bufferPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid -path:", err)
		os.Exit(1)
	}

	logFile := &lumberjack.Logger{Filename: *logPath, MaxSize: 5, MaxBackups: 2}
	defer logFile.Close()
	var logWriter io.Writer = logFile
	tempLogger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{Level: slog.LevelInfo}))

	engine, initErr := lookahead.NewEngine(context.Background(), tempLogger)
	if initErr != nil && (!errors.Is(initErr, lookahead.ErrConfig) || engine == nil) {
		fmt.Fprintln(os.Stderr, "failed to initialize completion engine:", initErr)
		os.Exit(1)
	}
	defer engine.Close()

	level, err := lookahead.ParseLogLevel(engine.GetCurrentConfig().LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := make(chan tea.Msg, 256)
	surface := lookahead.NewMemorySurface(surfaceID, "", 0)
	surface.OnReplace(func(text string, caret int) {
		select {
		case bus <- replacedMsg{text: text, caret: caret}:
		case <-ctx.Done():
		}
	})
	view := lookahead.NewChannelView(64)
	go func() {
		for {
			select {
			case ev := <-view.Events():
				select {
				case bus <- viewMsg(ev):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	controller := engine.NewController(view, lookahead.ControllerOptions{Logger: logger})
	go func() {
		if err := controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Controller stopped", "error", err)
		}
	}()
	engine.SetDocument(surfaceID, "")

	p := tea.NewProgram(newModel(ctx, controller, surface, bus), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "tui error:", err)
		os.Exit(1)
	}
}
