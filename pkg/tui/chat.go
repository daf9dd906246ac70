// Package tui is the interactive chat client. It talks to a running server
// over the command surface and renders the live event stream.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Mindburn-Labs/nstar/pkg/ledger"
	"github.com/Mindburn-Labs/nstar/pkg/server"
)

// API is the slice of the server client the chat uses.
type API interface {
	Status(ctx context.Context) (server.Status, error)
	Chat(ctx context.Context, req server.ChatRequest) (server.JobResult, error)
	Paste(ctx context.Context, text string) (server.PasteResponse, error)
	Stream(ctx context.Context, fn func(server.Event)) error
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	userStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	systemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

const helpText = `/help          show this help
/mode <m>      set mode (safe, fast, cheap)
/paste <text>  add text as context
/ctx           list context refs
/clear         clear the transcript
/quit          exit`

type (
	statusMsg struct {
		st  server.Status
		err error
	}
	streamMsg       server.Event
	streamClosedMsg struct{ err error }
	chatDoneMsg     struct {
		res server.JobResult
		err error
	}
	pasteDoneMsg struct {
		res server.PasteResponse
		err error
	}
)

// Model is the bubbletea model of the chat screen.
type Model struct {
	ctx    context.Context
	api    API
	events chan server.Event

	input   textinput.Model
	view    viewport.Model
	lines   []string
	mode    string
	ctxRefs []string
	online  bool
	// streaming means job results arrive as stream events.
	streaming bool
	busy      bool
	quitting  bool
	width     int
	height    int
}

func New(ctx context.Context, api API) Model {
	in := textinput.New()
	in.Placeholder = "describe a goal, or /help"
	in.Prompt = "› "
	in.Focus()
	return Model{
		ctx:    ctx,
		api:    api,
		events: make(chan server.Event, 64),
		input:  in,
		view:   viewport.New(80, 20),
		mode:   "fast",
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.checkStatus())
}

func (m Model) checkStatus() tea.Cmd {
	return func() tea.Msg {
		st, err := m.api.Status(m.ctx)
		return statusMsg{st: st, err: err}
	}
}

// startStream pumps server events into m.events until the stream ends.
func (m Model) startStream() tea.Cmd {
	return func() tea.Msg {
		err := m.api.Stream(m.ctx, func(ev server.Event) {
			select {
			case m.events <- ev:
			case <-m.ctx.Done():
			}
		})
		close(m.events)
		return streamClosedMsg{err: err}
	}
}

func (m Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return nil
		}
		return streamMsg(ev)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.view.Width = msg.Width
		m.view.Height = max(msg.Height-4, 1)
		m.input.Width = max(msg.Width-4, 10)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if line == "" {
				return m, nil
			}
			return m.submit(line)
		}

	case statusMsg:
		if msg.err != nil {
			m.online = false
			m.appendLine(errStyle.Render("server unavailable: start it with `nstar serve`"))
			return m, nil
		}
		m.online = true
		m.streaming = true
		m.appendLine(systemStyle.Render(fmt.Sprintf("connected to %s %s", msg.st.Server, msg.st.Version)))
		return m, tea.Batch(m.startStream(), m.waitForEvent())

	case streamMsg:
		if line := renderEvent(server.Event(msg)); line != "" {
			m.appendLine(line)
		}
		return m, m.waitForEvent()

	case streamClosedMsg:
		m.streaming = false
		if msg.err != nil && m.ctx.Err() == nil {
			m.appendLine(errStyle.Render("stream closed: " + msg.err.Error()))
		}
		return m, nil

	case chatDoneMsg:
		m.busy = false
		if msg.err != nil {
			m.appendLine(errStyle.Render("request failed: " + msg.err.Error()))
			return m, nil
		}
		if !m.streaming {
			m.appendLine(renderResult(msg.res))
		}
		return m, nil

	case pasteDoneMsg:
		if msg.err != nil {
			m.appendLine(errStyle.Render("paste failed: " + msg.err.Error()))
			return m, nil
		}
		m.ctxRefs = append(m.ctxRefs, msg.res.Ref)
		m.appendLine(okStyle.Render("context added: " + msg.res.Ref))
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) submit(line string) (tea.Model, tea.Cmd) {
	if !strings.HasPrefix(line, "/") {
		m.appendLine(userStyle.Render("you: ") + line)
		if !m.online {
			m.appendLine(errStyle.Render("server unavailable"))
			return m, nil
		}
		m.busy = true
		message := line
		if !strings.Contains(line, "--mode=") {
			message += " --mode=" + m.mode
		}
		req := server.ChatRequest{Message: message, Context: append([]string{}, m.ctxRefs...)}
		return m, func() tea.Msg {
			res, err := m.api.Chat(m.ctx, req)
			return chatDoneMsg{res: res, err: err}
		}
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/help":
		m.appendLine(systemStyle.Render(helpText))
	case "/mode":
		switch arg {
		case "safe", "fast", "cheap":
			m.mode = arg
			m.appendLine(systemStyle.Render("mode: " + arg))
		default:
			m.appendLine(errStyle.Render("mode must be safe, fast or cheap"))
		}
	case "/paste":
		if arg == "" {
			m.appendLine(errStyle.Render("usage: /paste <text>"))
			return m, nil
		}
		return m, func() tea.Msg {
			res, err := m.api.Paste(m.ctx, arg)
			return pasteDoneMsg{res: res, err: err}
		}
	case "/ctx":
		if len(m.ctxRefs) == 0 {
			m.appendLine(systemStyle.Render("no context refs"))
		} else {
			m.appendLine(systemStyle.Render(strings.Join(m.ctxRefs, "\n")))
		}
	case "/clear":
		m.lines = nil
		m.refresh()
	case "/quit", "/exit":
		m.quitting = true
		return m, tea.Quit
	default:
		m.appendLine(errStyle.Render("unknown command " + cmd + ", try /help"))
	}
	return m, nil
}

func (m *Model) appendLine(s string) {
	m.lines = append(m.lines, s)
	m.refresh()
}

func (m *Model) refresh() {
	m.view.SetContent(strings.Join(m.lines, "\n"))
	m.view.GotoBottom()
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	state := "offline"
	if m.online {
		state = "online"
	}
	if m.busy {
		state += " · running"
	}
	header := titleStyle.Render("nstar chat") + "  " + statusStyle.Render(fmt.Sprintf("mode=%s  ctx=%d  %s", m.mode, len(m.ctxRefs), state))
	return header + "\n" + m.view.View() + "\n" + m.input.View()
}

// Transcript returns the rendered lines.
func (m Model) Transcript() []string { return m.lines }

func renderEvent(ev server.Event) string {
	switch ev.Kind {
	case server.EventJobStart:
		var p server.JobSpec
		if ev.Decode(&p) == nil {
			return systemStyle.Render("▶ starting: " + p.Goal)
		}
	case server.EventJobComplete:
		var res server.JobResult
		if ev.Decode(&res) == nil {
			return renderResult(res)
		}
	case server.EventJobError:
		var res server.JobResult
		if ev.Decode(&res) == nil {
			return errStyle.Render("✗ job error: " + res.Error)
		}
	case server.EventTrace:
		var te ledger.TraceEvent
		if ev.Decode(&te) == nil && te.Phase == "gate" && te.Step == "gamma" {
			mark := okStyle.Render("✓")
			if !te.OK {
				mark = errStyle.Render("✗")
			}
			return fmt.Sprintf("quality gate %s %s", mark, te.Note)
		}
	}
	return ""
}

func renderResult(res server.JobResult) string {
	if res.State == server.JobErrored {
		return errStyle.Render("✗ " + res.Error)
	}
	var out struct {
		Decision string  `json:"decision"`
		Gamma    float64 `json:"gamma"`
	}
	if raw, err := json.Marshal(res.Result); err == nil && json.Unmarshal(raw, &out) == nil && out.Decision != "" {
		return okStyle.Render(fmt.Sprintf("✓ %s (γ=%.2f)", out.Decision, out.Gamma))
	}
	code := -1
	if res.ExitCode != nil {
		code = *res.ExitCode
	}
	return systemStyle.Render(fmt.Sprintf("job %s finished with exit %d", res.JobID, code))
}

// Run starts the chat program and blocks until the user quits.
func Run(ctx context.Context, api API) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	_, err := tea.NewProgram(New(ctx, api), tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}
