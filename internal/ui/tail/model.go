// Package tail implements the read-only console that follows one
// thread's event stream from a running gateway.
package tail

import (
	"context"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zjrosen/pont/internal/events"
)

// historyCap bounds the replayable event window held in memory. Resizes
// re-render from this history, so it also bounds re-render cost.
const historyCap = 500

// chromeHeight is the header plus footer rows around the viewport.
const chromeHeight = 2

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(assistantColor)
	liveStyle  = lipgloss.NewStyle().Foreground(addedColor)
)

// Config selects the stream the console follows.
type Config struct {
	// Client dials the gateway. Ignored when Source is set.
	Client *Client
	// Style is the markdown style name, usually from markdown.DetectStyle.
	Style string
	// Since is the replay cursor passed on connect.
	Since int64
	// Source feeds events directly instead of dialing. Tests use it.
	Source <-chan events.GatewayEvent
}

type connectedMsg struct {
	events <-chan events.GatewayEvent
	errs   <-chan error
}

type connectFailedMsg struct{ err error }

type streamEventMsg struct{ ev events.GatewayEvent }

type streamClosedMsg struct{ err error }

// Model is the bubbletea model for the tail console.
type Model struct {
	cfg      Config
	renderer *RowRenderer
	spinner  spinner.Model
	viewport viewport.Model

	width  int
	height int

	connected bool
	closed    bool
	err       error

	history []events.GatewayEvent
	follow  bool

	events <-chan events.GatewayEvent
	errs   <-chan error

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a console model. The initial 80x24 geometry holds until
// the first window size message arrives.
func New(cfg Config) Model {
	ctx, cancel := context.WithCancel(context.Background())

	sp := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(assistantColor)),
	)

	vp := viewport.New(80, 24-chromeHeight)

	return Model{
		cfg:      cfg,
		renderer: NewRowRenderer(80, cfg.Style),
		spinner:  sp,
		viewport: vp,
		width:    80,
		height:   24,
		follow:   true,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.connectCmd())
}

func (m Model) connectCmd() tea.Cmd {
	cfg := m.cfg
	ctx := m.ctx
	return func() tea.Msg {
		if cfg.Source != nil {
			return connectedMsg{events: cfg.Source}
		}
		evs, errs, err := cfg.Client.Events(ctx, cfg.Since)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		return connectedMsg{events: evs, errs: errs}
	}
}

// waitForEvent blocks on the stream for the next event. The pump writes
// its terminal error before closing the event channel, so a closed
// channel can drain the error without racing.
func (m Model) waitForEvent() tea.Cmd {
	evs, errs := m.events, m.errs
	return func() tea.Msg {
		ev, ok := <-evs
		if !ok {
			var err error
			if errs != nil {
				select {
				case err = <-errs:
				default:
				}
			}
			return streamClosedMsg{err: err}
		}
		return streamEventMsg{ev: ev}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.renderer = NewRowRenderer(msg.Width, m.cfg.Style)
		vh := msg.Height - chromeHeight
		if vh < 1 {
			vh = 1
		}
		m.viewport.Width = msg.Width
		m.viewport.Height = vh
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancel()
			return m, tea.Quit
		case "g", "home":
			m.follow = false
			m.viewport.GotoTop()
			return m, nil
		case "G", "end":
			m.follow = true
			m.viewport.GotoBottom()
			return m, nil
		default:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			m.follow = m.viewport.AtBottom()
			return m, cmd
		}

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		m.follow = m.viewport.AtBottom()
		return m, cmd

	case spinner.TickMsg:
		if m.connected || m.closed {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case connectedMsg:
		m.connected = true
		m.events = msg.events
		m.errs = msg.errs
		return m, m.waitForEvent()

	case connectFailedMsg:
		m.closed = true
		m.err = msg.err
		return m, nil

	case streamEventMsg:
		m.history = append(m.history, msg.ev)
		if len(m.history) > historyCap {
			m.history = m.history[len(m.history)-historyCap:]
		}
		m.refresh()
		return m, m.waitForEvent()

	case streamClosedMsg:
		m.connected = false
		m.closed = true
		m.err = msg.err
		return m, nil
	}
	return m, nil
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.renderer.RenderFeed(m.history))
	if m.follow {
		m.viewport.GotoBottom()
	}
}

func (m Model) View() string {
	return m.headerView() + "\n" + m.viewport.View() + "\n" + m.footerView()
}

func (m Model) headerView() string {
	header := titleStyle.Render("pont tail")
	if id := m.threadID(); id != "" {
		header += dimStyle.Render(" · " + id)
	}

	var status string
	switch {
	case m.closed && m.err != nil:
		status = errorStyle.Render("✗ " + m.err.Error())
	case m.closed:
		status = dimStyle.Render("stream closed")
	case m.connected:
		status = liveStyle.Render("● live")
	default:
		status = m.spinner.View() + dimStyle.Render("connecting")
	}
	return header + "  " + status
}

func (m Model) footerView() string {
	return dimStyle.Render("q quit · g/G top/bottom · ↑/↓ scroll")
}

func (m Model) threadID() string {
	if m.cfg.Client != nil {
		return m.cfg.Client.ThreadID
	}
	return ""
}
