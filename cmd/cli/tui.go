package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/and161185/techstore/internal/app"
	"github.com/and161185/techstore/internal/chat"
	"github.com/and161185/techstore/internal/errs"
	"github.com/and161185/techstore/internal/model"
	"github.com/and161185/techstore/internal/notice"
)

const (
	defaultWidth   = 80
	defaultHeight  = 24
	inputCharLimit = 2000
	chromeHeight   = 5
)

var (
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	boldStyle   = lipgloss.NewStyle().Bold(true)
	ownStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	otherStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("63")).Bold(true)
	dangerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

func noticeStyle(v notice.Variant) lipgloss.Style {
	switch v {
	case notice.Danger:
		return dangerStyle
	case notice.Warning:
		return warnStyle
	case notice.Success:
		return okStyle
	}
	return dimStyle
}

// redirectNav remembers where the engine sent the user.
type redirectNav struct{ path string }

func (n *redirectNav) Redirect(p string) { n.path = p }

// runChatView mounts chatID and runs the terminal view until the user leaves.
// If ctx ends first the hosting session is treated as closed.
func runChatView(ctx context.Context, a *app.App, chatID string, errOut io.Writer) error {
	a.Connect()
	nav := &redirectNav{}
	e := a.NewChat(chatID, nav)
	if err := e.Mount(ctx); err != nil {
		if nav.path != "" {
			fmt.Fprintf(errOut, "back to %s\n", nav.path)
		}
		return err
	}
	defer e.Unmount()

	m := newChatModel(ctx, e, a.Toaster)
	defer m.stop()

	_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if ctx.Err() != nil {
		if uerr := a.Unload(context.WithoutCancel(ctx)); uerr != nil {
			a.Logger().Warn("unload failed", zap.Error(uerr))
		}
		return nil
	}
	return err
}

type (
	viewMsg    struct{ view chat.View }
	noticesMsg struct{ notices []notice.Notice }
	sendErrMsg struct{ err error }
)

// engineView is what the model needs from a mounted chat.Engine.
type engineView interface {
	Snapshot() chat.View
	Send(ctx context.Context, text string) error
	Resolve(msg model.ChatMessage) chat.Sender
}

type chatModel struct {
	ctx    context.Context
	engine engineView

	views   <-chan chat.View
	notices <-chan []notice.Notice
	stops   []func()

	view  chat.View
	notes []notice.Notice
	err   error

	input   textinput.Model
	content viewport.Model
	width   int
	height  int
}

type viewSource interface {
	engineView
	Subscribe() (<-chan chat.View, func())
}

type noticeSource interface {
	Subscribe() (<-chan []notice.Notice, func())
}

func newChatModel(ctx context.Context, e viewSource, n noticeSource) *chatModel {
	input := textinput.New()
	input.Placeholder = "connecting..."
	input.CharLimit = inputCharLimit
	input.Width = defaultWidth - 2
	input.Focus()

	views, stopViews := e.Subscribe()
	notes, stopNotes := n.Subscribe()

	m := &chatModel{
		ctx:     ctx,
		engine:  e,
		views:   views,
		notices: notes,
		stops:   []func(){stopViews, stopNotes},
		view:    e.Snapshot(),
		input:   input,
		content: viewport.New(defaultWidth, defaultHeight-chromeHeight),
		width:   defaultWidth,
		height:  defaultHeight,
	}
	m.refresh()
	return m
}

func (m *chatModel) stop() {
	for _, s := range m.stops {
		s()
	}
}

func waitView(ch <-chan chat.View) tea.Cmd {
	return func() tea.Msg {
		v, ok := <-ch
		if !ok {
			return nil
		}
		return viewMsg{v}
	}
}

func waitNotices(ch <-chan []notice.Notice) tea.Cmd {
	return func() tea.Msg {
		n, ok := <-ch
		if !ok {
			return nil
		}
		return noticesMsg{n}
	}
}

func (m *chatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitView(m.views), waitNotices(m.notices))
}

func (m *chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			if cmd := m.submit(); cmd != nil {
				cmds = append(cmds, cmd)
			}
		case tea.KeyPgUp:
			m.content.HalfViewUp()
		case tea.KeyPgDown:
			m.content.HalfViewDown()
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.input.Width = max(msg.Width-2, 10)
		m.content.Width = msg.Width
		m.content.Height = max(msg.Height-chromeHeight, 3)
		m.refresh()

	case viewMsg:
		m.view = msg.view
		m.refresh()
		cmds = append(cmds, waitView(m.views))

	case noticesMsg:
		m.notes = msg.notices
		cmds = append(cmds, waitNotices(m.notices))

	case sendErrMsg:
		m.err = msg.err
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// submit sends the typed text when the view accepts input.
func (m *chatModel) submit() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if text == "" || !m.view.Ready {
		return nil
	}
	m.input.Reset()
	m.err = nil
	ctx, e := m.ctx, m.engine
	return func() tea.Msg {
		if err := e.Send(ctx, text); err != nil {
			return sendErrMsg{err}
		}
		return nil
	}
}

func (m *chatModel) refresh() {
	if m.view.Ready {
		m.input.Placeholder = "type a message"
	} else {
		m.input.Placeholder = m.view.State.String() + "..."
	}
	m.content.SetContent(renderMessages(m.view.Messages, m.engine.Resolve, m.content.Width))
	m.content.GotoBottom()
}

func (m *chatModel) View() string {
	var b strings.Builder
	b.WriteString(m.header())
	b.WriteString("\n")
	b.WriteString(m.content.View())
	b.WriteString("\n")
	for _, n := range m.notes {
		b.WriteString(noticeStyle(n.Variant).Render(n.Text))
		b.WriteString("\n")
	}
	if m.err != nil {
		b.WriteString(dangerStyle.Render(sendErrorText(m.err)))
		b.WriteString("\n")
	}
	b.WriteString(m.input.View())
	return b.String()
}

func (m *chatModel) header() string {
	title := "conversation"
	if info := m.view.Info; info != nil && info.Product.Name != "" {
		title = info.Product.Name
	}
	return boldStyle.Render(title) + dimStyle.Render(fmt.Sprintf("  [%s]", m.view.State))
}

func sendErrorText(err error) string {
	switch {
	case errors.Is(err, errs.ErrNotConnected):
		return "not connected"
	case errors.Is(err, errs.ErrSendRejected):
		return "message not accepted yet"
	}
	return "message not sent"
}

// renderMessages lays out one line per message; unconfirmed ones are dimmed.
func renderMessages(msgs []model.ChatMessage, resolve func(model.ChatMessage) chat.Sender, width int) string {
	if len(msgs) == 0 {
		return dimStyle.Render("no messages yet")
	}
	var b strings.Builder
	for i, msg := range msgs {
		if i > 0 {
			b.WriteString("\n")
		}
		s := resolve(msg)
		name := otherStyle.Render(s.Name)
		if s.Own {
			name = ownStyle.Render(s.Name)
		}
		line := fmt.Sprintf("%s %s %s", dimStyle.Render(msg.CreatedAt.Local().Format("15:04")), name, msg.Content)
		if msg.Provisional {
			line += dimStyle.Render(" (sending)")
		}
		if width > 0 {
			line = lipgloss.NewStyle().Width(width).Render(line)
		}
		b.WriteString(line)
	}
	return b.String()
}
