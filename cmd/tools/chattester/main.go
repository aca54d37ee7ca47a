package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/handover-chat/backend/internal/handler/ws"
	"github.com/zhouzirui/handover-chat/backend/internal/model/chat"
	"github.com/zhouzirui/handover-chat/backend/internal/service/export"
	"github.com/zhouzirui/handover-chat/backend/internal/service/handover"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	server := flag.String("server", defaultServer(), "后端地址")
	profile := flag.String("profile", "", "访客 profileId，留空则使用匿名会话")
	name := flag.String("name", "", "访客显示名")
	timeout := flag.Duration("timeout", 15*time.Second, "建立会话的超时时间")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c := newClient(*server)
	opened, err := c.open(ctx, *profile, chat.UserProfile{Name: *name})
	if err != nil {
		log.Fatalf("打开会话失败: %v", err)
	}
	if err := c.follow(ctx, opened.SessionID); err != nil {
		log.Fatalf("连接会话失败: %v", err)
	}
	defer c.close()

	events := make(chan any, 64)
	go c.readLoop(events)

	p := tea.NewProgram(newModel(c, opened, events), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "chattester failed: %v\n", err)
		os.Exit(1)
	}
}

func defaultServer() string {
	if v := strings.TrimSpace(os.Getenv("CHATTESTER_SERVER")); v != "" {
		return v
	}
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}
	return "http://localhost:" + strings.TrimPrefix(port, ":")
}

type theme struct {
	header lipgloss.Style
	status lipgloss.Style
	user   lipgloss.Style
	bot    lipgloss.Style
	agent  lipgloss.Style
	system lipgloss.Style
	err    lipgloss.Style
}

func newTheme() theme {
	return theme{
		header: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7DD3FC")),
		status: lipgloss.NewStyle().Foreground(lipgloss.Color("#A3A3A3")),
		user:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#86EFAC")),
		bot:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#93C5FD")),
		agent:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FCD34D")),
		system: lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#A3A3A3")),
		err:    lipgloss.NewStyle().Foreground(lipgloss.Color("#F87171")),
	}
}

type exportDoneMsg struct {
	path string
	err  error
}

type model struct {
	client    *client
	sessionID string
	events    <-chan any

	input    textinput.Model
	viewport viewport.Model
	theme    theme

	entries []chat.Entry
	status  handover.Status
	notice  string
	failure string
	closed  bool
	width   int
	height  int
}

func newModel(c *client, opened openedSession, events <-chan any) model {
	in := textinput.New()
	in.Prompt = "> "
	in.Placeholder = "输入消息，或 /return /export <path> /reset /quit"
	in.CharLimit = 2000
	in.Focus()

	return model{
		client:    c,
		sessionID: opened.SessionID,
		events:    events,
		input:     in,
		viewport:  viewport.New(0, 0),
		theme:     newTheme(),
		status:    handover.Status{Mode: opened.Mode},
	}
}

func waitEvent(ch <-chan any) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return msg
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitEvent(m.events))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.input.Width = max(10, msg.Width-4)
		m.viewport.Width = msg.Width
		m.viewport.Height = max(3, msg.Height-4)
		m.refresh()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			line := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if line == "" {
				break
			}
			cmd, quit := m.submit(line)
			if quit {
				return m, tea.Quit
			}
			if cmd != nil {
				cmds = append(cmds, cmd)
			}
		}

	case snapshotMsg:
		m.entries = append([]chat.Entry(nil), msg.Entries...)
		m.status = handover.Status{
			Mode:           msg.Mode,
			BotConnected:   msg.BotConnected,
			AgentConnected: msg.AgentConnected,
			Queued:         msg.Queued,
			Typing:         msg.Typing,
			EmbedURL:       msg.EmbedURL,
		}
		m.refresh()
		cmds = append(cmds, waitEvent(m.events))

	case updateMsg:
		m.apply(handover.Update(msg))
		m.refresh()
		cmds = append(cmds, waitEvent(m.events))

	case serverErrMsg:
		m.failure = string(msg)
		cmds = append(cmds, waitEvent(m.events))

	case closedMsg:
		m.closed = true
		m.failure = "会话已关闭"
		if msg.err != nil {
			m.failure = "连接断开: " + msg.err.Error()
		}

	case exportDoneMsg:
		if msg.err != nil {
			m.failure = "导出失败: " + msg.err.Error()
		} else if msg.path == "" {
			m.notice = "记录为空，无需导出"
		} else {
			m.notice = "已导出到 " + msg.path
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// apply folds one pushed update into the local view.
func (m *model) apply(u handover.Update) {
	m.status = u.Status
	switch u.Kind {
	case handover.UpdateEntry:
		if u.Entry != nil {
			m.entries = append(m.entries, *u.Entry)
		}
	case handover.UpdateReset:
		m.entries = nil
	}
}

// submit handles one input line; the bool reports a quit request.
func (m *model) submit(line string) (tea.Cmd, bool) {
	m.failure, m.notice = "", ""
	if m.closed {
		m.failure = "会话已关闭，请使用 /quit 退出"
		return nil, line == "/quit"
	}

	name, arg := parseCommand(line)
	var err error
	switch name {
	case "":
		err = m.client.command(ws.TypeText, ws.TextMessage{Text: line})
	case "quit":
		return nil, true
	case "return":
		err = m.client.command(ws.TypeReturn, nil)
	case "reset":
		err = m.client.command(ws.TypeReset, nil)
	case "close-embed":
		err = m.client.command(ws.TypeCloseEmbed, nil)
	case "export":
		return m.exportCmd(arg), false
	default:
		m.failure = "未知命令: /" + name
	}
	if err != nil {
		m.failure = err.Error()
	}
	return nil, false
}

func (m *model) exportCmd(path string) tea.Cmd {
	c, sessionID := m.client, m.sessionID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		data, name, err := c.exportTranscript(ctx, sessionID)
		if err != nil || data == nil {
			return exportDoneMsg{err: err}
		}
		target := path
		if target == "" {
			target = name
		}
		if target == "" {
			target = export.FileName(time.Now())
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return exportDoneMsg{err: err}
		}
		return exportDoneMsg{path: target}
	}
}

// parseCommand splits "/name arg" input; plain text yields an empty name.
func parseCommand(line string) (string, string) {
	if !strings.HasPrefix(line, "/") {
		return "", ""
	}
	fields := strings.SplitN(strings.TrimPrefix(line, "/"), " ", 2)
	name := strings.ToLower(strings.TrimSpace(fields[0]))
	arg := ""
	if len(fields) == 2 {
		arg = strings.TrimSpace(fields[1])
	}
	return name, arg
}

func (m *model) refresh() {
	var b strings.Builder
	for i, e := range m.entries {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.renderEntry(e))
	}
	if m.status.Typing {
		b.WriteString("\n" + m.theme.system.Render("对方正在输入…"))
	}
	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func (m model) renderEntry(e chat.Entry) string {
	ts := e.CreatedAt.Local().Format("15:04:05")
	text := e.DisplayText()
	if text == "" && len(e.Payload) > 0 {
		text = "[rich message]"
	}
	switch e.From {
	case chat.RoleUser:
		return fmt.Sprintf("%s %s %s", ts, m.theme.user.Render("You:"), text)
	case chat.RoleBot:
		return fmt.Sprintf("%s %s %s", ts, m.theme.bot.Render("Bot:"), text)
	case chat.RoleAgent:
		return fmt.Sprintf("%s %s %s", ts, m.theme.agent.Render("Agent:"), text)
	default:
		return fmt.Sprintf("%s %s", ts, m.theme.system.Render(text))
	}
}

func statusLine(s handover.Status) string {
	parts := []string{"mode=" + string(s.Mode)}
	if s.BotConnected {
		parts = append(parts, "bot=up")
	} else {
		parts = append(parts, "bot=down")
	}
	if s.Mode == chat.ModeAgent {
		if s.AgentConnected {
			parts = append(parts, "agent=up")
		} else {
			parts = append(parts, "agent=down")
		}
	}
	if s.Queued > 0 {
		parts = append(parts, fmt.Sprintf("queued=%d", s.Queued))
	}
	if s.Typing {
		parts = append(parts, "typing")
	}
	if s.EmbedURL != "" {
		parts = append(parts, "embed="+s.EmbedURL)
	}
	return strings.Join(parts, "  ")
}

func (m model) View() string {
	header := m.theme.header.Render("handover chat · " + m.sessionID)
	status := m.theme.status.Render(statusLine(m.status))
	footer := ""
	switch {
	case m.failure != "":
		footer = m.theme.err.Render(m.failure)
	case m.notice != "":
		footer = m.theme.status.Render(m.notice)
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		header+"  "+status,
		m.viewport.View(),
		m.input.View(),
		footer,
	)
}
