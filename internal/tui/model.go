// Package tui is a terminal chat client for one prompt session.
package tui

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"ragprompt/internal/domain"
	"ragprompt/internal/service"
)

// ChatPort is the TUI-facing subset of a service session.
type ChatPort interface {
	Chat(ctx context.Context, userText string) (*service.Reply, error)
	Messages() []domain.Message
	Restart()
}

type pane int

const (
	conversationPane pane = iota
	fillsPane
)

// replyMsg carries the outcome of an asynchronous chat turn.
type replyMsg struct {
	reply *service.Reply
	err   error
}

// Model is the Bubble Tea model for the chat client.
type Model struct {
	ctx       context.Context
	session   ChatPort
	title     string
	input     textinput.Model
	viewport  viewport.Model
	fills     map[string]string
	pane      pane
	status    string
	waiting   bool
	ready     bool
	lastQuery string
}

// New creates a chat model over session. title names the prompt set.
func New(ctx context.Context, session ChatPort, title string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask a question and press Enter"
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	return Model{
		ctx:      ctx,
		session:  session,
		title:    title,
		input:    ti,
		viewport: vp,
		status:   "Tab: switch conversation/fills  Ctrl+R: restart  Ctrl+C: quit",
	}
}

func (m Model) Init() tea.Cmd { return textinput.Blink }

func (m Model) send(text string) tea.Cmd {
	return func() tea.Msg {
		r, err := m.session.Chat(m.ctx, text)
		return replyMsg{reply: r, err: err}
	}
}

// Update handles key, window and reply events.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, rh := contentBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		reserved := 2 + qh + 1 // header, status, spacer
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, msg.Height-reserved-rh)
		m.refresh()
		return m, nil
	case replyMsg:
		m.waiting = false
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
		} else {
			m.fills = msg.reply.Fills
			m.status = fmt.Sprintf("%d messages in conversation", len(m.session.Messages()))
		}
		m.refresh()
		m.viewport.GotoBottom()
		return m, nil
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyCtrlD:
			return m, tea.Quit
		case tea.KeyCtrlR:
			m.session.Restart()
			m.fills = nil
			m.status = "Conversation restarted."
			m.refresh()
			return m, nil
		case tea.KeyTab:
			if m.pane == conversationPane {
				m.pane = fillsPane
			} else {
				m.pane = conversationPane
			}
			m.refresh()
			return m, nil
		case tea.KeyUp, tea.KeyDown, tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		case tea.KeyEnter:
			q := strings.TrimSpace(m.input.Value())
			if q == "" || m.waiting {
				return m, nil
			}
			m.input.SetValue("")
			m.waiting = true
			m.lastQuery = q
			m.status = "Thinking..."
			return m, m.send(q)
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) refresh() {
	if m.pane == fillsPane {
		m.viewport.SetContent(m.renderFills())
		return
	}
	m.viewport.SetContent(m.renderConversation())
}

// View renders the layout.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	label := "conversation"
	if m.pane == fillsPane {
		label = "retrieved fills"
	}
	header := lipgloss.NewStyle().Bold(true).Render(m.title) +
		lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render("  ["+label+"]")
	content := contentBoxStyle.Render(m.viewport.View())
	input := queryBoxStyle.Render(m.input.View())
	status := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render(m.status)
	return header + "\n" + content + "\n" + input + "\n" + status
}

func (m Model) renderConversation() string {
	msgs := m.session.Messages()
	if len(msgs) == 0 {
		return "No messages yet."
	}
	var b strings.Builder
	for _, msg := range msgs {
		style, ok := roleStyles[msg.Role]
		if !ok {
			style = lipgloss.NewStyle()
		}
		b.WriteString(style.Render(strings.ToUpper(msg.Role.String()) + ":"))
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(msg.Content))
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderFills() string {
	if len(m.fills) == 0 {
		return "No fills yet."
	}
	slots := make([]string, 0, len(m.fills))
	for s := range m.fills {
		slots = append(slots, s)
	}
	slices.Sort(slots)
	var b strings.Builder
	for _, s := range slots {
		b.WriteString(slotStyle.Render("{" + s + "}"))
		b.WriteString("\n")
		b.WriteString(highlightBestSentence(m.fills[s], m.lastQuery))
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

var (
	contentBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	highlightStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	slotStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("13")).Bold(true)
	roleStyles      = map[domain.Role]lipgloss.Style{
		domain.RoleSystem:    lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Bold(true),
		domain.RoleUser:      lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true),
		domain.RoleAssistant: lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
	}
	unicodeWordRe = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*`)
	sentenceRe    = regexp.MustCompile(`(?m)(?U)([^.!?]+[.!?])`)
)

// highlightBestSentence emphasizes the sentence of text sharing the most
// words with query.
func highlightBestSentence(text, query string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	sentences := sentenceRe.FindAllString(text, -1)
	if len(sentences) == 0 {
		sentences = []string{strings.TrimSpace(text)}
	}
	qTokens := toTokenSet(query)
	if len(qTokens) == 0 {
		return strings.Join(sentences, " ")
	}
	bestIdx, bestScore := 0, -1
	for i, s := range sentences {
		if score := tokenOverlapScore(qTokens, s); score > bestScore {
			bestScore, bestIdx = score, i
		}
	}
	for i := range sentences {
		sent := strings.TrimSpace(sentences[i])
		if i == bestIdx {
			sent = highlightStyle.Render(sent)
		}
		sentences[i] = sent
	}
	return strings.Join(sentences, " ")
}

func toTokenSet(s string) map[string]struct{} {
	tokens := unicodeWordRe.FindAllString(strings.ToLower(s), -1)
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}

func tokenOverlapScore(queryTokens map[string]struct{}, sentence string) int {
	score := 0
	seen := map[string]struct{}{}
	for _, t := range unicodeWordRe.FindAllString(strings.ToLower(sentence), -1) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := queryTokens[t]; ok {
			score++
		}
	}
	return score
}
