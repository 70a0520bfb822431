package tui

import (
	"context"
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragprompt/internal/domain"
	"ragprompt/internal/service"
)

type fakeSession struct {
	msgs     []domain.Message
	err      error
	restarts int
}

func (f *fakeSession) Chat(_ context.Context, text string) (*service.Reply, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs,
		domain.Message{Role: domain.RoleUser, Content: text},
		domain.Message{Role: domain.RoleAssistant, Content: "Multiply pi by r squared."})
	return &service.Reply{
		Message: f.msgs[len(f.msgs)-1],
		Fills:   map[string]string{"textbook_texts": "Circles are round. The area of a circle is pi r squared."},
	}, nil
}

func (f *fakeSession) Messages() []domain.Message { return f.msgs }
func (f *fakeSession) Restart()                   { f.msgs = nil; f.restarts++ }

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(Model)
	require.True(t, ok)
	return nm, cmd
}

func ready(t *testing.T, s ChatPort) Model {
	m := New(context.Background(), s, "Tutor")
	assert.Equal(t, "Loading...", m.View())
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 80, Height: 30})
	return m
}

func TestChatTurn(t *testing.T) {
	s := &fakeSession{}
	m := ready(t, s)
	assert.Contains(t, m.View(), "No messages yet.")

	m.input.SetValue("circle area")
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	assert.True(t, m.waiting)
	assert.Empty(t, m.input.Value())

	// A second Enter while waiting is ignored.
	m.input.SetValue("again")
	_, again := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, again)

	m, _ = update(t, m, cmd())
	assert.False(t, m.waiting)
	view := m.View()
	assert.Contains(t, view, "ASSISTANT:")
	assert.Contains(t, view, "Multiply pi by r squared.")
	assert.Contains(t, view, "2 messages in conversation")

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	assert.Contains(t, m.View(), "{textbook_texts}")
	assert.Contains(t, m.View(), "retrieved fills")
}

func TestChatError(t *testing.T) {
	m := ready(t, &fakeSession{err: errors.New("backend down")})
	m.input.SetValue("hello")
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	m, _ = update(t, m, cmd())
	assert.Contains(t, m.View(), "Error: backend down")
}

func TestRestart(t *testing.T) {
	s := &fakeSession{msgs: []domain.Message{{Role: domain.RoleUser, Content: "hi"}}}
	m := ready(t, s)
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyCtrlR})
	assert.Equal(t, 1, s.restarts)
	assert.Contains(t, m.View(), "Conversation restarted.")
	assert.Contains(t, m.View(), "No messages yet.")
}

func TestEmptyEnterDoesNothing(t *testing.T) {
	m := ready(t, &fakeSession{})
	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, cmd)
}

func TestHighlightBestSentence(t *testing.T) {
	out := highlightBestSentence("Squares have corners. Circles are round.", "round circles")
	assert.Contains(t, out, "Squares have corners.")
	assert.Contains(t, out, "Circles are round.")
	assert.Equal(t, 2, tokenOverlapScore(toTokenSet("round circles"), "Circles are round."))
}
