// Package prompt assembles the message list sent to a chat model from intro
// templates, the stored conversation and slot fills.
package prompt

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"go.uber.org/zap"

	"ragprompt/internal/domain"
	"ragprompt/internal/strategy"
)

// Manager holds one conversation. It is not safe for concurrent use.
//
// Stored messages are always fully resolved between BuildQuery calls; the
// conversation starts over only through ClearStoredMessages.
type Manager struct {
	intro    []domain.Message
	strategy strategy.Strategy
	log      *zap.Logger

	stored         []domain.Message
	mostRecentFill map[string]string
	fillHistory    []map[string]string
}

type Option func(*Manager)

func WithIntroMessages(msgs []domain.Message) Option {
	return func(m *Manager) { m.intro = slices.Clone(msgs) }
}

func WithStrategy(s strategy.Strategy) Option {
	return func(m *Manager) { m.strategy = s }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// NewManager returns a manager that fills slots with NoRetrieval unless a
// strategy is given.
func NewManager(opts ...Option) *Manager {
	m := &Manager{strategy: strategy.NoRetrieval{}, log: zap.NewNop()}
	for _, o := range opts {
		o(m)
	}
	if m.strategy == nil {
		m.strategy = strategy.NoRetrieval{}
	}
	return m
}

func (m *Manager) SetIntroMessages(msgs []domain.Message) { m.intro = slices.Clone(msgs) }
func (m *Manager) IntroMessages() []domain.Message       { return slices.Clone(m.intro) }

func (m *Manager) SetStrategy(s strategy.Strategy) {
	if s == nil {
		s = strategy.NoRetrieval{}
	}
	m.strategy = s
}

func (m *Manager) Strategy() strategy.Strategy { return m.strategy }

// AddStoredMessage appends a resolved message, typically the model's reply.
func (m *Manager) AddStoredMessage(msg domain.Message) error {
	if !msg.Role.Valid() {
		return &domain.ConfigurationError{Key: "role", Reason: fmt.Sprintf("invalid message role %q", msg.Role)}
	}
	m.stored = append(m.stored, msg)
	return nil
}

// ClearStoredMessages restarts the conversation.
func (m *Manager) ClearStoredMessages() {
	m.stored = nil
	m.mostRecentFill = nil
	m.fillHistory = nil
}

func (m *Manager) StoredMessages() []domain.Message { return slices.Clone(m.stored) }

// MostRecentFill is the last fill map returned by the strategy.
func (m *Manager) MostRecentFill() map[string]string { return maps.Clone(m.mostRecentFill) }

// RecentFillHistory holds the fill maps of the last build in message order.
func (m *Manager) RecentFillHistory() []map[string]string {
	out := make([]map[string]string, len(m.fillHistory))
	for i, f := range m.fillHistory {
		out[i] = maps.Clone(f)
	}
	return out
}

type buildRequest struct {
	userText       *string
	previous       []domain.Message
	hasPrevious    bool
	retrievalQuery *string
}

type BuildOption func(*buildRequest)

// WithUserText appends a user message with text to the conversation.
func WithUserText(text string) BuildOption {
	return func(r *buildRequest) { r.userText = &text }
}

// WithPreviousMessages builds on msgs instead of the stored conversation.
func WithPreviousMessages(msgs []domain.Message) BuildOption {
	return func(r *buildRequest) {
		r.previous = msgs
		r.hasPrevious = true
	}
}

// WithRetrievalQuery overrides the retrieval context of every slot.
func WithRetrievalQuery(q string) BuildOption {
	return func(r *buildRequest) { r.retrievalQuery = &q }
}

// BuildQuery returns the messages to send to the model. A fresh
// conversation starts from the intro templates, which become stored
// history once filled. When a template uses the user_query slot, the user
// text is substituted there and not sent again as its own message. On error
// the stored conversation is left as it was.
func (m *Manager) BuildQuery(ctx context.Context, opts ...BuildOption) ([]domain.Message, error) {
	var req buildRequest
	for _, o := range opts {
		o(&req)
	}

	savedStored := slices.Clone(m.stored)
	storedBefore := len(m.stored)
	msgs, err := m.build(ctx, &req, storedBefore)
	if err != nil {
		m.stored = savedStored
		return nil, err
	}
	return msgs, nil
}

func (m *Manager) build(ctx context.Context, req *buildRequest, storedBefore int) ([]domain.Message, error) {
	m.mostRecentFill = nil
	m.fillHistory = nil

	// Base list. storedAt maps each working message to its stored copy, or -1.
	var (
		working  []domain.Message
		storedAt []int
	)
	if req.hasPrevious {
		working = slices.Clone(req.previous)
		storedAt = slices.Repeat([]int{-1}, len(working))
	} else {
		if len(m.stored) == 0 {
			m.stored = append(m.stored, m.intro...)
		}
		working = slices.Clone(m.stored)
		storedAt = make([]int, len(working))
		for i := range storedAt {
			storedAt[i] = i
		}
	}
	userAt := -1
	if req.userText != nil {
		msg := domain.Message{Role: domain.RoleUser, Content: *req.userText}
		working = append(working, msg)
		m.stored = append(m.stored, msg)
		userAt = len(working) - 1
		storedAt = append(storedAt, len(m.stored)-1)
	}

	contexts := retrievalContexts(working, req.retrievalQuery)

	removeUser := false
	var history []map[string]string
	for i := len(working) - 1; i >= 0; i-- {
		// Resolved history and the user's own text are never templates.
		if i == userAt || (storedAt[i] >= 0 && storedAt[i] < storedBefore) {
			continue
		}
		slots := IdentifySlots(working[i].Content)
		if len(slots) == 0 {
			continue
		}
		fills, err := m.strategy.Retrieve(ctx, slots, contexts[i], slices.Clone(working))
		if err != nil {
			return nil, fmt.Errorf("prompt: retrieve slots %v: %w", slots, err)
		}
		m.mostRecentFill = fills
		history = append(history, fills)
		if err := checkKeys(slots, fills); err != nil {
			return nil, err
		}
		if req.userText != nil && slices.Contains(slots, UserQuerySlot) {
			fills = maps.Clone(fills)
			fills[UserQuerySlot] = *req.userText
			removeUser = true
		}
		content, err := Fill(working[i].Content, fills)
		if err != nil {
			return nil, err
		}
		working[i].Content = content
		if storedAt[i] >= 0 {
			m.stored[storedAt[i]].Content = content
		}
		m.log.Debug("filled template",
			zap.Int("message", i),
			zap.String("role", working[i].Role.String()),
			zap.Strings("slots", slots))
	}
	slices.Reverse(history)
	m.fillHistory = history

	if removeUser {
		working = working[:len(working)-1]
		m.stored = m.stored[:len(m.stored)-1]
	}
	return working, nil
}

// retrievalContexts gives each message the content of the nearest user
// message after it, or the override for all of them. A user template is
// never its own context.
func retrievalContexts(msgs []domain.Message, override *string) []string {
	out := make([]string, len(msgs))
	if override != nil {
		for i := range out {
			out[i] = *override
		}
		return out
	}
	current := ""
	for i := len(msgs) - 1; i >= 0; i-- {
		out[i] = current
		if msgs[i].Role == domain.RoleUser {
			current = msgs[i].Content
		}
	}
	return out
}

func checkKeys(slots []string, fills map[string]string) error {
	ok := len(fills) == len(slots)
	for _, s := range slots {
		if _, found := fills[s]; !found {
			ok = false
		}
	}
	if ok {
		return nil
	}
	got := make([]string, 0, len(fills))
	for k := range fills {
		got = append(got, k)
	}
	slices.Sort(got)
	return &domain.SlotFillMismatchError{Expected: slices.Clone(slots), Got: got}
}
