package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ragprompt/internal/chat"
	"ragprompt/internal/domain"
	"ragprompt/internal/logitbias"
	"ragprompt/internal/prompt"
	"ragprompt/internal/strategy"
)

// Session is one conversation. Its methods are safe for concurrent use,
// but calls are serialized.
type Session struct {
	ID           string
	Prompt       string
	StrategyName string

	svc      *Service
	log      *zap.Logger
	mu       sync.Mutex
	manager  *prompt.Manager
	strategy strategy.Strategy
}

// NewSession starts a conversation from the named prompt set and strategy.
// Empty names select the configured session defaults.
func (s *Service) NewSession(promptName, strategyName string) (*Session, error) {
	if promptName == "" {
		promptName = s.cfg.Session.Prompt
	}
	if strategyName == "" {
		strategyName = s.cfg.Session.Strategy
	}
	set, ok := s.library.Get(promptName)
	if !ok {
		return nil, &domain.ConfigurationError{Key: "prompt", Reason: fmt.Sprintf("unknown prompt set %q", promptName)}
	}
	st, err := s.Strategy(strategyName, set)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	log := s.log.With(zap.String("session", id))
	sess := &Session{
		ID:           id,
		Prompt:       promptName,
		StrategyName: strategyName,
		svc:          s,
		log:          log,
		strategy:     st,
		manager: prompt.NewManager(
			prompt.WithIntroMessages(set.Messages),
			prompt.WithStrategy(st),
			prompt.WithLogger(log),
		),
	}
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	log.Info("session started", zap.String("prompt", promptName), zap.String("strategy", strategyName))
	return sess, nil
}

// Session looks up a live session by id.
func (s *Service) Session(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// CloseSession forgets a session. Unknown ids are ignored.
func (s *Service) CloseSession(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if ok {
		sess.log.Info("session closed")
	}
}

// SessionCount returns the number of live sessions.
func (s *Service) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// BuildQuery assembles the prompt for userText. An empty userText rebuilds
// the conversation without a new user turn.
func (sess *Session) BuildQuery(ctx context.Context, userText string) ([]domain.Message, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.build(ctx, userText)
}

func (sess *Session) build(ctx context.Context, userText string) ([]domain.Message, error) {
	var opts []prompt.BuildOption
	if userText != "" {
		opts = append(opts, prompt.WithUserText(userText))
	}
	return sess.manager.BuildQuery(ctx, opts...)
}

// Reply is the outcome of one chat turn.
type Reply struct {
	Message domain.Message
	// Prompt is what was sent to the model.
	Prompt []domain.Message
	Fills  map[string]string
}

// Chat builds the prompt for userText, asks the chat backend and stores
// the reply in the conversation.
func (sess *Session) Chat(ctx context.Context, userText string) (*Reply, error) {
	completer, err := sess.svc.chatCompleter()
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	msgs, err := sess.build(ctx, userText)
	if err != nil {
		return nil, err
	}
	fills := sess.manager.MostRecentFill()

	var callOpts []chat.CallOption
	if sess.svc.cfg.Chat.LogitBias {
		if enc := sess.svc.encoder; enc != nil {
			if bias := logitbias.FromFills(enc, sess.manager.RecentFillHistory(), nil, nil, logitbias.Options{}); len(bias) > 0 {
				callOpts = append(callOpts, chat.WithLogitBias(bias))
			}
		} else {
			sess.log.Warn("logit bias needs a tiktoken tokenizer, skipping")
		}
	}

	answer, err := completer.Complete(ctx, msgs, callOpts...)
	if err != nil {
		return nil, fmt.Errorf("service: chat: %w", err)
	}
	if err := sess.manager.AddStoredMessage(answer); err != nil {
		return nil, err
	}
	sess.log.Debug("chat turn", zap.Int("prompt_messages", len(msgs)), zap.Int("reply_chars", len(answer.Content)))
	return &Reply{Message: answer, Prompt: msgs, Fills: fills}, nil
}

// Restart clears the conversation so the next build starts from the intro
// templates again.
func (sess *Session) Restart() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.manager.ClearStoredMessages()
}

// Messages returns the stored conversation.
func (sess *Session) Messages() []domain.Message {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.manager.StoredMessages()
}

// Fills returns the slot fills of the latest build.
func (sess *Session) Fills() map[string]string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.manager.MostRecentFill()
}

// UpdateSlots sets literal fills on a mapped strategy, as hint sequences do
// with the current question and answers.
func (sess *Session) UpdateSlots(values map[string]string) error {
	m, ok := sess.strategy.(*strategy.Mapped)
	if !ok {
		return &domain.ConfigurationError{Key: sess.StrategyName, Reason: "strategy does not accept slot updates"}
	}
	entries := make(map[string]any, len(values))
	for k, v := range values {
		entries[k] = v
	}
	return m.Update(entries)
}

// Slots lists the slots a mapped strategy can fill, or nil.
func (sess *Session) Slots() []string {
	if m, ok := sess.strategy.(*strategy.Mapped); ok {
		return m.Slots()
	}
	return nil
}

// AddMessages appends msgs to the stored conversation, as when resuming a
// saved transcript. A non-empty conversation is not prefixed with the
// intro templates.
func (sess *Session) AddMessages(msgs []domain.Message) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	for _, m := range msgs {
		if err := sess.manager.AddStoredMessage(m); err != nil {
			return err
		}
	}
	return nil
}
