// Package strategy resolves template slots into fill strings.
package strategy

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync/atomic"

	"go.uber.org/zap"

	"ragprompt/internal/domain"
	"ragprompt/internal/retrieval"
)

// Strategy fills the named slots of one template message. The returned map
// must hold exactly the requested slots. query is the retrieval context,
// usually the nearest user message, and history the messages being built.
type Strategy interface {
	Retrieve(ctx context.Context, slots []string, query string, history []domain.Message) (map[string]string, error)
}

// NoRetrieval fills every slot with the empty string.
type NoRetrieval struct{}

func (NoRetrieval) Retrieve(_ context.Context, slots []string, _ string, _ []domain.Message) (map[string]string, error) {
	return constant(slots, ""), nil
}

// Static fills every slot with the same fixed text.
type Static struct {
	Text string
}

func NewStatic(text string) Static { return Static{Text: text} }

func (s Static) Retrieve(_ context.Context, slots []string, _ string, _ []domain.Message) (map[string]string, error) {
	return constant(slots, s.Text), nil
}

// SingleIndex packs one fill for the query and uses it for every slot.
type SingleIndex struct {
	policy *retrieval.FillPolicy
}

func NewSingleIndex(p *retrieval.FillPolicy) (*SingleIndex, error) {
	if p == nil {
		return nil, &domain.ConfigurationError{Reason: "single index strategy needs a fill policy"}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &SingleIndex{policy: p}, nil
}

func (s *SingleIndex) Policy() *retrieval.FillPolicy { return s.policy }

func (s *SingleIndex) Retrieve(ctx context.Context, slots []string, query string, _ []domain.Message) (map[string]string, error) {
	if len(slots) == 0 {
		return map[string]string{}, nil
	}
	fill, err := s.policy.Fill(ctx, query)
	if err != nil {
		return nil, err
	}
	return constant(slots, fill), nil
}

// slotValue is a validated Mapped entry: a literal or a policy.
type slotValue struct {
	literal string
	policy  *retrieval.FillPolicy
}

// Mapped routes each slot to its own literal text or fill policy. Update
// swaps in a new table, so it may run concurrently with Retrieve.
type Mapped struct {
	table    atomic.Pointer[map[string]slotValue]
	fallback string
	log      *zap.Logger
}

type MappedOption func(*Mapped)

// WithFallback sets the fill of slots missing from the table.
func WithFallback(s string) MappedOption { return func(m *Mapped) { m.fallback = s } }

func WithLogger(l *zap.Logger) MappedOption {
	return func(m *Mapped) {
		if l != nil {
			m.log = l
		}
	}
}

// NewMapped validates entries; see Update for the accepted values.
func NewMapped(entries map[string]any, opts ...MappedOption) (*Mapped, error) {
	m := &Mapped{log: zap.NewNop()}
	for _, o := range opts {
		o(m)
	}
	empty := map[string]slotValue{}
	m.table.Store(&empty)
	if err := m.Update(entries); err != nil {
		return nil, err
	}
	return m, nil
}

// Update merges entries into the table. Values must be a string, a
// *retrieval.FillPolicy or a retrieval.FillPolicy with a retrieval source.
// Nothing changes when any entry is invalid.
func (m *Mapped) Update(entries map[string]any) error {
	parsed := make(map[string]slotValue, len(entries))
	for k, v := range entries {
		sv, err := parseValue(k, v)
		if err != nil {
			return err
		}
		parsed[k] = sv
	}
	for {
		old := m.table.Load()
		next := maps.Clone(*old)
		maps.Copy(next, parsed)
		if m.table.CompareAndSwap(old, &next) {
			m.log.Debug("slot map updated", zap.Int("updated", len(parsed)), zap.Int("slots", len(next)))
			return nil
		}
	}
}

func parseValue(slot string, v any) (slotValue, error) {
	if slot == "" {
		return slotValue{}, &domain.ConfigurationError{Reason: "empty slot name"}
	}
	switch x := v.(type) {
	case string:
		return slotValue{literal: x}, nil
	case *retrieval.FillPolicy:
		if x == nil {
			return slotValue{}, &domain.ConfigurationError{Key: slot, Reason: "nil fill policy"}
		}
		if err := x.Validate(); err != nil {
			return slotValue{}, &domain.ConfigurationError{Key: slot, Reason: err.Error()}
		}
		return slotValue{policy: x}, nil
	case retrieval.FillPolicy:
		return parseValue(slot, &x)
	}
	return slotValue{}, &domain.ConfigurationError{
		Key:    slot,
		Reason: fmt.Sprintf("value must be a string or a fill policy, got %T", v),
	}
}

// Slots returns the configured slot names, sorted.
func (m *Mapped) Slots() []string {
	return slices.Sorted(maps.Keys(*m.table.Load()))
}

func (m *Mapped) Retrieve(ctx context.Context, slots []string, query string, _ []domain.Message) (map[string]string, error) {
	t := *m.table.Load()
	out := make(map[string]string, len(slots))
	for _, slot := range slots {
		sv, ok := t[slot]
		switch {
		case !ok:
			out[slot] = m.fallback
		case sv.policy == nil:
			out[slot] = sv.literal
		default:
			fill, err := sv.policy.Fill(ctx, query)
			if err != nil {
				return nil, fmt.Errorf("strategy: fill slot %q: %w", slot, err)
			}
			m.log.Debug("slot filled", zap.String("slot", slot), zap.Int("length", len(fill)))
			out[slot] = fill
		}
	}
	return out, nil
}

func constant(slots []string, s string) map[string]string {
	out := make(map[string]string, len(slots))
	for _, slot := range slots {
		out[slot] = s
	}
	return out
}
