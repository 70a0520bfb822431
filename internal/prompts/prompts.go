// Package prompts is the library of intro prompt sets a conversation can
// start from. A default library is embedded; users may add or override sets
// from their own YAML file.
package prompts

import (
	_ "embed"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"ragprompt/internal/domain"
)

//go:embed default.yaml
var defaultYAML []byte

// SlotOptions adjusts how retrieved text is framed in one slot.
type SlotOptions struct {
	Prefix string `yaml:"prefix"`
	Suffix string `yaml:"suffix"`
}

// Set is a named list of intro template messages.
type Set struct {
	Name       string                 `yaml:"name"`
	PrettyName string                 `yaml:"pretty_name"`
	Messages   []domain.Message       `yaml:"messages"`
	Slots      map[string]SlotOptions `yaml:"slots,omitempty"`
}

type file struct {
	Prompts []Set `yaml:"prompts"`
}

// Library keeps prompt sets in file order.
type Library struct {
	sets []Set
}

// Default returns the embedded library.
func Default() (*Library, error) {
	return Parse(defaultYAML)
}

// Load reads a library from a YAML file.
func Load(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("prompts: read %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Library, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("prompts: parse: %w", err)
	}
	l := &Library{}
	for _, s := range f.Prompts {
		if err := l.add(s); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *Library) add(s Set) error {
	if s.Name == "" {
		return &domain.ConfigurationError{Key: "prompts", Reason: "prompt set without a name"}
	}
	for i, m := range s.Messages {
		if !m.Role.Valid() {
			return &domain.ConfigurationError{
				Key:    s.Name,
				Reason: fmt.Sprintf("message %d has invalid role %q", i, m.Role),
			}
		}
	}
	if i := slices.IndexFunc(l.sets, func(o Set) bool { return o.Name == s.Name }); i >= 0 {
		l.sets[i] = s
		return nil
	}
	l.sets = append(l.sets, s)
	return nil
}

// Merge adds the sets of other, replacing sets with the same name.
func (l *Library) Merge(other *Library) {
	for _, s := range other.sets {
		_ = l.add(s)
	}
}

func (l *Library) Len() int { return len(l.sets) }

func (l *Library) Names() []string {
	out := make([]string, len(l.sets))
	for i, s := range l.sets {
		out[i] = s.Name
	}
	return out
}

// PrettyNames returns display names, "Prompt <i>" where none is set.
func (l *Library) PrettyNames() []string {
	out := make([]string, len(l.sets))
	for i, s := range l.sets {
		out[i] = s.PrettyName
		if out[i] == "" {
			out[i] = fmt.Sprintf("Prompt %d", i)
		}
	}
	return out
}

func (l *Library) MessageLists() [][]domain.Message {
	out := make([][]domain.Message, len(l.sets))
	for i, s := range l.sets {
		out[i] = slices.Clone(s.Messages)
	}
	return out
}

func (l *Library) Get(name string) (Set, bool) {
	for _, s := range l.sets {
		if s.Name == name {
			s.Messages = slices.Clone(s.Messages)
			return s, true
		}
	}
	return Set{}, false
}
