package domain

import "context"

// Role is the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the roles accepted by chat backends.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

func (r Role) String() string { return string(r) }

// Message is a single conversation turn. A template message is a Message
// whose Content may still hold {slot} placeholders.
type Message struct {
	Role    Role   `json:"role" yaml:"role" msgpack:"role"`
	Content string `json:"content" yaml:"content" msgpack:"content"`
}

// Row is one entry of a retrieval corpus. Rows are addressed by their
// position in the corpus; Metadata columns drive parent grouping and ordering.
type Row struct {
	Text     string         `json:"text" msgpack:"text"`
	Tokens   int            `json:"n_tokens" msgpack:"n_tokens"`
	Metadata map[string]any `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
}

// Embedder converts batches of text into fixed-dimension vectors.
// The returned slice has the same order and length as texts.
type Embedder interface {
	Name() string
	Dimension() int
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Preparer is implemented by embedders that need to see the corpus before
// they can embed (e.g. TF-IDF vocabularies).
type Preparer interface {
	Prepare(corpus []string) error
}

// TokenCounter returns a deterministic token count for a text. The model is
// bound when the counter is constructed.
type TokenCounter interface {
	Count(text string) (int, error)
}
