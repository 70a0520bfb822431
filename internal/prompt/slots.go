package prompt

import (
	"regexp"
	"slices"
	"strings"

	"ragprompt/internal/domain"
)

// A slot is a brace-delimited name without braces or whitespace.
var slotPattern = regexp.MustCompile(`\{([^{}\s]+)\}`)

// UserQuerySlot is filled with the user's text verbatim.
const UserQuerySlot = "user_query"

// IdentifySlots returns the distinct slot names in content, sorted. Names
// are case-sensitive.
func IdentifySlots(content string) []string {
	var out []string
	for _, m := range slotPattern.FindAllStringSubmatch(content, -1) {
		out = append(out, m[1])
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Fill replaces every slot of content with its fill. Fill text is inserted
// as is and never rescanned for slots.
func Fill(content string, fills map[string]string) (string, error) {
	var missing string
	out := slotPattern.ReplaceAllStringFunc(content, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := fills[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return m
		}
		return v
	})
	if missing != "" {
		return "", &domain.TemplateFillError{Slot: missing}
	}
	return out, nil
}

// ConversationString renders messages as "ROLE:\ncontent\n" blocks.
func ConversationString(messages []domain.Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(strings.ToUpper(string(m.Role)))
		b.WriteString(":\n")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// ParseConversation is the inverse of ConversationString. A line holding
// only a role name and a colon starts a new message; contents are trimmed.
// Text before the first role line is dropped.
func ParseConversation(s string) []domain.Message {
	var (
		out     []domain.Message
		current *domain.Message
		content strings.Builder
	)
	flush := func() {
		if current != nil {
			current.Content = strings.TrimSpace(content.String())
			out = append(out, *current)
		}
		content.Reset()
	}
	for _, line := range strings.Split(s, "\n") {
		if name, ok := strings.CutSuffix(line, ":"); ok {
			if role := domain.Role(strings.ToLower(name)); role.Valid() {
				flush()
				current = &domain.Message{Role: role}
				continue
			}
		}
		content.WriteString(line)
		content.WriteString("\n")
	}
	flush()
	return out
}
