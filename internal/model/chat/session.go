package chat

import "github.com/google/uuid"

// DefaultTitle is the title of a session before the first user message
// (or a manual rename) replaces it.
const DefaultTitle = "New Chat"

// Session is one independent conversation thread. Messages are append-only
// and keep insertion order; only the text of a streaming bot placeholder is
// ever mutated in place.
type Session struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Messages []Message `json:"messages"`
}

// NewSession creates a fresh session containing the canonical greeting.
func NewSession() *Session {
	return &Session{
		ID:       uuid.NewString(),
		Title:    DefaultTitle,
		Messages: []Message{Greeting()},
	}
}

// HasUserMessage reports whether the user has sent anything in this session.
func (s *Session) HasUserMessage() bool {
	for _, m := range s.Messages {
		if m.Sender == SenderUser {
			return true
		}
	}
	return false
}

// DeriveTitle truncates the first user message into a session title:
// at most 30 runes, with an ellipsis marker when anything was cut.
func DeriveTitle(text string) string {
	runes := []rune(text)
	if len(runes) <= 30 {
		return text
	}
	return string(runes[:30]) + "..."
}
