package chat

import (
	"strings"
	"testing"
)

func TestNewSession(t *testing.T) {
	s := NewSession()
	if s.ID == "" {
		t.Error("session id must be set")
	}
	if s.Title != DefaultTitle {
		t.Errorf("title: got %q, want %q", s.Title, DefaultTitle)
	}
	if len(s.Messages) != 1 || s.Messages[0].ID != GreetingID {
		t.Fatalf("expected a single greeting message, got %+v", s.Messages)
	}
	if s.Messages[0].Sender != SenderBot || s.Messages[0].Text != GreetingText {
		t.Errorf("unexpected greeting: %+v", s.Messages[0])
	}
}

func TestHasUserMessage(t *testing.T) {
	s := NewSession()
	if s.HasUserMessage() {
		t.Error("fresh session has no user message")
	}
	s.Messages = append(s.Messages, Message{ID: "u1", Text: "hi", Sender: SenderUser})
	if !s.HasUserMessage() {
		t.Error("expected HasUserMessage after appending one")
	}
}

func TestDeriveTitle(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"short text unchanged", "Plan my trip", "Plan my trip"},
		{"exactly thirty runes unchanged", strings.Repeat("x", 30), strings.Repeat("x", 30)},
		{"long text truncated", strings.Repeat("a", 50), strings.Repeat("a", 30) + "..."},
		{"multibyte counted in runes", strings.Repeat("日", 31), strings.Repeat("日", 30) + "..."},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveTitle(tc.in); got != tc.want {
				t.Errorf("DeriveTitle(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
