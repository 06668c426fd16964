// Package chat owns the widget's conversation state: every session, the
// active selection, and the in-flight streaming reply per session. All reads
// and writes go through the Store so handlers and the model gateway never
// touch persisted state directly.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linyuheng/chatbubble/backend/internal/model/chat"
	"github.com/linyuheng/chatbubble/backend/internal/storage"
)

// Persisted layout: a JSON array of sessions under historyKey plus the plain
// active session id under activeKey. Absence and corruption of either key are
// treated identically on load.
const (
	historyKey = "chat-history"
	activeKey  = "chat-history-active"
)

var (
	// ErrNoActiveSession is returned when a send arrives while the store has
	// no active session. The never-sessionless invariant makes this an
	// internal consistency failure rather than an expected condition.
	ErrNoActiveSession = errors.New("chat: no active session")

	// ErrReplyInFlight rejects a send against a session whose previous reply
	// is still streaming.
	ErrReplyInFlight = errors.New("chat: a reply is already streaming for this session")
)

// PendingReply identifies the message pair created by AddUserMessage so the
// caller can target the placeholder for streaming updates.
type PendingReply struct {
	SessionID     string
	UserMessageID string
	BotMessageID  string
}

// Store is the single source of truth for chat sessions. Mutations schedule
// a debounced snapshot to the key-value store; Load restores it at startup.
type Store struct {
	mu       sync.RWMutex
	kv       storage.KV
	debounce *storage.Debouncer
	sessions []*chat.Session
	activeID string
	inflight map[string]string // session id -> streaming placeholder id
}

// NewStore builds a store persisting through kv with the given debounce
// window (zero means the default).
func NewStore(kv storage.KV, window time.Duration) *Store {
	s := newStore(kv)
	s.debounce = storage.NewDebouncer(window, s.persist)
	return s
}

// NewStoreWithTimer is NewStore with an injectable debounce timer factory.
func NewStoreWithTimer(kv storage.KV, window time.Duration, newTimer storage.NewTimerFunc) *Store {
	s := newStore(kv)
	s.debounce = storage.NewDebouncerWithTimer(window, s.persist, newTimer)
	return s
}

func newStore(kv storage.KV) *Store {
	return &Store{
		kv:       kv,
		inflight: make(map[string]string),
	}
}

// Load restores persisted sessions. Missing or malformed data falls back to
// a single fresh session with the canonical greeting; callers always end up
// with a valid, non-empty store.
func (s *Store) Load(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.kv.Get(ctx, historyKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.resetLocked()
		return
	case err != nil:
		log.Printf("[store] failed to read chat history, starting fresh: %v", err)
		s.resetLocked()
		return
	}

	var sessions []*chat.Session
	if err := json.Unmarshal(raw, &sessions); err != nil {
		log.Printf("[store] corrupt chat history, starting fresh: %v", err)
		s.resetLocked()
		return
	}
	if len(sessions) == 0 {
		s.resetLocked()
		return
	}

	s.sessions = sessions
	s.activeID = sessions[0].ID

	active, err := s.kv.Get(ctx, activeKey)
	if err == nil {
		if id := string(active); s.findLocked(id) != nil {
			s.activeID = id
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		log.Printf("[store] failed to read active session id: %v", err)
	}
}

// resetLocked replaces all state with a single fresh session.
func (s *Store) resetLocked() {
	session := chat.NewSession()
	s.sessions = []*chat.Session{session}
	s.activeID = session.ID
}

// CreateNewChat appends a fresh session and makes it active.
func (s *Store) CreateNewChat() chat.Session {
	s.mu.Lock()
	session := chat.NewSession()
	s.sessions = append(s.sessions, session)
	s.activeID = session.ID
	snapshot := cloneSession(session)
	s.mu.Unlock()

	s.debounce.Trigger()
	return snapshot
}

// BeginReply snapshots the active session's history and appends a finalized
// user message plus an empty bot placeholder, all under one lock, so the
// snapshot can never pair with a placeholder from a different session. The
// snapshot excludes the new pair. The first user message of a session also
// derives its title. A session with an unfinished streaming reply rejects
// further sends.
func (s *Store) BeginReply(text, image string) ([]chat.Message, PendingReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := s.findLocked(s.activeID)
	if session == nil {
		return nil, PendingReply{}, ErrNoActiveSession
	}
	if _, busy := s.inflight[session.ID]; busy {
		return nil, PendingReply{}, ErrReplyInFlight
	}

	history := append([]chat.Message(nil), session.Messages...)

	if !session.HasUserMessage() {
		session.Title = chat.DeriveTitle(text)
	}

	userMsg := chat.Message{
		ID:     uuid.NewString(),
		Text:   text,
		Sender: chat.SenderUser,
		Image:  image,
	}
	placeholder := chat.Message{
		ID:     uuid.NewString(),
		Sender: chat.SenderBot,
	}
	session.Messages = append(session.Messages, userMsg, placeholder)
	s.inflight[session.ID] = placeholder.ID

	s.debounce.Trigger()
	return history, PendingReply{
		SessionID:     session.ID,
		UserMessageID: userMsg.ID,
		BotMessageID:  placeholder.ID,
	}, nil
}

// AddUserMessage is BeginReply without the history snapshot.
func (s *Store) AddUserMessage(text, image string) (PendingReply, error) {
	_, pending, err := s.BeginReply(text, image)
	return pending, err
}

// UpdateMessage replaces the text of the message matching id, leaving every
// other field and message untouched. Called once per streamed chunk, so it is
// a plain in-place write; persistence cost is absorbed by the debouncer. The
// search spans all sessions: switching the active session mid-stream keeps
// updates targeting the original placeholder, and deleting that session turns
// them into silent no-ops.
func (s *Store) UpdateMessage(messageID, newText string) {
	s.mu.Lock()
	updated := false
	for _, session := range s.sessions {
		for i := range session.Messages {
			if session.Messages[i].ID == messageID {
				session.Messages[i].Text = newText
				updated = true
				break
			}
		}
		if updated {
			break
		}
	}
	s.mu.Unlock()

	if updated {
		s.debounce.Trigger()
	}
}

// CompleteReply clears the in-flight marker for the session owning the
// placeholder, re-enabling sends. Safe to call after the session is gone.
func (s *Store) CompleteReply(botMessageID string) {
	s.mu.Lock()
	for sessionID, pending := range s.inflight {
		if pending == botMessageID {
			delete(s.inflight, sessionID)
			break
		}
	}
	s.mu.Unlock()
}

// RenameChat sets the title of the matching session. Unknown ids and titles
// that are empty after trimming are no-ops.
func (s *Store) RenameChat(sessionID, newTitle string) {
	if strings.TrimSpace(newTitle) == "" {
		return
	}

	s.mu.Lock()
	session := s.findLocked(sessionID)
	if session == nil {
		s.mu.Unlock()
		return
	}
	session.Title = newTitle
	s.mu.Unlock()

	s.debounce.Trigger()
}

// DeleteChat removes the session. When the active session is deleted the
// most recently created remaining session takes over; when nothing remains a
// fresh default session is synthesized, so the store is never sessionless.
func (s *Store) DeleteChat(sessionID string) {
	s.mu.Lock()
	idx := -1
	for i, session := range s.sessions {
		if session.ID == sessionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return
	}

	s.sessions = append(s.sessions[:idx], s.sessions[idx+1:]...)
	delete(s.inflight, sessionID)

	if s.activeID == sessionID {
		if len(s.sessions) > 0 {
			s.activeID = s.sessions[len(s.sessions)-1].ID
		} else {
			s.resetLocked()
		}
	}
	s.mu.Unlock()

	s.debounce.Trigger()
}

// SetActiveChatID switches the active pointer. An unknown id leaves the
// previous selection unchanged.
func (s *Store) SetActiveChatID(sessionID string) {
	s.mu.Lock()
	if s.findLocked(sessionID) == nil {
		s.mu.Unlock()
		return
	}
	s.activeID = sessionID
	s.mu.Unlock()

	s.debounce.Trigger()
}

// Sessions returns a snapshot of all sessions in creation order.
func (s *Store) Sessions() []chat.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]chat.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, cloneSession(session))
	}
	return out
}

// ActiveChat returns a snapshot of the active session.
func (s *Store) ActiveChat() (chat.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session := s.findLocked(s.activeID)
	if session == nil {
		return chat.Session{}, false
	}
	return cloneSession(session), true
}

// ActiveChatID returns the id of the active session.
func (s *Store) ActiveChatID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// Flush forces any pending persistence write.
func (s *Store) Flush() {
	s.debounce.Flush()
}

// Close flushes pending state and stops the debouncer.
func (s *Store) Close() {
	s.debounce.Flush()
	s.debounce.Stop()
}

func (s *Store) findLocked(id string) *chat.Session {
	for _, session := range s.sessions {
		if session.ID == id {
			return session
		}
	}
	return nil
}

// persist writes the current snapshot. An empty collection deletes the blob
// instead of storing an empty array so reload treats both identically.
func (s *Store) persist() {
	s.mu.RLock()
	var (
		raw      []byte
		err      error
		activeID = s.activeID
		empty    = len(s.sessions) == 0
	)
	if !empty {
		raw, err = json.Marshal(s.sessions)
	}
	s.mu.RUnlock()

	if err != nil {
		log.Printf("[store] failed to marshal chat history: %v", err)
		return
	}

	ctx := context.Background()
	if empty {
		if err := s.kv.Delete(ctx, historyKey); err != nil {
			log.Printf("[store] failed to clear chat history: %v", err)
		}
		if err := s.kv.Delete(ctx, activeKey); err != nil {
			log.Printf("[store] failed to clear active session id: %v", err)
		}
		return
	}

	if err := s.kv.Put(ctx, historyKey, raw); err != nil {
		log.Printf("[store] failed to persist chat history: %v", err)
	}
	if err := s.kv.Put(ctx, activeKey, []byte(activeID)); err != nil {
		log.Printf("[store] failed to persist active session id: %v", err)
	}
}

func cloneSession(s *chat.Session) chat.Session {
	out := *s
	out.Messages = append([]chat.Message(nil), s.Messages...)
	return out
}
