package chat_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	chatmodel "github.com/linyuheng/chatbubble/backend/internal/model/chat"
	chatservice "github.com/linyuheng/chatbubble/backend/internal/service/chat"
	"github.com/linyuheng/chatbubble/backend/internal/storage"
)

// manualTimer never fires on its own; tests drive it through fire().
type manualTimer struct {
	fn     func()
	resets int
}

func (t *manualTimer) Reset(time.Duration) bool { t.resets++; return true }
func (t *manualTimer) Stop() bool               { return true }
func (t *manualTimer) fire()                    { t.fn() }

func newTestStore(t *testing.T) (*chatservice.Store, *storage.MemoryKV, *manualTimer) {
	t.Helper()
	kv := storage.NewMemoryKV()
	timer := &manualTimer{}
	store := chatservice.NewStoreWithTimer(kv, time.Second, func(d time.Duration, fn func()) storage.Timer {
		timer.fn = fn
		return timer
	})
	store.Load(context.Background())
	return store, kv, timer
}

func TestLoadStartsWithFreshSession(t *testing.T) {
	store, _, _ := newTestStore(t)

	sessions := store.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0].Title != chatmodel.DefaultTitle {
		t.Errorf("title: got %q, want %q", sessions[0].Title, chatmodel.DefaultTitle)
	}
	if len(sessions[0].Messages) != 1 || sessions[0].Messages[0].ID != chatmodel.GreetingID {
		t.Fatalf("expected a single greeting message, got %+v", sessions[0].Messages)
	}
	if store.ActiveChatID() != sessions[0].ID {
		t.Errorf("active id %q does not match the only session %q", store.ActiveChatID(), sessions[0].ID)
	}
}

func TestLoadRecoversFromCorruptHistory(t *testing.T) {
	kv := storage.NewMemoryKV()
	ctx := context.Background()
	if err := kv.Put(ctx, "chat-history", []byte("{not json")); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	store := chatservice.NewStore(kv, time.Second)
	defer store.Close()
	store.Load(ctx)

	sessions := store.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("expected fresh session after corrupt history, got %d sessions", len(sessions))
	}
	if store.ActiveChatID() == "" {
		t.Error("active id must never be empty")
	}
}

func TestPersistRoundTrip(t *testing.T) {
	kv := storage.NewMemoryKV()
	ctx := context.Background()

	first := chatservice.NewStore(kv, time.Second)
	first.Load(ctx)
	created := first.CreateNewChat()
	pending, err := first.AddUserMessage("remember me", "")
	if err != nil {
		t.Fatalf("AddUserMessage failed: %v", err)
	}
	first.UpdateMessage(pending.BotMessageID, "noted")
	first.CompleteReply(pending.BotMessageID)
	first.Close()

	second := chatservice.NewStore(kv, time.Second)
	defer second.Close()
	second.Load(ctx)

	sessions := second.Sessions()
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions after reload, got %d", len(sessions))
	}
	if second.ActiveChatID() != created.ID {
		t.Errorf("active id: got %q, want %q", second.ActiveChatID(), created.ID)
	}
	active, ok := second.ActiveChat()
	if !ok {
		t.Fatal("expected an active session")
	}
	last := active.Messages[len(active.Messages)-1]
	if last.Text != "noted" {
		t.Errorf("bot reply: got %q, want %q", last.Text, "noted")
	}
}

func TestLoadIgnoresUnknownActiveID(t *testing.T) {
	kv := storage.NewMemoryKV()
	ctx := context.Background()

	first := chatservice.NewStore(kv, time.Second)
	first.Load(ctx)
	first.CreateNewChat()
	first.Close()

	if err := kv.Put(ctx, "chat-history-active", []byte("no-such-session")); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	second := chatservice.NewStore(kv, time.Second)
	defer second.Close()
	second.Load(ctx)

	sessions := second.Sessions()
	if second.ActiveChatID() != sessions[0].ID {
		t.Errorf("unknown stored active id should fall back to the first session")
	}
}

func TestAddUserMessageDerivesTitleOnce(t *testing.T) {
	store, _, _ := newTestStore(t)

	long := strings.Repeat("a", 50)
	pending, err := store.AddUserMessage(long, "")
	if err != nil {
		t.Fatalf("AddUserMessage failed: %v", err)
	}

	active, _ := store.ActiveChat()
	want := strings.Repeat("a", 30) + "..."
	if active.Title != want {
		t.Errorf("derived title: got %q, want %q", active.Title, want)
	}

	store.CompleteReply(pending.BotMessageID)
	if _, err := store.AddUserMessage("second message", ""); err != nil {
		t.Fatalf("second AddUserMessage failed: %v", err)
	}
	active, _ = store.ActiveChat()
	if active.Title != want {
		t.Errorf("title must not change after the first user message, got %q", active.Title)
	}
}

func TestShortTitleIsNotTruncated(t *testing.T) {
	store, _, _ := newTestStore(t)

	if _, err := store.AddUserMessage("short", ""); err != nil {
		t.Fatalf("AddUserMessage failed: %v", err)
	}
	active, _ := store.ActiveChat()
	if active.Title != "short" {
		t.Errorf("title: got %q, want %q", active.Title, "short")
	}
}

func TestAddUserMessageAppendsPlaceholderPair(t *testing.T) {
	store, _, _ := newTestStore(t)

	pending, err := store.AddUserMessage("hello", "aW1hZ2U=")
	if err != nil {
		t.Fatalf("AddUserMessage failed: %v", err)
	}

	active, _ := store.ActiveChat()
	if len(active.Messages) != 3 {
		t.Fatalf("expected greeting + user + placeholder, got %d messages", len(active.Messages))
	}
	user := active.Messages[1]
	if user.ID != pending.UserMessageID || user.Sender != chatmodel.SenderUser || user.Image != "aW1hZ2U=" {
		t.Errorf("unexpected user message: %+v", user)
	}
	placeholder := active.Messages[2]
	if placeholder.ID != pending.BotMessageID || placeholder.Sender != chatmodel.SenderBot || placeholder.Text != "" {
		t.Errorf("unexpected placeholder: %+v", placeholder)
	}
}

func TestBeginReplySnapshotExcludesNewPair(t *testing.T) {
	store, _, _ := newTestStore(t)

	first, err := store.AddUserMessage("earlier turn", "")
	if err != nil {
		t.Fatalf("AddUserMessage failed: %v", err)
	}
	store.UpdateMessage(first.BotMessageID, "earlier reply")
	store.CompleteReply(first.BotMessageID)

	history, pending, err := store.BeginReply("new question", "")
	if err != nil {
		t.Fatalf("BeginReply failed: %v", err)
	}

	// Greeting + first turn only; never the pair just created.
	if len(history) != 3 {
		t.Fatalf("history length: got %d, want 3", len(history))
	}
	for _, msg := range history {
		if msg.ID == pending.UserMessageID || msg.ID == pending.BotMessageID {
			t.Fatalf("history contains the new pair: %+v", msg)
		}
	}
	if history[len(history)-1].Text != "earlier reply" {
		t.Errorf("history tail: got %q, want %q", history[len(history)-1].Text, "earlier reply")
	}
	if pending.SessionID != store.ActiveChatID() {
		t.Errorf("pending session %q does not match active %q", pending.SessionID, store.ActiveChatID())
	}
}

func TestBeginReplySnapshotIsIsolated(t *testing.T) {
	store, _, _ := newTestStore(t)

	history, pending, err := store.BeginReply("question", "")
	if err != nil {
		t.Fatalf("BeginReply failed: %v", err)
	}

	store.UpdateMessage(pending.BotMessageID, "streamed text")
	if history[0].Text != chatmodel.GreetingText {
		t.Errorf("snapshot mutated by later store writes: %q", history[0].Text)
	}

	history[0].Text = "scribbled on"
	active, _ := store.ActiveChat()
	if active.Messages[0].Text != chatmodel.GreetingText {
		t.Errorf("store mutated through the snapshot: %q", active.Messages[0].Text)
	}
}

func TestAddUserMessageRejectsWhileReplyStreams(t *testing.T) {
	store, _, _ := newTestStore(t)

	pending, err := store.AddUserMessage("first", "")
	if err != nil {
		t.Fatalf("AddUserMessage failed: %v", err)
	}

	if _, err := store.AddUserMessage("too eager", ""); !errors.Is(err, chatservice.ErrReplyInFlight) {
		t.Fatalf("expected ErrReplyInFlight, got %v", err)
	}

	// A different session is not blocked.
	store.CreateNewChat()
	if _, err := store.AddUserMessage("other session", ""); err != nil {
		t.Fatalf("send to a fresh session failed: %v", err)
	}

	store.CompleteReply(pending.BotMessageID)
	store.SetActiveChatID(pending.SessionID)
	if _, err := store.AddUserMessage("after completion", ""); err != nil {
		t.Fatalf("send after CompleteReply failed: %v", err)
	}
}

func TestUpdateMessageFollowsPlaceholderAcrossSessionSwitch(t *testing.T) {
	store, _, _ := newTestStore(t)

	pending, err := store.AddUserMessage("question", "")
	if err != nil {
		t.Fatalf("AddUserMessage failed: %v", err)
	}

	// Switching the visible session must not redirect streaming updates.
	store.CreateNewChat()
	store.UpdateMessage(pending.BotMessageID, "partial answer")

	store.SetActiveChatID(pending.SessionID)
	active, _ := store.ActiveChat()
	last := active.Messages[len(active.Messages)-1]
	if last.Text != "partial answer" {
		t.Errorf("placeholder text: got %q, want %q", last.Text, "partial answer")
	}
}

func TestUpdateMessageUnknownIDIsNoOp(t *testing.T) {
	store, _, _ := newTestStore(t)

	before := store.Sessions()
	store.UpdateMessage("no-such-message", "ignored")
	after := store.Sessions()

	if len(before) != len(after) || len(before[0].Messages) != len(after[0].Messages) {
		t.Fatal("unknown message id must leave sessions untouched")
	}
}

func TestUpdateMessageAfterSessionDeleted(t *testing.T) {
	store, _, _ := newTestStore(t)

	pending, err := store.AddUserMessage("doomed", "")
	if err != nil {
		t.Fatalf("AddUserMessage failed: %v", err)
	}
	store.CreateNewChat()
	store.DeleteChat(pending.SessionID)

	// The streaming goroutine keeps writing; nothing should blow up.
	store.UpdateMessage(pending.BotMessageID, "late chunk")
	store.CompleteReply(pending.BotMessageID)
}

func TestDeleteActiveChatPromotesLastRemaining(t *testing.T) {
	store, _, _ := newTestStore(t)

	second := store.CreateNewChat()
	third := store.CreateNewChat()

	store.SetActiveChatID(second.ID)
	store.DeleteChat(second.ID)

	if got := store.ActiveChatID(); got != third.ID {
		t.Errorf("active after delete: got %q, want most recent %q", got, third.ID)
	}
	if len(store.Sessions()) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(store.Sessions()))
	}
}

func TestDeleteLastChatSynthesizesFreshSession(t *testing.T) {
	store, _, _ := newTestStore(t)

	only := store.Sessions()[0]
	store.DeleteChat(only.ID)

	sessions := store.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("expected a fresh session, got %d", len(sessions))
	}
	if sessions[0].ID == only.ID {
		t.Error("fresh session must have a new id")
	}
	if store.ActiveChatID() != sessions[0].ID {
		t.Error("fresh session must be active")
	}
}

func TestDeleteInactiveChatKeepsActive(t *testing.T) {
	store, _, _ := newTestStore(t)

	first := store.Sessions()[0]
	second := store.CreateNewChat()

	store.DeleteChat(first.ID)
	if store.ActiveChatID() != second.ID {
		t.Errorf("deleting an inactive session must not move the active pointer")
	}
}

func TestSetActiveChatIDUnknownIsNoOp(t *testing.T) {
	store, _, _ := newTestStore(t)

	want := store.ActiveChatID()
	store.SetActiveChatID("no-such-session")
	if got := store.ActiveChatID(); got != want {
		t.Errorf("active id: got %q, want %q", got, want)
	}
}

func TestRenameChat(t *testing.T) {
	store, _, _ := newTestStore(t)
	session := store.Sessions()[0]

	store.RenameChat(session.ID, "Trip planning")
	if got := store.Sessions()[0].Title; got != "Trip planning" {
		t.Errorf("title: got %q, want %q", got, "Trip planning")
	}

	store.RenameChat(session.ID, "   ")
	if got := store.Sessions()[0].Title; got != "Trip planning" {
		t.Errorf("blank rename must be ignored, got %q", got)
	}

	store.RenameChat("no-such-session", "Ignored")
	if got := store.Sessions()[0].Title; got != "Trip planning" {
		t.Errorf("unknown id rename must be ignored, got %q", got)
	}
}

func TestMutationsAreDebouncedIntoOneWrite(t *testing.T) {
	store, kv, timer := newTestStore(t)
	ctx := context.Background()

	store.CreateNewChat()
	pending, err := store.AddUserMessage("hello", "")
	if err != nil {
		t.Fatalf("AddUserMessage failed: %v", err)
	}
	store.UpdateMessage(pending.BotMessageID, "h")
	store.UpdateMessage(pending.BotMessageID, "hi")

	if _, err := kv.Get(ctx, "chat-history"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("nothing should be written before the quiet window elapses")
	}
	if timer.resets == 0 {
		t.Error("repeated mutations should extend the pending window")
	}

	timer.fire()
	if _, err := kv.Get(ctx, "chat-history"); err != nil {
		t.Fatalf("expected one persisted snapshot after the window: %v", err)
	}
}

func TestSessionSnapshotsAreIsolated(t *testing.T) {
	store, _, _ := newTestStore(t)

	snapshot := store.Sessions()
	snapshot[0].Title = "mutated copy"
	snapshot[0].Messages[0].Text = "mutated copy"

	fresh := store.Sessions()
	if fresh[0].Title == "mutated copy" || fresh[0].Messages[0].Text == "mutated copy" {
		t.Fatal("snapshots must not share state with the store")
	}
}
