package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/louisbranch/chatline/internal/services/chat/storage"
)

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(""); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestOpenReappliesNothingOnReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "chat.db")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	if err := second.Close(); err != nil {
		t.Fatalf("close reopened store: %v", err)
	}
}

func TestCreateAndGetUser(t *testing.T) {
	t.Parallel()

	store, _ := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := store.CreateUser(ctx, storage.User{ID: "user-1", Username: "alice", Email: "alice@example.com", CreatedAt: now}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	got, err := store.GetUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.Username != "alice" || got.Email != "alice@example.com" || !got.CreatedAt.Equal(now) {
		t.Fatalf("user = %+v", got)
	}

	if err := store.CreateUser(ctx, storage.User{ID: "user-2", Username: "alice"}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("duplicate username err = %v, want %v", err, storage.ErrConflict)
	}
	if _, err := store.GetUser(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing user err = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestCreateConversationAndParticipants(t *testing.T) {
	t.Parallel()

	store, _ := openTempStore(t)
	ctx := context.Background()
	seedUsers(t, store, "user-1", "user-2", "user-3")

	if err := store.CreateConversation(ctx, storage.Conversation{ID: "conv-dm"}, []string{"user-1", "user-2", "user-1"}); err != nil {
		t.Fatalf("create dm: %v", err)
	}
	if err := store.CreateConversation(ctx, storage.Conversation{ID: "conv-group", Name: "general"}, []string{"user-1", "user-2", "user-3"}); err != nil {
		t.Fatalf("create group: %v", err)
	}

	dm, err := store.GetConversation(ctx, "conv-dm")
	if err != nil {
		t.Fatalf("get dm: %v", err)
	}
	if dm.IsGroup {
		t.Fatal("expected two-person conversation not to be a group")
	}
	if dm.LastMessageAt != nil {
		t.Fatalf("expected no last message time, got %v", dm.LastMessageAt)
	}
	group, err := store.GetConversation(ctx, "conv-group")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if !group.IsGroup || group.Name != "general" {
		t.Fatalf("group = %+v", group)
	}

	ok, err := store.IsParticipant(ctx, "user-3", "conv-dm")
	if err != nil {
		t.Fatalf("is participant: %v", err)
	}
	if ok {
		t.Fatal("expected user-3 not to be a dm participant")
	}
	ok, err = store.IsParticipant(ctx, "user-3", "conv-group")
	if err != nil {
		t.Fatalf("is participant: %v", err)
	}
	if !ok {
		t.Fatal("expected user-3 to be a group participant")
	}

	if err := store.CreateConversation(ctx, storage.Conversation{ID: "conv-dm"}, []string{"user-1"}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("duplicate conversation err = %v, want %v", err, storage.ErrConflict)
	}
	if err := store.CreateConversation(ctx, storage.Conversation{ID: "conv-bad"}, []string{"ghost"}); err == nil {
		t.Fatal("expected unknown participant to fail")
	}
	if _, err := store.GetConversation(ctx, "conv-bad"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("rolled back conversation err = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestCreateMessageTouchesConversation(t *testing.T) {
	t.Parallel()

	store, clock := openTempStore(t)
	ctx := context.Background()
	seedUsers(t, store, "user-1", "user-2")
	if err := store.CreateConversation(ctx, storage.Conversation{ID: "conv-1"}, []string{"user-1", "user-2"}); err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	msg, err := store.CreateMessage(ctx, storage.MessageInput{ConversationID: "conv-1", SenderID: "user-1", Content: "hi"})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	if msg.ID == "" {
		t.Fatal("expected assigned message id")
	}
	if msg.Status != storage.MessageStatusSent {
		t.Fatalf("status = %q, want %q", msg.Status, storage.MessageStatusSent)
	}
	if msg.Sender.ID != "user-1" || msg.Sender.Username != "name-user-1" {
		t.Fatalf("sender = %+v", msg.Sender)
	}
	if !msg.CreatedAt.Equal(clock.current) {
		t.Fatalf("created_at = %v, want %v", msg.CreatedAt, clock.current)
	}

	conversation, err := store.GetConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conversation.LastMessageAt == nil || !conversation.LastMessageAt.Equal(clock.current) {
		t.Fatalf("last_message_at = %v, want %v", conversation.LastMessageAt, clock.current)
	}

	if _, err := store.CreateMessage(ctx, storage.MessageInput{ConversationID: "conv-missing", SenderID: "user-1", Content: "hi"}); err == nil {
		t.Fatal("expected message to unknown conversation to fail")
	}
	if _, err := store.CreateMessage(ctx, storage.MessageInput{ConversationID: "conv-1", SenderID: "user-1", Content: "  "}); err == nil {
		t.Fatal("expected blank content to fail")
	}
}

func TestListMessagesPagesOldestFirst(t *testing.T) {
	t.Parallel()

	store, clock := openTempStore(t)
	ctx := context.Background()
	seedUsers(t, store, "user-1", "user-2")
	if err := store.CreateConversation(ctx, storage.Conversation{ID: "conv-1"}, []string{"user-1", "user-2"}); err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	var created []storage.Message
	for i := range 5 {
		clock.advance(time.Second)
		msg, err := store.CreateMessage(ctx, storage.MessageInput{ConversationID: "conv-1", SenderID: "user-1", Content: fmt.Sprintf("m%d", i)})
		if err != nil {
			t.Fatalf("create message %d: %v", i, err)
		}
		created = append(created, msg)
	}

	latest, err := store.ListMessages(ctx, "conv-1", time.Time{}, 2)
	if err != nil {
		t.Fatalf("list latest: %v", err)
	}
	if got := contents(latest); !slices.Equal(got, []string{"m3", "m4"}) {
		t.Fatalf("latest = %v, want [m3 m4]", got)
	}

	older, err := store.ListMessages(ctx, "conv-1", created[3].CreatedAt, 10)
	if err != nil {
		t.Fatalf("list older: %v", err)
	}
	if got := contents(older); !slices.Equal(got, []string{"m0", "m1", "m2"}) {
		t.Fatalf("older = %v, want [m0 m1 m2]", got)
	}
}

func TestMarkConversationReadGroupsBySender(t *testing.T) {
	t.Parallel()

	store, clock := openTempStore(t)
	ctx := context.Background()
	seedUsers(t, store, "reader", "x", "y")
	if err := store.CreateConversation(ctx, storage.Conversation{ID: "conv-1"}, []string{"reader", "x", "y"}); err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	send := func(sender string) string {
		t.Helper()
		clock.advance(time.Second)
		msg, err := store.CreateMessage(ctx, storage.MessageInput{ConversationID: "conv-1", SenderID: sender, Content: "hello from " + sender})
		if err != nil {
			t.Fatalf("create message: %v", err)
		}
		return msg.ID
	}
	x1 := send("x")
	y1 := send("y")
	x2 := send("x")
	own := send("reader")

	receipts, err := store.MarkConversationRead(ctx, "reader", "conv-1", clock.current)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if len(receipts) != 2 {
		t.Fatalf("receipts = %v, want two senders", receipts)
	}
	if !slices.Equal(receipts["x"], []string{x1, x2}) {
		t.Fatalf("x receipts = %v, want [%s %s]", receipts["x"], x1, x2)
	}
	if !slices.Equal(receipts["y"], []string{y1}) {
		t.Fatalf("y receipts = %v, want [%s]", receipts["y"], y1)
	}
	if _, ok := receipts["reader"]; ok {
		t.Fatal("reader's own messages must not be marked read")
	}

	again, err := store.MarkConversationRead(ctx, "reader", "conv-1", clock.current)
	if err != nil {
		t.Fatalf("mark read again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second mark read = %v, want no transitions", again)
	}

	history, err := store.ListMessages(ctx, "conv-1", time.Time{}, 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	for _, msg := range history {
		want := storage.MessageStatusRead
		if msg.ID == own {
			want = storage.MessageStatusSent
		}
		if msg.Status != want {
			t.Fatalf("message %s status = %q, want %q", msg.ID, msg.Status, want)
		}
	}
}

func TestMarkConversationReadRequiresParticipant(t *testing.T) {
	t.Parallel()

	store, _ := openTempStore(t)
	ctx := context.Background()
	seedUsers(t, store, "user-1", "user-2", "outsider")
	if err := store.CreateConversation(ctx, storage.Conversation{ID: "conv-1"}, []string{"user-1", "user-2"}); err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	if _, err := store.MarkConversationRead(ctx, "outsider", "conv-1", time.Time{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("outsider err = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestStoreRejectsCanceledContext(t *testing.T) {
	t.Parallel()

	store, _ := openTempStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.GetUser(ctx, "user-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want %v", err, context.Canceled)
	}
	var nilStore *Store
	if _, err := nilStore.GetUser(context.Background(), "user-1"); err == nil {
		t.Fatal("expected nil store error")
	}
}

type testClock struct {
	current time.Time
}

func (c *testClock) now() time.Time { return c.current }

func (c *testClock) advance(d time.Duration) { c.current = c.current.Add(d) }

func openTempStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	clock := &testClock{current: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store.now = clock.now
	return store, clock
}

func seedUsers(t *testing.T, store *Store, ids ...string) {
	t.Helper()
	for _, userID := range ids {
		if err := store.CreateUser(context.Background(), storage.User{ID: userID, Username: "name-" + userID}); err != nil {
			t.Fatalf("create user %s: %v", userID, err)
		}
	}
}

func contents(messages []storage.Message) []string {
	out := make([]string, 0, len(messages))
	for _, msg := range messages {
		out = append(out, msg.Content)
	}
	return out
}
