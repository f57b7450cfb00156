package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/louisbranch/chatline/internal/platform/id"
	sqlitemigrate "github.com/louisbranch/chatline/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/chatline/internal/services/chat/storage"
	"github.com/louisbranch/chatline/internal/services/chat/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 200
)

// Store provides SQLite-backed persistence for chat state.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
	newID func() (string, error)
}

var _ storage.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func fromNullMillis(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := fromMillis(value.Int64)
	return &t
}

// Open opens a chat SQLite store at the provided path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := ensureForeignKeysEnabled(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	store := &Store{sqlDB: sqlDB, now: time.Now, newID: id.NewID}
	if err := store.runMigrations(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) runMigrations() error {
	applied, err := sqlitemigrate.ApplyMigrations(context.Background(), s.sqlDB, migrations.FS, "")
	if err != nil {
		return err
	}
	for _, name := range applied {
		log.Printf("chat storage: applied migration %s", name)
	}
	return nil
}

func ensureForeignKeysEnabled(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("sqlite db is required")
	}
	var enabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&enabled); err != nil {
		return fmt.Errorf("check sqlite foreign key pragma: %w", err)
	}
	if enabled != 1 {
		return fmt.Errorf("sqlite foreign keys are disabled")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// CreateUser persists one user identity.
func (s *Store) CreateUser(ctx context.Context, user storage.User) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	user.ID = strings.TrimSpace(user.ID)
	user.Username = strings.TrimSpace(user.Username)
	if user.ID == "" {
		return fmt.Errorf("user id is required")
	}
	if user.Username == "" {
		return fmt.Errorf("username is required")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO users (id, username, email, created_at)
VALUES (?, ?, ?, ?)
`, user.ID, user.Username, strings.TrimSpace(user.Email), toMillis(user.CreatedAt))
	if isUniqueViolation(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUser loads one user by id.
func (s *Store) GetUser(ctx context.Context, userID string) (storage.User, error) {
	if err := s.ready(ctx); err != nil {
		return storage.User{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return storage.User{}, storage.ErrNotFound
	}

	var (
		user      storage.User
		createdAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id, username, email, created_at FROM users WHERE id = ?
`, userID).Scan(&user.ID, &user.Username, &user.Email, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.User{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.User{}, fmt.Errorf("get user: %w", err)
	}
	user.CreatedAt = fromMillis(createdAt)
	return user, nil
}

// CreateConversation persists a conversation and its participants atomically.
// A conversation with more than two distinct participants is always a group.
func (s *Store) CreateConversation(ctx context.Context, conversation storage.Conversation, participantIDs []string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	conversation.ID = strings.TrimSpace(conversation.ID)
	if conversation.ID == "" {
		return fmt.Errorf("conversation id is required")
	}
	participants := lo.Uniq(lo.Compact(lo.Map(participantIDs, func(value string, _ int) string {
		return strings.TrimSpace(value)
	})))
	if len(participants) == 0 {
		return fmt.Errorf("at least one participant is required")
	}
	if conversation.CreatedAt.IsZero() {
		conversation.CreatedAt = s.now()
	}
	isGroup := conversation.IsGroup || len(participants) > 2

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin conversation write: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback conversation write: %v", cause, rollbackErr)
		}
		return cause
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO conversations (id, name, is_group, created_at)
VALUES (?, ?, ?, ?)
`, conversation.ID, strings.TrimSpace(conversation.Name), isGroup, toMillis(conversation.CreatedAt)); err != nil {
		if isUniqueViolation(err) {
			return rollbackWith(storage.ErrConflict)
		}
		return rollbackWith(fmt.Errorf("insert conversation: %w", err))
	}
	for _, userID := range participants {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO participants (conversation_id, user_id, joined_at)
VALUES (?, ?, ?)
`, conversation.ID, userID, toMillis(conversation.CreatedAt)); err != nil {
			return rollbackWith(fmt.Errorf("insert participant %s: %w", userID, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit conversation write: %w", err)
	}
	return nil
}

// GetConversation loads one conversation by id.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (storage.Conversation, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Conversation{}, err
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return storage.Conversation{}, storage.ErrNotFound
	}

	var (
		conversation  storage.Conversation
		createdAt     int64
		lastMessageAt sql.NullInt64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id, name, is_group, created_at, last_message_at FROM conversations WHERE id = ?
`, conversationID).Scan(&conversation.ID, &conversation.Name, &conversation.IsGroup, &createdAt, &lastMessageAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Conversation{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	conversation.CreatedAt = fromMillis(createdAt)
	conversation.LastMessageAt = fromNullMillis(lastMessageAt)
	return conversation, nil
}

// IsParticipant reports whether userID belongs to conversationID.
func (s *Store) IsParticipant(ctx context.Context, userID string, conversationID string) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	userID = strings.TrimSpace(userID)
	conversationID = strings.TrimSpace(conversationID)
	if userID == "" || conversationID == "" {
		return false, nil
	}

	var found int
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT 1 FROM participants WHERE conversation_id = ? AND user_id = ?
`, conversationID, userID).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return true, nil
}

// CreateMessage persists one message with status sent and bumps the
// conversation's last message time in the same transaction.
func (s *Store) CreateMessage(ctx context.Context, input storage.MessageInput) (storage.Message, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Message{}, err
	}
	input.ConversationID = strings.TrimSpace(input.ConversationID)
	input.SenderID = strings.TrimSpace(input.SenderID)
	if input.ConversationID == "" {
		return storage.Message{}, fmt.Errorf("conversation id is required")
	}
	if input.SenderID == "" {
		return storage.Message{}, fmt.Errorf("sender id is required")
	}
	if strings.TrimSpace(input.Content) == "" {
		return storage.Message{}, fmt.Errorf("content is required")
	}

	messageID, err := s.newID()
	if err != nil {
		return storage.Message{}, fmt.Errorf("new message id: %w", err)
	}
	createdAt := s.now().UTC()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.Message{}, fmt.Errorf("begin message write: %w", err)
	}
	rollbackWith := func(cause error) (storage.Message, error) {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return storage.Message{}, fmt.Errorf("%w: rollback message write: %v", cause, rollbackErr)
		}
		return storage.Message{}, cause
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages (id, conversation_id, sender_id, content, status, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`, messageID, input.ConversationID, input.SenderID, input.Content, storage.MessageStatusSent, toMillis(createdAt)); err != nil {
		return rollbackWith(fmt.Errorf("insert message: %w", err))
	}
	result, err := tx.ExecContext(ctx, `
UPDATE conversations SET last_message_at = ? WHERE id = ?
`, toMillis(createdAt), input.ConversationID)
	if err != nil {
		return rollbackWith(fmt.Errorf("touch conversation: %w", err))
	}
	if affected, err := result.RowsAffected(); err != nil {
		return rollbackWith(fmt.Errorf("touch conversation rows affected: %w", err))
	} else if affected == 0 {
		return rollbackWith(storage.ErrNotFound)
	}

	var sender storage.User
	var senderCreatedAt int64
	if err := tx.QueryRowContext(ctx, `
SELECT id, username, email, created_at FROM users WHERE id = ?
`, input.SenderID).Scan(&sender.ID, &sender.Username, &sender.Email, &senderCreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rollbackWith(storage.ErrNotFound)
		}
		return rollbackWith(fmt.Errorf("load sender: %w", err))
	}
	sender.CreatedAt = fromMillis(senderCreatedAt)

	if err := tx.Commit(); err != nil {
		return storage.Message{}, fmt.Errorf("commit message write: %w", err)
	}
	return storage.Message{
		ID:             messageID,
		ConversationID: input.ConversationID,
		Sender:         sender,
		Content:        input.Content,
		Status:         storage.MessageStatusSent,
		CreatedAt:      fromMillis(toMillis(createdAt)),
	}, nil
}

// ListMessages returns up to limit messages created strictly before before,
// oldest first. A zero before lists the most recent messages.
func (s *Store) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]storage.Message, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	beforeMillis := int64(math.MaxInt64)
	if !before.IsZero() {
		beforeMillis = toMillis(before)
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT m.id, m.conversation_id, m.content, m.status, m.created_at,
       u.id, u.username, u.email, u.created_at
FROM messages m
JOIN users u ON u.id = m.sender_id
WHERE m.conversation_id = ? AND m.created_at < ?
ORDER BY m.created_at DESC, m.rowid DESC
LIMIT ?
`, conversationID, beforeMillis, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []storage.Message
	for rows.Next() {
		var (
			message         storage.Message
			status          string
			createdAt       int64
			senderCreatedAt int64
		)
		if err := rows.Scan(
			&message.ID, &message.ConversationID, &message.Content, &status, &createdAt,
			&message.Sender.ID, &message.Sender.Username, &message.Sender.Email, &senderCreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		message.Status = storage.MessageStatus(status)
		message.CreatedAt = fromMillis(createdAt)
		message.Sender.CreatedAt = fromMillis(senderCreatedAt)
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	slices.Reverse(messages)
	return messages, nil
}

type readTransition struct {
	messageID string
	senderID  string
	createdAt int64
}

// MarkConversationRead records that readerID has read conversationID at the
// given time and flips every unread message from other senders to read. It
// returns the flipped message ids grouped by sender, oldest first. A reader
// who is not a participant gets storage.ErrNotFound.
func (s *Store) MarkConversationRead(ctx context.Context, readerID string, conversationID string, at time.Time) (storage.ReadReceipts, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	readerID = strings.TrimSpace(readerID)
	conversationID = strings.TrimSpace(conversationID)
	if readerID == "" || conversationID == "" {
		return nil, fmt.Errorf("reader id and conversation id are required")
	}
	if at.IsZero() {
		at = s.now()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin mark read: %w", err)
	}
	rollbackWith := func(cause error) (storage.ReadReceipts, error) {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return nil, fmt.Errorf("%w: rollback mark read: %v", cause, rollbackErr)
		}
		return nil, cause
	}

	result, err := tx.ExecContext(ctx, `
UPDATE participants SET last_read_at = ? WHERE conversation_id = ? AND user_id = ?
`, toMillis(at), conversationID, readerID)
	if err != nil {
		return rollbackWith(fmt.Errorf("update last read: %w", err))
	}
	if affected, err := result.RowsAffected(); err != nil {
		return rollbackWith(fmt.Errorf("update last read rows affected: %w", err))
	} else if affected == 0 {
		return rollbackWith(storage.ErrNotFound)
	}

	rows, err := tx.QueryContext(ctx, `
UPDATE messages
SET status = ?
WHERE conversation_id = ?
  AND sender_id != ?
  AND status != ?
RETURNING id, sender_id, created_at
`, storage.MessageStatusRead, conversationID, readerID, storage.MessageStatusRead)
	if err != nil {
		return rollbackWith(fmt.Errorf("mark messages read: %w", err))
	}
	var transitions []readTransition
	for rows.Next() {
		var transition readTransition
		if err := rows.Scan(&transition.messageID, &transition.senderID, &transition.createdAt); err != nil {
			_ = rows.Close()
			return rollbackWith(fmt.Errorf("scan read transition: %w", err))
		}
		transitions = append(transitions, transition)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return rollbackWith(fmt.Errorf("iterate read transitions: %w", err))
	}
	_ = rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit mark read: %w", err)
	}
	return groupReadTransitions(transitions), nil
}

func groupReadTransitions(transitions []readTransition) storage.ReadReceipts {
	slices.SortFunc(transitions, func(a, b readTransition) int {
		if a.createdAt != b.createdAt {
			if a.createdAt < b.createdAt {
				return -1
			}
			return 1
		}
		return strings.Compare(a.messageID, b.messageID)
	})
	bySender := lo.GroupBy(transitions, func(transition readTransition) string {
		return transition.senderID
	})
	return lo.MapValues(bySender, func(group []readTransition, _ string) []string {
		return lo.Map(group, func(transition readTransition, _ int) string {
			return transition.messageID
		})
	})
}
