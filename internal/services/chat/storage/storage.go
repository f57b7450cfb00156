// Package storage defines the persistence contract for chat users,
// conversations, participants and messages.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested user, conversation or message is missing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a requested write conflicts with uniqueness constraints.
	ErrConflict = errors.New("record conflict")
)

// MessageStatus identifies one message delivery state.
type MessageStatus string

const (
	// MessageStatusSent is the initial state assigned on persist.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered means a recipient connection received the message.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead means a participant other than the sender marked the
	// conversation as read after the message was created.
	MessageStatusRead MessageStatus = "read"
)

// User is the identity shown next to chat messages.
type User struct {
	ID        string
	Username  string
	Email     string
	CreatedAt time.Time
}

// Conversation is a 1:1 or group chat.
type Conversation struct {
	ID            string
	Name          string
	IsGroup       bool
	CreatedAt     time.Time
	LastMessageAt *time.Time
}

// MessageInput is an unsaved message. The store assigns id, timestamp and
// initial status.
type MessageInput struct {
	ConversationID string
	SenderID       string
	Content        string
}

// Message is one persisted chat message with its sender projection.
type Message struct {
	ID             string
	ConversationID string
	Sender         User
	Content        string
	Status         MessageStatus
	CreatedAt      time.Time
}

// ReadReceipts maps a sender id to the ids of that sender's messages that
// transitioned to read in one mark-as-read action.
type ReadReceipts map[string][]string

// UserStore persists user identities.
type UserStore interface {
	CreateUser(ctx context.Context, user User) error
	GetUser(ctx context.Context, userID string) (User, error)
}

// ConversationStore persists conversations and their participant lists.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conversation Conversation, participantIDs []string) error
	GetConversation(ctx context.Context, conversationID string) (Conversation, error)
	IsParticipant(ctx context.Context, userID string, conversationID string) (bool, error)
}

// MessageStore persists messages and read state.
type MessageStore interface {
	CreateMessage(ctx context.Context, input MessageInput) (Message, error)
	ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]Message, error)
	MarkConversationRead(ctx context.Context, readerID string, conversationID string, at time.Time) (ReadReceipts, error)
}

// Store is the full persistence surface used by the chat service.
type Store interface {
	UserStore
	ConversationStore
	MessageStore
}
