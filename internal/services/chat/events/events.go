// Package events defines the JSON frames the chat server pushes to clients.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/louisbranch/chatline/internal/services/chat/storage"
)

// Event type discriminators.
const (
	TypeOnlineUsersList = "online_users_list"
	TypeStatus          = "status"
	TypeMessagesRead    = "messages_read"
	TypeError           = "error"
)

// Presence values carried by status events.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// OnlineUsersList is the first frame a connection receives after admission.
type OnlineUsersList struct {
	Type    string   `json:"type"`
	UserIDs []string `json:"user_ids"`
}

// NewOnlineUsersList builds the presence snapshot frame. A nil snapshot is
// encoded as an empty array.
func NewOnlineUsersList(userIDs []string) OnlineUsersList {
	if userIDs == nil {
		userIDs = []string{}
	}
	return OnlineUsersList{Type: TypeOnlineUsersList, UserIDs: userIDs}
}

// Status announces a user's presence transition.
type Status struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// NewStatus builds a status frame.
func NewStatus(userID string, status string) Status {
	return Status{Type: TypeStatus, UserID: userID, Status: status}
}

// MessagesRead tells a sender which of their messages were read.
type MessagesRead struct {
	Type           string   `json:"type"`
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
}

// NewMessagesRead builds a read receipt frame.
func NewMessagesRead(conversationID string, messageIDs []string) MessagesRead {
	if messageIDs == nil {
		messageIDs = []string{}
	}
	return MessagesRead{Type: TypeMessagesRead, ConversationID: conversationID, MessageIDs: messageIDs}
}

// Error is sent to a single connection when its request failed.
type Error struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// NewError builds an error frame.
func NewError(content string) Error {
	return Error{Type: TypeError, Content: content}
}

// Sender is the identity projection embedded in chat messages.
type Sender struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Message is the untyped chat message frame. It carries everything a client
// needs to render the message without a follow-up read.
type Message struct {
	ID             string `json:"id"`
	Sender         Sender `json:"sender"`
	Content        string `json:"content"`
	CreatedAt      string `json:"created_at"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
}

// NewMessage projects a persisted message into its wire form.
func NewMessage(msg storage.Message) Message {
	return Message{
		ID: msg.ID,
		Sender: Sender{
			ID:       msg.Sender.ID,
			Username: msg.Sender.Username,
		},
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		ConversationID: msg.ConversationID,
		Status:         string(msg.Status),
	}
}

// Encode marshals one event into a text frame payload.
func Encode(event any) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return payload, nil
}
