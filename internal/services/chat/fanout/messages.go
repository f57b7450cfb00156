// Package fanout persists chat traffic and pushes the resulting events to
// live connections.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"

	apperrors "github.com/louisbranch/chatline/internal/platform/errors"
	platformotel "github.com/louisbranch/chatline/internal/platform/otel"
	"github.com/louisbranch/chatline/internal/platform/timeouts"
	"github.com/louisbranch/chatline/internal/services/chat/events"
	"github.com/louisbranch/chatline/internal/services/chat/storage"
)

// MaxContentRunes caps one message body.
const MaxContentRunes = 4000

// Client-facing error texts.
const (
	ErrTextSendFailed   = "Message failed to send"
	ErrTextEmptyMessage = "Message is empty"
	ErrTextTooLong      = "Message is too long"
)

const tracerName = "github.com/louisbranch/chatline/internal/services/chat/fanout"

// Broadcaster delivers payloads to live connections.
type Broadcaster interface {
	BroadcastToRoom(ctx context.Context, conversationID string, payload []byte)
	BroadcastToUser(ctx context.Context, userID string, payload []byte)
}

// Replier is the connection that issued a request.
type Replier interface {
	Send(ctx context.Context, payload []byte) error
}

// MessageStore persists messages.
type MessageStore interface {
	CreateMessage(ctx context.Context, input storage.MessageInput) (storage.Message, error)
}

// Messages persists inbound chat text and broadcasts it to the room.
type Messages struct {
	store  MessageStore
	rooms  Broadcaster
	tracer trace.Tracer
}

// NewMessages builds a message fanout.
func NewMessages(store MessageStore, rooms Broadcaster) (*Messages, error) {
	if store == nil {
		return nil, errors.New("message store is required")
	}
	if rooms == nil {
		return nil, errors.New("broadcaster is required")
	}
	return &Messages{store: store, rooms: rooms, tracer: platformotel.Tracer(tracerName)}, nil
}

// NormalizeContent trims content and converts it to NFC.
func NormalizeContent(content string) string {
	return norm.NFC.String(strings.TrimSpace(content))
}

// ValidateContent rejects empty or oversized message bodies.
func ValidateContent(content string) error {
	if content == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, ErrTextEmptyMessage)
	}
	if utf8.RuneCountInString(content) > MaxContentRunes {
		return apperrors.WithMetadata(
			apperrors.CodeInvalidArgument,
			ErrTextTooLong,
			map[string]string{"Limit": fmt.Sprint(MaxContentRunes)},
		)
	}
	return nil
}

// Handle stores content from sender and broadcasts the saved message to the
// conversation. Validation and persistence failures are reported to reply
// only; the returned error describes what went wrong for logging.
func (m *Messages) Handle(ctx context.Context, reply Replier, sender storage.User, conversationID string, content string) (storage.Message, error) {
	content = NormalizeContent(content)
	if err := ValidateContent(content); err != nil {
		text := ErrTextSendFailed
		var domainErr *apperrors.Error
		if errors.As(err, &domainErr) {
			text = domainErr.Message
		}
		m.replyError(ctx, reply, text)
		return storage.Message{}, err
	}

	ctx, span := m.tracer.Start(ctx, "chat.message.persist", trace.WithAttributes(
		attribute.String("chat.conversation_id", conversationID),
		attribute.String("chat.sender_id", sender.ID),
	))
	storeCtx, cancel := context.WithTimeout(ctx, timeouts.Store)
	msg, err := m.store.CreateMessage(storeCtx, storage.MessageInput{
		ConversationID: conversationID,
		SenderID:       sender.ID,
		Content:        content,
	})
	cancel()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist message")
		span.End()
		m.replyError(ctx, reply, ErrTextSendFailed)
		return storage.Message{}, apperrors.Wrap(apperrors.CodeUnavailable, "persist message", err)
	}
	span.SetAttributes(attribute.String("chat.message_id", msg.ID))
	span.End()

	payload, err := events.Encode(events.NewMessage(msg))
	if err != nil {
		m.replyError(ctx, reply, ErrTextSendFailed)
		return msg, err
	}

	ctx, span = m.tracer.Start(ctx, "chat.message.broadcast", trace.WithAttributes(
		attribute.String("chat.conversation_id", conversationID),
		attribute.String("chat.message_id", msg.ID),
	))
	m.rooms.BroadcastToRoom(ctx, conversationID, payload)
	span.End()
	return msg, nil
}

func (m *Messages) replyError(ctx context.Context, reply Replier, content string) {
	if reply == nil {
		return
	}
	payload, err := events.Encode(events.NewError(content))
	if err != nil {
		log.Printf("chat: encode error event: %v", err)
		return
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.Send)
	defer cancel()
	if err := reply.Send(sendCtx, payload); err != nil {
		log.Printf("chat: send error event: %v", err)
	}
}
