package fanout

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/chatline/internal/platform/errors"
	platformotel "github.com/louisbranch/chatline/internal/platform/otel"
	"github.com/louisbranch/chatline/internal/platform/timeouts"
	"github.com/louisbranch/chatline/internal/services/chat/events"
	"github.com/louisbranch/chatline/internal/services/chat/storage"
)

// ReadStore records read state.
type ReadStore interface {
	MarkConversationRead(ctx context.Context, readerID string, conversationID string, at time.Time) (storage.ReadReceipts, error)
}

// Receipts turns a mark-as-read action into per-sender messages_read events.
type Receipts struct {
	store  ReadStore
	users  Broadcaster
	now    func() time.Time
	tracer trace.Tracer
}

// NewReceipts builds a read-receipt bridge.
func NewReceipts(store ReadStore, users Broadcaster) (*Receipts, error) {
	if store == nil {
		return nil, errors.New("read store is required")
	}
	if users == nil {
		return nil, errors.New("broadcaster is required")
	}
	return &Receipts{store: store, users: users, now: time.Now, tracer: platformotel.Tracer(tracerName)}, nil
}

// MarkRead marks the conversation read for readerID and notifies each sender
// whose messages changed, once per sender in sender id order.
func (r *Receipts) MarkRead(ctx context.Context, readerID string, conversationID string) (storage.ReadReceipts, error) {
	readerID = strings.TrimSpace(readerID)
	conversationID = strings.TrimSpace(conversationID)
	if readerID == "" || conversationID == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "reader id and conversation id are required")
	}

	ctx, span := r.tracer.Start(ctx, "chat.receipts.mark_read", trace.WithAttributes(
		attribute.String("chat.conversation_id", conversationID),
		attribute.String("chat.reader_id", readerID),
	))
	defer span.End()

	storeCtx, cancel := context.WithTimeout(ctx, timeouts.Store)
	receipts, err := r.store.MarkConversationRead(storeCtx, readerID, conversationID, r.now())
	cancel()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "mark read")
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.Wrap(apperrors.CodeNotParticipant, "conversation participant required", err)
		}
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "mark conversation read", err)
	}

	senders := lo.Keys(receipts)
	slices.Sort(senders)
	span.SetAttributes(attribute.Int("chat.receipt_senders", len(senders)))
	for _, senderID := range senders {
		payload, err := events.Encode(events.NewMessagesRead(conversationID, receipts[senderID]))
		if err != nil {
			return receipts, err
		}
		r.users.BroadcastToUser(ctx, senderID, payload)
	}
	return receipts, nil
}
