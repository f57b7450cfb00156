package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/louisbranch/chatline/internal/platform/errors"
	"github.com/louisbranch/chatline/internal/platform/requestctx"
	"github.com/louisbranch/chatline/internal/platform/timeouts"
	"github.com/louisbranch/chatline/internal/services/chat/events"
	"github.com/louisbranch/chatline/internal/services/chat/fanout"
	"github.com/louisbranch/chatline/internal/services/chat/gate"
	"github.com/louisbranch/chatline/internal/services/chat/registry"
	"github.com/louisbranch/chatline/internal/services/chat/storage"
)

const (
	maxFramePayloadBytes = 16 * 1024
	maxFramesPerSecond   = 40

	errTextBinaryFrame = "Binary frames are not supported"
)

// Dependencies are the collaborators behind the chat routes.
type Dependencies struct {
	Store          storage.Store
	Gate           *gate.Gate
	Registry       *registry.Registry
	AllowedOrigins []string
}

type handler struct {
	store    storage.Store
	gate     *gate.Gate
	registry *registry.Registry
	messages *fanout.Messages
	receipts *fanout.Receipts
	upgrader websocket.Upgrader
}

// NewHandler builds the chat HTTP and websocket routes.
func NewHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Gate == nil {
		return nil, errors.New("gate is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("registry is required")
	}
	messages, err := fanout.NewMessages(deps.Store, deps.Registry)
	if err != nil {
		return nil, fmt.Errorf("init message fanout: %w", err)
	}
	receipts, err := fanout.NewReceipts(deps.Store, deps.Registry)
	if err != nil {
		return nil, fmt.Errorf("init read receipts: %w", err)
	}

	origins := newOriginPolicy(deps.AllowedOrigins)
	h := &handler{
		store:    deps.Store,
		gate:     deps.Gate,
		registry: deps.Registry,
		messages: messages,
		receipts: receipts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.check,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("GET /up/stats", h.handleStats)
	mux.HandleFunc("GET /ws/{conversation_id}", h.handleWS)
	mux.HandleFunc("GET /ws/{conversation_id}/{token}", h.handleWS)
	mux.Handle("POST /conversations/{conversation_id}/read", h.authenticated(http.HandlerFunc(h.handleMarkRead)))
	mux.Handle("GET /conversations/{conversation_id}/messages", h.authenticated(http.HandlerFunc(h.handleHistory)))
	return mux, nil
}

func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.Stats())
}

// handleWS upgrades first so that refusals reach the client as close codes.
func (h *handler) handleWS(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimSpace(r.PathValue("conversation_id"))
	token := gate.TokenFromRequest(r)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("chat: websocket upgrade failed remote=%s path=%q: %v", r.RemoteAddr, r.URL.Path, err)
		return
	}
	conn := newWSConn(ws)
	ctx := r.Context()

	user, err := h.gate.Check(ctx, token, conversationID)
	if err != nil {
		code := gate.CloseCodeFor(err)
		log.Printf("chat: websocket refused conn=%s remote=%s conversation=%s close=%d: %v", conn.id, r.RemoteAddr, conversationID, code, err)
		_ = conn.closeWith(code, closeReason(err))
		return
	}

	defer func() {
		_ = conn.Close()
	}()
	defer h.registry.Remove(context.WithoutCancel(ctx), conn)

	if _, err := h.registry.Join(ctx, conn, user.ID, conversationID); err != nil {
		log.Printf("chat: join failed conn=%s user=%s conversation=%s: %v", conn.id, user.ID, conversationID, err)
		return
	}

	done := make(chan struct{})
	defer close(done)
	conn.keepAlive(done)

	h.readLoop(ctx, conn, user, conversationID)
}

func (h *handler) readLoop(ctx context.Context, conn *wsConn, user storage.User, conversationID string) {
	for {
		messageType, data, err := conn.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("chat: websocket read ended conn=%s user=%s conversation=%s: %v", conn.id, user.ID, conversationID, err)
			}
			return
		}

		if !conn.limiter.Allow() {
			log.Printf("chat: rate limit exceeded conn=%s user=%s conversation=%s", conn.id, user.ID, conversationID)
			_ = conn.closeWith(apperrors.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		if messageType != websocket.TextMessage {
			h.replyError(ctx, conn, errTextBinaryFrame)
			continue
		}
		if _, err := h.messages.Handle(ctx, conn, user, conversationID, string(data)); err != nil &&
			apperrors.CodeOf(err) != apperrors.CodeInvalidArgument {
			log.Printf("chat: message failed conn=%s user=%s conversation=%s: %v", conn.id, user.ID, conversationID, err)
		}
	}
}

func (h *handler) replyError(ctx context.Context, conn *wsConn, content string) {
	payload, err := events.Encode(events.NewError(content))
	if err != nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeouts.Send)
	defer cancel()
	_ = conn.Send(sendCtx, payload)
}

func closeReason(err error) string {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeUnauthenticated, apperrors.CodeInvalidArgument:
		return "authentication required"
	case apperrors.CodeNotParticipant, apperrors.CodeNotFound:
		return "not a conversation participant"
	default:
		return "service unavailable"
	}
}

// authenticated resolves the caller token and stores the identity in the
// request context.
func (h *handler) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := h.gate.Authenticate(r.Context(), gate.TokenFromRequest(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		ctx := requestctx.WithIdentity(r.Context(), requestctx.Identity{UserID: user.ID, Username: user.Username})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	userID := requestctx.UserIDFromContext(r.Context())
	conversationID := strings.TrimSpace(r.PathValue("conversation_id"))
	if _, err := h.receipts.MarkRead(r.Context(), userID, conversationID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := requestctx.UserIDFromContext(r.Context())
	conversationID := strings.TrimSpace(r.PathValue("conversation_id"))
	if err := h.gate.Authorize(r.Context(), userID, conversationID); err != nil {
		writeError(w, r, err)
		return
	}

	query := r.URL.Query()
	limit := 0
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, r, apperrors.New(apperrors.CodeInvalidArgument, "limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	var before time.Time
	if raw := strings.TrimSpace(query.Get("before")); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, r, apperrors.New(apperrors.CodeInvalidArgument, "before must be an RFC 3339 timestamp"))
			return
		}
		before = parsed
	}

	storeCtx, cancel := context.WithTimeout(r.Context(), timeouts.Store)
	defer cancel()
	messages, err := h.store.ListMessages(storeCtx, conversationID, before, limit)
	if err != nil {
		writeError(w, r, apperrors.Wrap(apperrors.CodeUnavailable, "list messages", err))
		return
	}
	out := make([]events.Message, 0, len(messages))
	for _, msg := range messages {
		out = append(out, events.NewMessage(msg))
	}
	writeJSON(w, http.StatusOK, out)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	status := code.HTTPStatus()
	message := http.StatusText(status)
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) && code == apperrors.CodeInvalidArgument {
		message = domainErr.Message
	}
	if status >= http.StatusInternalServerError {
		log.Printf("chat: %s %s failed: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("chat: encode response: %v", err)
	}
}
