// Package registry tracks live chat connections per conversation and per user
// and derives presence from them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	apperrors "github.com/louisbranch/chatline/internal/platform/errors"
	"github.com/louisbranch/chatline/internal/platform/timeouts"
	"github.com/louisbranch/chatline/internal/services/chat/events"
	"github.com/samber/lo"
)

// ErrAlreadyAdmitted is returned when a live connection is admitted twice.
var ErrAlreadyAdmitted = errors.New("connection already admitted")

// Conn is one live client connection. Send must be safe for concurrent use
// and must respect the context deadline.
type Conn interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Stats is a point-in-time count of registry contents.
type Stats struct {
	Rooms       int `json:"rooms"`
	Users       int `json:"users"`
	Connections int `json:"connections"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithSendTimeout bounds each individual send. Non-positive values are ignored.
func WithSendTimeout(timeout time.Duration) Option {
	return func(r *Registry) {
		if timeout > 0 {
			r.sendTimeout = timeout
		}
	}
}

// WithLogger overrides the eviction logger.
func WithLogger(logf func(format string, args ...any)) Option {
	return func(r *Registry) {
		if logf != nil {
			r.logf = logf
		}
	}
}

type member struct {
	conn           Conn
	userID         string
	conversationID string
	// ready is closed once the presence snapshot reached the connection.
	ready chan struct{}
}

// Registry owns the room, session and presence maps behind one mutex.
type Registry struct {
	mu sync.Mutex
	// members indexes every live connection, which keeps each one in exactly
	// one room and one session set.
	members  map[Conn]*member
	rooms    map[string]map[*member]struct{}
	sessions map[string]map[*member]struct{}
	// presence holds, per online user, every conversation where online was
	// announced during the current online period.
	presence map[string]map[string]struct{}

	sendTimeout time.Duration
	logf        func(format string, args ...any)
}

// New builds an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		members:     make(map[Conn]*member),
		rooms:       make(map[string]map[*member]struct{}),
		sessions:    make(map[string]map[*member]struct{}),
		presence:    make(map[string]map[string]struct{}),
		sendTimeout: timeouts.Send,
		logf:        log.Printf,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Admit adds conn to the conversation room and the user's sessions and
// returns the sorted user ids that were present in the conversation before
// this admission, as Present reports them. It does not deliver or broadcast anything.
func (r *Registry) Admit(ctx context.Context, conn Conn, userID string, conversationID string) ([]string, error) {
	snapshot, _, err := r.admit(conn, userID, conversationID, false)
	return snapshot, err
}

// Join admits conn, delivers the presence snapshot to it, and then announces
// the user as online to the whole room, the joiner included. Other broadcasts
// reaching conn before the snapshot wait until it has been sent.
func (r *Registry) Join(ctx context.Context, conn Conn, userID string, conversationID string) ([]string, error) {
	snapshot, m, err := r.admit(conn, userID, conversationID, true)
	if err != nil {
		return nil, err
	}

	list, err := events.Encode(events.NewOnlineUsersList(snapshot))
	if err == nil {
		sendCtx, cancel := r.sendContext(ctx)
		err = conn.Send(sendCtx, list)
		cancel()
	}
	close(m.ready)
	if err != nil {
		r.evict(ctx, m, err)
		return nil, fmt.Errorf("deliver presence snapshot: %w", err)
	}
	// A broadcast may have evicted conn once its snapshot went out.
	if !r.isCurrent(conn, m) {
		return snapshot, nil
	}

	online, err := events.Encode(events.NewStatus(m.userID, events.StatusOnline))
	if err != nil {
		return snapshot, err
	}
	r.BroadcastToRoom(ctx, m.conversationID, online)
	return snapshot, nil
}

func (r *Registry) admit(conn Conn, userID string, conversationID string, hold bool) ([]string, *member, error) {
	if r == nil {
		return nil, nil, errors.New("registry is not configured")
	}
	if conn == nil {
		return nil, nil, apperrors.New(apperrors.CodeInvalidArgument, "connection is required")
	}
	userID = strings.TrimSpace(userID)
	conversationID = strings.TrimSpace(conversationID)
	if userID == "" || conversationID == "" {
		return nil, nil, apperrors.New(apperrors.CodeInvalidArgument, "user id and conversation id are required")
	}

	m := &member{
		conn:           conn,
		userID:         userID,
		conversationID: conversationID,
		ready:          make(chan struct{}),
	}
	if !hold {
		close(m.ready)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[conn]; ok {
		return nil, nil, ErrAlreadyAdmitted
	}
	snapshot := r.presentLocked(conversationID)

	r.members[conn] = m
	addMember(r.rooms, conversationID, m)
	addMember(r.sessions, userID, m)
	rooms, ok := r.presence[userID]
	if !ok {
		rooms = make(map[string]struct{})
		r.presence[userID] = rooms
	}
	rooms[conversationID] = struct{}{}
	return snapshot, m, nil
}

// Remove drops conn from the maps. When it was the user's last connection the
// user goes offline in every conversation of the current online period.
// Removing an unknown connection is a no-op.
func (r *Registry) Remove(ctx context.Context, conn Conn) {
	if r == nil || conn == nil {
		return
	}

	r.mu.Lock()
	m, ok := r.members[conn]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.members, conn)
	removeMember(r.rooms, m.conversationID, m)
	removeMember(r.sessions, m.userID, m)
	var offline []string
	if _, stillOnline := r.sessions[m.userID]; !stillOnline {
		offline = lo.Keys(r.presence[m.userID])
		delete(r.presence, m.userID)
	}
	r.mu.Unlock()

	if len(offline) == 0 {
		return
	}
	slices.Sort(offline)
	payload, err := events.Encode(events.NewStatus(m.userID, events.StatusOffline))
	if err != nil {
		r.logf("registry: encode offline user=%s: %v", m.userID, err)
		return
	}
	for _, conversationID := range offline {
		r.BroadcastToRoom(ctx, conversationID, payload)
	}
}

// BroadcastToRoom sends payload to every connection in the conversation.
func (r *Registry) BroadcastToRoom(ctx context.Context, conversationID string, payload []byte) {
	if r == nil {
		return
	}
	r.mu.Lock()
	recipients := lo.Keys(r.rooms[conversationID])
	r.mu.Unlock()
	r.fanout(ctx, recipients, payload)
}

// BroadcastToUser sends payload to every connection of the user, whatever
// conversation it is attached to.
func (r *Registry) BroadcastToUser(ctx context.Context, userID string, payload []byte) {
	if r == nil {
		return
	}
	r.mu.Lock()
	recipients := lo.Keys(r.sessions[userID])
	r.mu.Unlock()
	r.fanout(ctx, recipients, payload)
}

// Online reports whether the user has at least one live connection.
func (r *Registry) Online(userID string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[userID]
	return ok
}

// Present returns the sorted online user ids whose current online period
// announced them in the conversation. A user stays present after closing this
// conversation's tab while another of their connections is live elsewhere.
func (r *Registry) Present(conversationID string) []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presentLocked(conversationID)
}

// RoomSize returns the number of connections attached to the conversation.
func (r *Registry) RoomSize(conversationID string) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[conversationID])
}

// Stats returns current room, user and connection counts.
func (r *Registry) Stats() Stats {
	if r == nil {
		return Stats{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Rooms:       len(r.rooms),
		Users:       len(r.sessions),
		Connections: len(r.members),
	}
}

// CloseAll closes every live connection without touching the maps. Each
// connection's handler removes it once its read loop ends.
func (r *Registry) CloseAll() {
	if r == nil {
		return
	}
	r.mu.Lock()
	conns := lo.Keys(r.members)
	r.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (r *Registry) presentLocked(conversationID string) []string {
	present := lo.Filter(lo.Keys(r.presence), func(userID string, _ int) bool {
		_, ok := r.presence[userID][conversationID]
		return ok
	})
	slices.Sort(present)
	return present
}

func (r *Registry) isCurrent(conn Conn, m *member) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.members[conn] == m
}

func (r *Registry) fanout(ctx context.Context, recipients []*member, payload []byte) {
	if len(recipients) == 0 {
		return
	}

	failures := make([]error, len(recipients))
	var wg sync.WaitGroup
	for i, m := range recipients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			failures[i] = r.deliver(ctx, m, payload)
		}()
	}
	wg.Wait()

	for i, err := range failures {
		if err != nil {
			r.evict(ctx, recipients[i], err)
		}
	}
}

func (r *Registry) deliver(ctx context.Context, m *member, payload []byte) error {
	sendCtx, cancel := r.sendContext(ctx)
	defer cancel()

	select {
	case <-m.ready:
	case <-sendCtx.Done():
		return fmt.Errorf("wait for presence snapshot: %w", sendCtx.Err())
	}
	return m.conn.Send(sendCtx, payload)
}

// sendContext keeps caller values but not its cancellation, so a finished
// request cannot abort fanout to other connections.
func (r *Registry) sendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), r.sendTimeout)
}

func (r *Registry) evict(ctx context.Context, m *member, cause error) {
	r.logf("registry: evict user=%s conversation=%s: %v", m.userID, m.conversationID, cause)
	r.Remove(ctx, m.conn)
	_ = m.conn.Close()
}

func addMember(index map[string]map[*member]struct{}, key string, m *member) {
	set, ok := index[key]
	if !ok {
		set = make(map[*member]struct{})
		index[key] = set
	}
	set[m] = struct{}{}
}

func removeMember(index map[string]map[*member]struct{}, key string, m *member) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, m)
	if len(set) == 0 {
		delete(index, key)
	}
}
