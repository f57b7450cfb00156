package gate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/chatline/internal/platform/errors"
	"github.com/louisbranch/chatline/internal/services/chat/storage"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type fakeStore struct {
	users        map[string]storage.User
	participants map[string]map[string]bool
	userErr      error
	memberErr    error
}

func (s *fakeStore) GetUser(_ context.Context, userID string) (storage.User, error) {
	if s.userErr != nil {
		return storage.User{}, s.userErr
	}
	user, ok := s.users[userID]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return user, nil
}

func (s *fakeStore) IsParticipant(_ context.Context, userID string, conversationID string) (bool, error) {
	if s.memberErr != nil {
		return false, s.memberErr
	}
	return s.participants[conversationID][userID], nil
}

func newTestGate(t *testing.T, store *fakeStore, now time.Time) (*Gate, Config) {
	t.Helper()
	cfg := Config{SigningKey: testKey, Issuer: "chatline", Now: func() time.Time { return now }}
	g, err := New(cfg, store)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	return g, cfg
}

func defaultStore() *fakeStore {
	return &fakeStore{
		users: map[string]storage.User{
			"user-a": {ID: "user-a", Username: "alice"},
			"user-b": {ID: "user-b", Username: "bob"},
		},
		participants: map[string]map[string]bool{
			"conv-1": {"user-a": true},
		},
	}
}

func TestNewRequiresConfig(t *testing.T) {
	if _, err := New(Config{Issuer: "chatline"}, defaultStore()); err == nil {
		t.Fatal("expected error for missing key")
	}
	if _, err := New(Config{SigningKey: testKey, Issuer: " "}, defaultStore()); err == nil {
		t.Fatal("expected error for missing issuer")
	}
	if _, err := New(Config{SigningKey: testKey, Issuer: "chatline"}, nil); err == nil {
		t.Fatal("expected error for missing store")
	}
}

func TestCheckAdmitsParticipant(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	g, cfg := newTestGate(t, defaultStore(), now)
	token, err := cfg.Issue(storage.User{ID: "user-a", Username: "alice"}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	user, err := g.Check(context.Background(), token, "conv-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if user.ID != "user-a" || user.Username != "alice" {
		t.Fatalf("user = %+v, want user-a/alice", user)
	}
}

func TestCheckClassifiesFailures(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	cfg := Config{SigningKey: testKey, Issuer: "chatline", Now: func() time.Time { return now }}
	valid := func(userID string) string {
		token, err := cfg.Issue(storage.User{ID: userID}, time.Hour)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		return token
	}
	expiredCfg := cfg
	expiredCfg.Now = func() time.Time { return now.Add(-2 * time.Hour) }
	expired, err := expiredCfg.Issue(storage.User{ID: "user-a"}, time.Hour)
	if err != nil {
		t.Fatalf("issue expired: %v", err)
	}
	foreignCfg := cfg
	foreignCfg.Issuer = "someone-else"
	foreign, err := foreignCfg.Issue(storage.User{ID: "user-a"}, time.Hour)
	if err != nil {
		t.Fatalf("issue foreign: %v", err)
	}
	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:  "chatline",
		Subject: "user-a",
	}).SignedString(testKey)
	if err != nil {
		t.Fatalf("sign no exp: %v", err)
	}
	wrongKey, err := Config{SigningKey: []byte("another-key"), Issuer: "chatline", Now: cfg.Now}.Issue(storage.User{ID: "user-a"}, time.Hour)
	if err != nil {
		t.Fatalf("issue wrong key: %v", err)
	}

	tests := []struct {
		name      string
		store     *fakeStore
		token     string
		wantCode  apperrors.Code
		wantClose int
	}{
		{name: "empty token", store: defaultStore(), token: "", wantCode: apperrors.CodeUnauthenticated, wantClose: 1008},
		{name: "garbage token", store: defaultStore(), token: "not-a-jwt", wantCode: apperrors.CodeUnauthenticated, wantClose: 1008},
		{name: "expired", store: defaultStore(), token: expired, wantCode: apperrors.CodeUnauthenticated, wantClose: 1008},
		{name: "wrong issuer", store: defaultStore(), token: foreign, wantCode: apperrors.CodeUnauthenticated, wantClose: 1008},
		{name: "missing exp", store: defaultStore(), token: noExp, wantCode: apperrors.CodeUnauthenticated, wantClose: 1008},
		{name: "wrong key", store: defaultStore(), token: wrongKey, wantCode: apperrors.CodeUnauthenticated, wantClose: 1008},
		{name: "unknown user", store: defaultStore(), token: valid("ghost"), wantCode: apperrors.CodeUnauthenticated, wantClose: 1008},
		{name: "not participant", store: defaultStore(), token: valid("user-b"), wantCode: apperrors.CodeNotParticipant, wantClose: 4403},
		{
			name:      "user lookup unavailable",
			store:     &fakeStore{userErr: errors.New("disk gone")},
			token:     valid("user-a"),
			wantCode:  apperrors.CodeUnavailable,
			wantClose: 1011,
		},
		{
			name: "participant lookup unavailable",
			store: &fakeStore{
				users:     defaultStore().users,
				memberErr: errors.New("disk gone"),
			},
			token:     valid("user-a"),
			wantCode:  apperrors.CodeUnavailable,
			wantClose: 1011,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := newTestGate(t, tt.store, now)
			_, err := g.Check(context.Background(), tt.token, "conv-1")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := apperrors.CodeOf(err); got != tt.wantCode {
				t.Fatalf("code = %v, want %v (err %v)", got, tt.wantCode, err)
			}
			if got := CloseCodeFor(err); got != tt.wantClose {
				t.Fatalf("close code = %d, want %d", got, tt.wantClose)
			}
		})
	}
}

func TestCloseCodeForNilIsNormal(t *testing.T) {
	if got := CloseCodeFor(nil); got != 1000 {
		t.Fatalf("close code = %d, want 1000", got)
	}
}

func TestIssueValidatesInput(t *testing.T) {
	cfg := Config{SigningKey: testKey, Issuer: "chatline"}
	if _, err := cfg.Issue(storage.User{}, time.Hour); err == nil {
		t.Fatal("expected error for blank user id")
	}
	if _, err := cfg.Issue(storage.User{ID: "user-a"}, 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
	if _, err := (Config{Issuer: "chatline"}).Issue(storage.User{ID: "user-a"}, time.Hour); err == nil {
		t.Fatal("expected error for missing key")
	}
}

func TestTokenFromRequestPriority(t *testing.T) {
	newRequest := func() *http.Request {
		return httptest.NewRequest(http.MethodGet, "/ws/conv-1?token=query-token", nil)
	}

	r := newRequest()
	r.SetPathValue("token", "path-token")
	r.Header.Set("Authorization", "Bearer header-token")
	r.AddCookie(&http.Cookie{Name: TokenCookieName, Value: "cookie-token"})
	if got := TokenFromRequest(r); got != "path-token" {
		t.Fatalf("token = %q, want path-token", got)
	}

	r = newRequest()
	r.Header.Set("Authorization", "Bearer header-token")
	if got := TokenFromRequest(r); got != "header-token" {
		t.Fatalf("token = %q, want header-token", got)
	}

	r = newRequest()
	r.Header.Set("Authorization", "Basic abc")
	if got := TokenFromRequest(r); got != "query-token" {
		t.Fatalf("token = %q, want query-token", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/ws/conv-1", nil)
	r.AddCookie(&http.Cookie{Name: TokenCookieName, Value: "cookie-token"})
	if got := TokenFromRequest(r); got != "cookie-token" {
		t.Fatalf("token = %q, want cookie-token", got)
	}

	if got := TokenFromRequest(httptest.NewRequest(http.MethodGet, "/ws/conv-1", nil)); got != "" {
		t.Fatalf("token = %q, want empty", got)
	}
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":  "abc",
		"bearer  abc": "abc",
		"Basic abc":   "",
		"Bearer":      "",
		"":            "",
	}
	for header, want := range tests {
		if got := BearerToken(header); got != want {
			t.Fatalf("BearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}

func TestDecodeSigningKey(t *testing.T) {
	key, err := DecodeSigningKey(" " + strings.Repeat("ab", MinSigningKeyBytes) + " ")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(key) != MinSigningKeyBytes {
		t.Fatalf("key length = %d, want %d", len(key), MinSigningKeyBytes)
	}
	for _, bad := range []string{"", "zz", strings.Repeat("ab", MinSigningKeyBytes-1)} {
		if _, err := DecodeSigningKey(bad); err == nil {
			t.Fatalf("DecodeSigningKey(%q) succeeded, want error", bad)
		}
	}
}
