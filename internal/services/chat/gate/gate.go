// Package gate authenticates chat callers and checks conversation
// membership before a connection is admitted.
package gate

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/chatline/internal/platform/errors"
	"github.com/louisbranch/chatline/internal/platform/timeouts"
	"github.com/louisbranch/chatline/internal/services/chat/storage"
)

// TokenCookieName is the cookie consulted last when looking for a token.
const TokenCookieName = "chatline_token"

const signingMethod = "HS256"

// Store is the subset of persistence the gate depends on.
type Store interface {
	GetUser(ctx context.Context, userID string) (storage.User, error)
	IsParticipant(ctx context.Context, userID string, conversationID string) (bool, error)
}

// Config defines how access tokens are signed and verified.
type Config struct {
	SigningKey []byte
	Issuer     string
	Now        func() time.Time
}

// Claims are the access token claims. The subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username,omitempty"`
}

// Gate resolves tokens to users and checks participation.
type Gate struct {
	cfg   Config
	store Store
}

// New validates cfg and builds a Gate.
func New(cfg Config, store Store) (*Gate, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, errors.New("token signing key is required")
	}
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	if cfg.Issuer == "" {
		return nil, errors.New("token issuer is required")
	}
	if store == nil {
		return nil, errors.New("gate store is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Gate{cfg: cfg, store: store}, nil
}

// Issue signs an access token for user valid for ttl.
func (c Config) Issue(user storage.User, ttl time.Duration) (string, error) {
	if len(c.SigningKey) == 0 {
		return "", errors.New("token signing key is required")
	}
	userID := strings.TrimSpace(user.ID)
	if userID == "" {
		return "", errors.New("user id is required")
	}
	if ttl <= 0 {
		return "", errors.New("token ttl must be positive")
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	issuedAt := now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
		Username: user.Username,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.SigningKey)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// Authenticate verifies token and returns the user it was issued to.
func (g *Gate) Authenticate(ctx context.Context, token string) (storage.User, error) {
	if g == nil {
		return storage.User{}, errors.New("gate is not configured")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return storage.User{}, apperrors.New(apperrors.CodeUnauthenticated, "access token is required")
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return g.cfg.SigningKey, nil
	},
		jwt.WithValidMethods([]string{signingMethod}),
		jwt.WithIssuer(g.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.cfg.Now),
	)
	if err != nil {
		return storage.User{}, apperrors.Wrap(apperrors.CodeUnauthenticated, "invalid access token", err)
	}
	userID := strings.TrimSpace(claims.Subject)
	if userID == "" {
		return storage.User{}, apperrors.New(apperrors.CodeUnauthenticated, "access token subject is required")
	}

	callCtx, cancel := context.WithTimeout(ctx, timeouts.Store)
	defer cancel()
	user, err := g.store.GetUser(callCtx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.User{}, apperrors.WithMetadata(
			apperrors.CodeUnauthenticated,
			"access token user not found",
			map[string]string{"UserID": userID},
		)
	}
	if err != nil {
		return storage.User{}, apperrors.Wrap(apperrors.CodeUnavailable, "load user", err)
	}
	return user, nil
}

// Authorize checks that userID participates in conversationID.
func (g *Gate) Authorize(ctx context.Context, userID string, conversationID string) error {
	if g == nil {
		return errors.New("gate is not configured")
	}
	userID = strings.TrimSpace(userID)
	conversationID = strings.TrimSpace(conversationID)
	if userID == "" || conversationID == "" {
		return apperrors.New(apperrors.CodeNotParticipant, "conversation participant required")
	}

	callCtx, cancel := context.WithTimeout(ctx, timeouts.Store)
	defer cancel()
	ok, err := g.store.IsParticipant(callCtx, userID, conversationID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "check participant", err)
	}
	if !ok {
		return apperrors.WithMetadata(
			apperrors.CodeNotParticipant,
			"conversation participant required",
			map[string]string{"UserID": userID, "ConversationID": conversationID},
		)
	}
	return nil
}

// Check authenticates token and authorizes the resulting user for
// conversationID.
func (g *Gate) Check(ctx context.Context, token string, conversationID string) (storage.User, error) {
	user, err := g.Authenticate(ctx, token)
	if err != nil {
		return storage.User{}, err
	}
	if err := g.Authorize(ctx, user.ID, conversationID); err != nil {
		return storage.User{}, err
	}
	return user, nil
}

// CloseCodeFor maps a gate or handler error to a websocket close code.
func CloseCodeFor(err error) int {
	return apperrors.CloseCodeFor(err)
}

// TokenFromRequest returns the caller token from, in order, the {token} path
// segment, a bearer Authorization header, the token query parameter and the
// token cookie.
func TokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := strings.TrimSpace(r.PathValue("token")); token != "" {
		return token
	}
	if token := BearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	if cookie, err := r.Cookie(TokenCookieName); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// MinSigningKeyBytes is the shortest accepted HMAC signing key.
const MinSigningKeyBytes = 32

// DecodeSigningKey parses a hex encoded signing key.
func DecodeSigningKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, errors.New("token signing key is required")
	}
	key, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode token signing key: %w", err)
	}
	if len(key) < MinSigningKeyBytes {
		return nil, fmt.Errorf("token signing key must be at least %d bytes", MinSigningKeyBytes)
	}
	return key, nil
}
