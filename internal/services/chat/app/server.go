package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/netutil"

	"github.com/louisbranch/chatline/internal/platform/timeouts"
	"github.com/louisbranch/chatline/internal/services/chat/gate"
	"github.com/louisbranch/chatline/internal/services/chat/registry"
	"github.com/louisbranch/chatline/internal/services/chat/storage/sqlite"
)

// Config defines the inputs for the chat process.
//
// The store path, token settings and transport limits are all the chat
// service needs; identity issuance lives elsewhere.
type Config struct {
	HTTPAddr          string
	DBPath            string
	TokenSigningKey   []byte
	TokenIssuer       string
	SendTimeout       time.Duration
	MaxConnections    int
	AllowedOrigins    []string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the chat HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	maxConnections  int
	shutdownTimeout time.Duration
	httpServer      *http.Server
	store           *sqlite.Store
	registry        *registry.Registry
}

// NewServer opens the store and builds a configured chat server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if strings.TrimSpace(config.DBPath) == "" {
		return nil, errors.New("database path is required")
	}
	if config.MaxConnections < 0 {
		return nil, errors.New("max connections must not be negative")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = timeouts.Send
	}

	store, err := sqlite.Open(config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open chat store: %w", err)
	}
	chatGate, err := gate.New(gate.Config{SigningKey: config.TokenSigningKey, Issuer: config.TokenIssuer}, store)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init session gate: %w", err)
	}
	reg := registry.New(registry.WithSendTimeout(config.SendTimeout))
	handler, err := NewHandler(Dependencies{
		Store:          store,
		Gate:           chatGate,
		Registry:       reg,
		AllowedOrigins: config.AllowedOrigins,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init chat routes: %w", err)
	}

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	// Shutdown does not touch hijacked websocket connections.
	httpServer.RegisterOnShutdown(reg.CloseAll)

	return &Server{
		httpAddr:        httpAddr,
		maxConnections:  config.MaxConnections,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		store:           store,
		registry:        reg,
	}, nil
}

// Run creates and serves a chat server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init chat server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve chat: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("chat server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	listener, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpAddr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until the context ends. At most
// MaxConnections connections are held open at once when it is positive.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if s == nil {
		return errors.New("chat server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if listener == nil {
		return errors.New("listener is required")
	}
	if s.maxConnections > 0 {
		listener = netutil.LimitListener(listener, s.maxConnections)
	}

	serveErr := make(chan error, 1)
	log.Printf("chat server listening on %s", listener.Addr())
	go func() {
		serveErr <- s.httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	s.registry.CloseAll()
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close chat store: %v", err)
		}
	}
}
