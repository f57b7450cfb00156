// Package timeouts defines shared timeout constants used across the chat
// service. Centralizing these values keeps the transport, registry and HTTP
// server from drifting apart.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// Send caps a single delivery to one live connection. A send that does not
// finish in time evicts the connection.
const Send = 5 * time.Second

// Pong is how long a connection may stay silent before it is considered dead.
const Pong = 60 * time.Second

// Ping is the keepalive interval. It must be shorter than Pong.
const Ping = (Pong * 9) / 10

// Store caps one persistence or authorization call made from a socket handler.
const Store = 3 * time.Second
