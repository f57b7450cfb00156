// Package chat implements the real-time chat service.
//
// Live websocket connections are tracked per conversation and per user by the
// registry, which derives presence from them. Messages are persisted before
// they are fanned out, and read receipts are delivered to every connection of
// the original sender.
package chat
