// Package session owns the client<->driver command channel.
//
// Ownership boundary:
// - command and response wire shapes (frame + tlv + schema)
// - the in-process transport pipe
// - pending command tracking, keepalive/liveness timing and idle backoff
package session
