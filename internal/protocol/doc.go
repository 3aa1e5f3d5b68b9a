// Package protocol groups the client<->driver wire contract.
//
// Ownership boundary:
// - frame: fixed header framing
// - tlv: payload field primitives
// - schema: message type ids and required fields
// - session: command/response shapes, transport and pending command tracking
package protocol
