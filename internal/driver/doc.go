// Package driver is an in-process media driver that speaks the client command
// protocol. It allocates logs and counters, matches publications with
// subscriptions, maintains publisher limits and term cleaning, applies
// publication linger and expires clients that stop sending keepalives.
//
// Media transport is not modelled: udp channels are matched by endpoint and
// share the publisher's log directly.
package driver
