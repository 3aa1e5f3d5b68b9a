// Package client is the application side of termbus.
//
// A Client owns one conductor goroutine. Application goroutines submit add and
// close requests without blocking; the conductor alone talks to the driver,
// resolves async handles, mutates the resource registry and runs every
// callback. Offer and Poll run on the caller's goroutine directly against the
// shared log buffers and counters.
package client
