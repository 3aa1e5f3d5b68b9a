package client

import (
	"fmt"
	"time"

	"github.com/danmuck/termbus/internal/logbuffer"
	"github.com/rs/zerolog/log"
)

// resource is anything the driver registered on behalf of this client.
type resource interface {
	RegistrationID() int64
	kind() string
	removeType() uint32
	IsClosed() bool
	// release marks the resource closed and reports whether this was the first release.
	release() bool
}

// ResourceInfo is a read-only view of one registered resource.
type ResourceInfo struct {
	Kind           string `json:"kind"`
	RegistrationID int64  `json:"registration_id"`
	Closing        bool   `json:"closing"`
}

func (c *Client) register(r resource) {
	c.regMu.Lock()
	c.resources[r.RegistrationID()] = r
	c.regMu.Unlock()
}

func (c *Client) unregister(registrationID int64) {
	c.regMu.Lock()
	delete(c.resources, registrationID)
	c.regMu.Unlock()
}

func (c *Client) lookup(registrationID int64) (resource, bool) {
	c.regMu.RLock()
	defer c.regMu.RUnlock()
	r, ok := c.resources[registrationID]
	return r, ok
}

func (c *Client) registered() []resource {
	c.regMu.RLock()
	defer c.regMu.RUnlock()
	out := make([]resource, 0, len(c.resources))
	for _, r := range c.resources {
		out = append(out, r)
	}
	return out
}

// Resources lists what this client currently holds.
func (c *Client) Resources() []ResourceInfo {
	c.regMu.RLock()
	defer c.regMu.RUnlock()
	out := make([]ResourceInfo, 0, len(c.resources))
	for id, r := range c.resources {
		out = append(out, ResourceInfo{Kind: r.kind(), RegistrationID: id, Closing: r.IsClosed()})
	}
	return out
}

// mappedLog is a log shared by the publications and images that reference it.
type mappedLog struct {
	log       *logbuffer.LogBuffers
	refs      int
	releaseAt time.Time
}

func (c *Client) acquireLog(name string) (*logbuffer.LogBuffers, error) {
	if m, ok := c.logs[name]; ok {
		m.refs++
		return m.log, nil
	}
	lb, err := c.driver.MapLog(name)
	if err != nil {
		return nil, fmt.Errorf("map log %q: %w", name, err)
	}
	if c.preTouch {
		lb.PreTouch()
	}
	c.logs[name] = &mappedLog{log: lb, refs: 1}
	return lb, nil
}

// releaseLog drops one reference; the mapping itself is kept for the resource linger.
func (c *Client) releaseLog(name string, now time.Time) {
	m, ok := c.logs[name]
	if !ok || m.refs == 0 {
		return
	}
	m.refs--
	if m.refs == 0 {
		m.releaseAt = now.Add(c.linger)
	}
}

func (c *Client) expireLogs(now time.Time) int {
	work := 0
	for name, m := range c.logs {
		if m.refs == 0 && !now.Before(m.releaseAt) {
			delete(c.logs, name)
			log.Debug().Str("log", name).Int64("client_id", c.id).Msg("client.Client.expireLogs")
			work++
		}
	}
	return work
}
