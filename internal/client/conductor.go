package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/termbus/internal/observability"
	"github.com/danmuck/termbus/internal/protocol/schema"
	"github.com/danmuck/termbus/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

const (
	responsesPerCycle = 64
	timerInterval     = time.Millisecond
)

func (c *Client) run() {
	defer close(c.done)
	idler := session.NewIdler(c.idle)
	for {
		select {
		case <-c.stop:
			c.shutdown(time.Now())
			return
		default:
		}
		idler.Idle(c.doWork(time.Now()))
	}
}

// doWork is one conductor duty cycle.
func (c *Client) doWork(now time.Time) int {
	if c.terminated {
		return 0
	}
	start := time.Now()
	work := c.sendQueued(now)
	work += c.receive(now)
	if now.Sub(c.lastTimer) >= timerInterval {
		c.lastTimer = now
		work += c.onTimer(now)
	}
	if work > 0 {
		observability.ObserveDutyCycle("client", time.Since(start))
	}
	return work
}

func (c *Client) takeInbox() []outbound {
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()
	items := c.inbox
	c.inbox = nil
	return items
}

// requeue puts unsent commands back in front of anything queued since.
func (c *Client) requeue(items []outbound) {
	if len(items) == 0 {
		return
	}
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()
	c.inbox = append(items, c.inbox...)
}

func (c *Client) sendQueued(now time.Time) int {
	items := c.takeInbox()
	for i, o := range items {
		err := c.sendCommand(o.cmd)
		if errors.Is(err, session.ErrTransportFull) {
			c.requeue(items[i:])
			return i
		}
		c.ops[o.cmd.CorrelationID] = o.op
		c.pending.Upsert(session.PendingCommand{
			CorrelationID: o.cmd.CorrelationID,
			MessageType:   o.cmd.Type,
			Channel:       o.cmd.Channel,
			StreamID:      o.cmd.StreamID,
			QueuedAt:      now,
			DeadlineAt:    now.Add(c.driverTimeout),
		})
		o.op.begin(c, now)
		if err != nil {
			c.failOp(o.cmd.CorrelationID, err, now)
			continue
		}
		log.Debug().
			Str("component", "client").
			Str("command", schema.Name(o.cmd.Type)).
			Int64("correlation_id", o.cmd.CorrelationID).
			Int32("stream_id", o.cmd.StreamID).
			Str("channel", o.cmd.Channel).
			Msg("client.Client.sendQueued")
	}
	return len(items)
}

func (c *Client) sendCommand(cmd session.Command) error {
	cmd.ClientID = c.id
	b, err := session.EncodeCommandFrame(cmd)
	if err != nil {
		return err
	}
	if err := c.transport.Send(b); err != nil {
		return err
	}
	return nil
}

func (c *Client) receive(now time.Time) int {
	work := 0
	for i := 0; i < responsesPerCycle; i++ {
		b, ok := c.transport.Recv()
		if !ok {
			if session.IsClosed(c.transport) {
				c.terminate(fmt.Errorf("%w: driver connection closed", ErrDriverTimeout), now)
			}
			break
		}
		work++
		r, err := session.DecodeResponse(b)
		if err != nil {
			log.Warn().Err(err).Int64("client_id", c.id).Msg("client.Client.receive decode failed")
			continue
		}
		c.onResponse(r, now)
		if c.terminated {
			break
		}
	}
	return work
}

func (c *Client) onResponse(r session.Response, now time.Time) {
	switch r.Type {
	case schema.MsgOnPublicationReady,
		schema.MsgOnExclusivePublicationReady,
		schema.MsgOnSubscriptionReady,
		schema.MsgOnOperationSuccess:
		c.completeOp(r, now)
	case schema.MsgOnCounterReady:
		c.completeOp(r, now)
		c.publish(topicAvailableCounter, CounterEvent{RegistrationID: r.CorrelationID, CounterID: r.CounterID})
	case schema.MsgOnUnavailableCounter:
		if res, ok := c.lookup(r.CorrelationID); ok {
			if counter, ok := res.(*Counter); ok {
				c.releaseResource(counter, now)
			}
		}
		c.publish(topicUnavailableCounter, CounterEvent{RegistrationID: r.CorrelationID, CounterID: r.CounterID})
	case schema.MsgOnError:
		derr := &DriverError{CorrelationID: r.OffendingCorrelationID, Code: r.ErrorCode, Message: r.ErrorMessage}
		if !c.failOp(r.OffendingCorrelationID, derr, now) {
			c.reportError(derr)
		} else {
			c.recordError(derr)
		}
	case schema.MsgOnAvailableImage:
		c.onAvailableImage(r, now)
	case schema.MsgOnUnavailableImage:
		c.onUnavailableImage(r, now)
	case schema.MsgOnClientTimeout:
		if r.ClientID == c.id {
			c.terminate(ErrClientTimedOut, now)
		}
	default:
		log.Debug().Str("response", schema.Name(r.Type)).Int64("client_id", c.id).Msg("client.Client.onResponse ignored")
	}
}

func (c *Client) takeOp(correlationID int64) (pendingOp, bool) {
	op, ok := c.ops[correlationID]
	if !ok {
		return nil, false
	}
	delete(c.ops, correlationID)
	c.pending.Remove(correlationID)
	c.inflight.Add(-1)
	return op, true
}

func (c *Client) completeOp(r session.Response, now time.Time) {
	op, ok := c.takeOp(r.CorrelationID)
	if !ok {
		return
	}
	err := op.complete(c, r, now)
	if err != nil {
		op.fail(c, err, now)
		c.reportError(err)
	}
	recordCommand(op, err)
}

func (c *Client) failOp(correlationID int64, err error, now time.Time) bool {
	op, ok := c.takeOp(correlationID)
	if !ok {
		return false
	}
	op.fail(c, err, now)
	recordCommand(op, err)
	return true
}

func (c *Client) onAvailableImage(r session.Response, now time.Time) {
	res, ok := c.lookup(r.SubscriptionRegistrationID)
	if !ok {
		return
	}
	sub, ok := res.(*Subscription)
	if !ok || sub.IsClosed() {
		return
	}
	if _, dup := sub.imageByCorrelationID(r.CorrelationID); dup {
		return
	}
	lb, err := c.acquireLog(r.LogName)
	if err != nil {
		c.reportError(err)
		return
	}
	img := newImage(lb, c.counters, r.CorrelationID, sub.RegistrationID(), r.SubscriberPositionID, r.SourceIdentity)
	sub.addImage(img)
	observability.RecordImageEvent("available")
	log.Debug().
		Str("component", "client").
		Int64("correlation_id", r.CorrelationID).
		Int32("stream_id", r.StreamID).
		Int32("session_id", r.SessionID).
		Str("source", r.SourceIdentity).
		Msg("client.Client.onAvailableImage")
	if sub.onAvailable != nil {
		c.safeCall("available image handler", func() { sub.onAvailable(sub, img) })
	}
}

func (c *Client) onUnavailableImage(r session.Response, now time.Time) {
	res, ok := c.lookup(r.SubscriptionRegistrationID)
	if !ok {
		return
	}
	sub, ok := res.(*Subscription)
	if !ok {
		return
	}
	if img := sub.removeImage(r.CorrelationID); img != nil {
		c.retireImage(sub, img, now)
	}
}

// closeImages makes every image of sub unavailable, used when the subscription
// itself goes away.
func (c *Client) closeImages(sub *Subscription, now time.Time) {
	for _, img := range sub.takeImages() {
		c.retireImage(sub, img, now)
	}
}

func (c *Client) retireImage(sub *Subscription, img *Image, now time.Time) {
	if !img.close() {
		return
	}
	c.releaseLog(img.log.Name(), now)
	observability.RecordImageEvent("unavailable")
	log.Debug().
		Str("component", "client").
		Int64("correlation_id", img.correlationID).
		Int32("session_id", img.sessionID).
		Msg("client.Client.retireImage")
	if sub.onUnavailable != nil {
		c.safeCall("unavailable image handler", func() { sub.onUnavailable(sub, img) })
	}
}

func (c *Client) onTimer(now time.Time) int {
	work := 0
	if now.Sub(c.lastKeepalive) >= c.keepaliveInterval {
		c.lastKeepalive = now
		err := c.sendCommand(session.Command{Type: schema.MsgClientKeepalive, CorrelationID: c.driver.NextCorrelationID()})
		if err != nil && !errors.Is(err, session.ErrTransportFull) {
			log.Debug().Err(err).Int64("client_id", c.id).Msg("client.Client.onTimer keepalive")
		}
		work++
	}
	if silent := now.Sub(c.driver.HeartbeatTime()); silent > c.driverTimeout {
		c.terminate(fmt.Errorf("%w: no driver heartbeat for %v", ErrDriverTimeout, silent), now)
		return work + 1
	}
	for _, expired := range c.pending.Expired(now) {
		err := fmt.Errorf("%w: no response to %s within %v", ErrDriverTimeout, schema.Name(expired.MessageType), c.driverTimeout)
		if c.failOp(expired.CorrelationID, err, now) {
			c.recordError(err)
			work++
		}
	}
	work += c.expireLogs(now)
	return work
}

// terminate ends the session after the driver is lost or has dropped this
// client. Every later call fails with err.
func (c *Client) terminate(err error, now time.Time) {
	if c.terminated {
		return
	}
	c.terminated = true
	c.errMu.Lock()
	c.fatalErr = err
	c.errMu.Unlock()
	log.Error().Err(err).Str("component", "client").Int64("client_id", c.id).Msg("client.Client.terminate")

	c.failAll(err, now)
	for _, res := range c.registered() {
		c.releaseResource(res, now)
	}
	c.reportError(err)
}

func (c *Client) failAll(err error, now time.Time) {
	for _, o := range c.takeInbox() {
		c.ops[o.cmd.CorrelationID] = o.op
		c.failOp(o.cmd.CorrelationID, err, now)
	}
	for id := range c.ops {
		c.failOp(id, err, now)
	}
}

func (c *Client) releaseResource(res resource, now time.Time) {
	c.unregister(res.RegistrationID())
	if !res.release() {
		return
	}
	switch r := res.(type) {
	case *Subscription:
		c.closeImages(r, now)
	case *Publication:
		c.releaseLog(r.log.Name(), now)
	case *ExclusivePublication:
		c.releaseLog(r.log.Name(), now)
	}
}

// shutdown runs once, on the conductor, when the client closes.
func (c *Client) shutdown(now time.Time) {
	wasTerminated := c.terminated
	c.failAll(ErrClientClosed, now)
	if !wasTerminated {
		for _, res := range c.registered() {
			if !res.IsClosed() {
				cmd := session.Command{
					Type:           res.removeType(),
					CorrelationID:  c.driver.NextCorrelationID(),
					RegistrationID: res.RegistrationID(),
				}
				if err := c.sendCommand(cmd); err != nil {
					log.Debug().Err(err).Int64("registration_id", res.RegistrationID()).Msg("client.Client.shutdown remove")
				}
			}
			c.releaseResource(res, now)
		}
		if err := c.sendCommand(session.Command{Type: schema.MsgClientClose, CorrelationID: c.driver.NextCorrelationID()}); err != nil {
			log.Debug().Err(err).Int64("client_id", c.id).Msg("client.Client.shutdown client close")
		}
	}
	c.terminated = true
	_ = c.transport.Close()
	clear(c.logs)
	c.publish(topicCloseClient)
}
