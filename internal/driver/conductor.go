package driver

import (
	"errors"
	"time"

	"github.com/danmuck/termbus/internal/observability"
	"github.com/danmuck/termbus/internal/protocol/schema"
	"github.com/danmuck/termbus/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// commandsPerConnPerCycle bounds how long one busy client can hold a duty cycle.
const commandsPerConnPerCycle = 64

type conn struct {
	transport   session.Transport
	clientID    int64
	connectedAt time.Time
	closed      bool
	hungUp      bool

	// backlog holds responses the full transport could not take yet, in order.
	backlog [][]byte
	lapped  bool
}

func (d *Embedded) run() {
	defer close(d.done)
	idler := session.NewIdler(d.cfg.Session.Idle)
	var lastTimer time.Time
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		start := time.Now()
		d.stateMu.Lock()
		work := d.acceptConnections()
		work += d.flushBacklogs()
		work += d.processCommands(start)
		if start.Sub(lastTimer) >= d.cfg.TimerInterval {
			lastTimer = start
			work += d.onTimer(start)
		}
		work += d.hangUpLapped(start)
		d.stateMu.Unlock()
		d.heartbeat.Store(start.UnixNano())
		if work > 0 {
			observability.ObserveDutyCycle("driver", time.Since(start))
		}
		idler.Idle(work)
	}
}

func (d *Embedded) acceptConnections() int {
	d.connMu.Lock()
	accepted := d.accepted
	d.accepted = nil
	d.connMu.Unlock()
	d.conns = append(d.conns, accepted...)
	return len(accepted)
}

func (d *Embedded) processCommands(now time.Time) int {
	work := 0
	for _, c := range d.conns {
		if c.closed {
			continue
		}
		for i := 0; i < commandsPerConnPerCycle; i++ {
			b, ok := c.transport.Recv()
			if !ok {
				c.hungUp = session.IsClosed(c.transport)
				break
			}
			work++
			cmd, err := session.DecodeCommand(b)
			if err != nil {
				log.Warn().Err(err).Msg("driver.Embedded.processCommands decode failed")
				observability.RecordDriverCommand("malformed", "error")
				continue
			}
			d.onCommand(c, cmd, now)
		}
	}
	return work
}

func (d *Embedded) onCommand(c *conn, cmd session.Command, now time.Time) {
	client := d.touchClient(c, cmd.ClientID, now)
	if client == nil {
		d.sendError(c, cmd.CorrelationID, session.ErrorCodeUnknownClient, "client has timed out")
		observability.RecordDriverCommand(schema.Name(cmd.Type), "error")
		return
	}

	var err error
	switch cmd.Type {
	case schema.MsgAddPublication:
		err = d.onAddPublication(client, cmd, false)
	case schema.MsgAddExclusivePublication:
		err = d.onAddPublication(client, cmd, true)
	case schema.MsgRemovePublication:
		err = d.onRemovePublication(client, cmd, now)
	case schema.MsgAddSubscription:
		err = d.onAddSubscription(client, cmd)
	case schema.MsgRemoveSubscription:
		err = d.onRemoveSubscription(client, cmd)
	case schema.MsgAddCounter:
		err = d.onAddCounter(client, cmd)
	case schema.MsgRemoveCounter:
		err = d.onRemoveCounter(client, cmd)
	case schema.MsgClientKeepalive:
	case schema.MsgClientClose:
		d.removeClient(client, now)
	default:
		err = &commandError{code: session.ErrorCodeUnknownCommand, msg: "unknown command " + schema.Name(cmd.Type)}
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		var ce *commandError
		if !errors.As(err, &ce) {
			ce = &commandError{code: session.ErrorCodeGeneric, msg: err.Error()}
		}
		log.Warn().
			Int64("client_id", cmd.ClientID).
			Int64("correlation_id", cmd.CorrelationID).
			Str("command", schema.Name(cmd.Type)).
			Int32("code", ce.code).
			Str("reason", ce.msg).
			Msg("driver.Embedded.onCommand rejected")
		d.sendError(c, cmd.CorrelationID, ce.code, ce.msg)
	}
	observability.RecordDriverCommand(schema.Name(cmd.Type), outcome)
}

// onTimer runs the slower housekeeping: limits and cleaning, linger, liveness.
func (d *Embedded) onTimer(now time.Time) int {
	work := d.updatePublications(now)
	work += d.checkLiveness(now)
	return work
}

type commandError struct {
	code int32
	msg  string
}

func (e *commandError) Error() string {
	return e.msg
}

// send queues r for c. A full transport parks the frame in the conn's
// backlog; a backlog that outgrows the response queue marks the client lapped.
func (d *Embedded) send(c *conn, r session.Response) {
	if c == nil || c.closed || c.lapped {
		return
	}
	b, err := session.EncodeResponseFrame(r)
	if err != nil {
		log.Error().Err(err).Str("response", schema.Name(r.Type)).Msg("driver.Embedded.send encode failed")
		return
	}
	if len(c.backlog) == 0 {
		err := c.transport.Send(b)
		if err == nil {
			return
		}
		if !errors.Is(err, session.ErrTransportFull) {
			log.Debug().
				Err(err).
				Int64("client_id", c.clientID).
				Str("response", schema.Name(r.Type)).
				Msg("driver.Embedded.send transport gone")
			return
		}
	}
	if len(c.backlog) >= d.cfg.Session.ResponseQueueCapacity {
		log.Warn().
			Int64("client_id", c.clientID).
			Int("backlog", len(c.backlog)).
			Str("response", schema.Name(r.Type)).
			Msg("driver.Embedded.send client lapped")
		c.lapped = true
		c.backlog = nil
		return
	}
	c.backlog = append(c.backlog, b)
}

// flushBacklogs moves parked responses onto transports that have room again.
func (d *Embedded) flushBacklogs() int {
	work := 0
	for _, c := range d.conns {
		if c.closed || c.lapped || len(c.backlog) == 0 {
			continue
		}
		sent := 0
		for sent < len(c.backlog) {
			err := c.transport.Send(c.backlog[sent])
			if errors.Is(err, session.ErrTransportFull) {
				break
			}
			if err != nil {
				sent = len(c.backlog)
				break
			}
			sent++
		}
		work += sent
		clear(c.backlog[:sent])
		c.backlog = c.backlog[sent:]
		if len(c.backlog) == 0 {
			c.backlog = nil
		}
	}
	return work
}

// hangUpLapped closes the transport of every client that fell too far behind
// and releases what it owned. The client sees the closed transport and terminates.
func (d *Embedded) hangUpLapped(now time.Time) int {
	work := 0
	for _, c := range d.conns {
		if c.closed || !c.lapped {
			continue
		}
		log.Warn().Int64("client_id", c.clientID).Msg("driver.Embedded.hangUpLapped")
		_ = c.transport.Close()
		if cs, ok := d.clients[c.clientID]; ok && cs.conn == c {
			d.removeClient(cs, now)
		} else {
			c.closed = true
		}
		work++
	}
	return work
}

func (d *Embedded) sendError(c *conn, correlationID int64, code int32, msg string) {
	d.send(c, session.Response{
		Type:                   schema.MsgOnError,
		OffendingCorrelationID: correlationID,
		ErrorCode:              code,
		ErrorMessage:           msg,
	})
}

func (d *Embedded) broadcast(r session.Response) {
	for _, c := range d.conns {
		if c.clientID != 0 {
			d.send(c, r)
		}
	}
}

func (d *Embedded) connFor(clientID int64) *conn {
	if cs, ok := d.clients[clientID]; ok {
		return cs.conn
	}
	return nil
}
