package driver

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/danmuck/termbus/internal/counters"
	"github.com/danmuck/termbus/internal/protocol/schema"
	"github.com/danmuck/termbus/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

type clientState struct {
	id                 int64
	conn               *conn
	lastKeepalive      time.Time
	heartbeatCounterID int32
}

// touchClient binds a connection to the client id it speaks for and records liveness.
func (d *Embedded) touchClient(c *conn, clientID int64, now time.Time) *clientState {
	if c.clientID == 0 {
		if _, taken := d.clients[clientID]; taken {
			return nil
		}
		c.clientID = clientID
		key := make([]byte, 8)
		binary.LittleEndian.PutUint64(key, uint64(clientID))
		hb, err := d.counters.Allocate(counters.TypeClientHeartbeat, key, fmt.Sprintf("client-heartbeat: %d", clientID), clientID, clientID)
		if err != nil {
			log.Warn().Err(err).Int64("client_id", clientID).Msg("driver.Embedded.touchClient heartbeat counter")
			hb = counters.NullCounterID
		}
		d.clients[clientID] = &clientState{id: clientID, conn: c, heartbeatCounterID: hb}
		log.Info().Int64("client_id", clientID).Msg("driver.Embedded client connected")
	}
	if c.clientID != clientID {
		return nil
	}
	cs, ok := d.clients[clientID]
	if !ok {
		return nil
	}
	cs.lastKeepalive = now
	d.counters.Set(cs.heartbeatCounterID, now.UnixMilli())
	return cs
}

func (d *Embedded) checkLiveness(now time.Time) int {
	work := 0
	timeout := d.cfg.Session.ClientLivenessTimeout
	for _, c := range d.conns {
		if c.closed {
			continue
		}
		cs, ok := d.clients[c.clientID]
		if !ok {
			if c.hungUp {
				c.closed = true
				work++
			}
			continue
		}
		if c.hungUp {
			d.removeClient(cs, now)
			work++
			continue
		}
		if now.Sub(cs.lastKeepalive) <= timeout {
			continue
		}
		log.Warn().
			Int64("client_id", cs.id).
			Dur("silent_for", now.Sub(cs.lastKeepalive)).
			Msg("driver.Embedded.checkLiveness client timed out")
		d.send(c, session.Response{Type: schema.MsgOnClientTimeout, ClientID: cs.id})
		d.removeClient(cs, now)
		work++
	}
	live := d.conns[:0]
	for _, c := range d.conns {
		if !c.closed {
			live = append(live, c)
		}
	}
	clear(d.conns[len(live):])
	d.conns = live
	return work
}

// removeClient releases everything a client owns.
func (d *Embedded) removeClient(cs *clientState, now time.Time) {
	cs.conn.closed = true
	delete(d.clients, cs.id)

	for _, pub := range d.publications {
		if pub.removeRefsOf(cs.id) && pub.state == pubActive && len(pub.refs) == 0 {
			d.startDraining(pub, now)
		}
	}
	subs := d.subscriptions[:0]
	for _, sub := range d.subscriptions {
		if sub.clientID == cs.id {
			d.unlinkSubscription(sub)
			continue
		}
		subs = append(subs, sub)
	}
	clear(d.subscriptions[len(subs):])
	d.subscriptions = subs

	for regID, uc := range d.userCounters {
		if uc.clientID == cs.id {
			d.freeUserCounter(regID, uc)
		}
	}
	if cs.heartbeatCounterID != counters.NullCounterID {
		_ = d.counters.Free(cs.heartbeatCounterID)
	}
	log.Info().Int64("client_id", cs.id).Msg("driver.Embedded.removeClient")
}

type userCounter struct {
	registrationID int64
	clientID       int64
	counterID      int32
}

func (d *Embedded) onAddCounter(cs *clientState, cmd session.Command) error {
	id, err := d.counters.Allocate(cmd.CounterTypeID, cmd.CounterKey, cmd.CounterLabel, cmd.CorrelationID, cs.id)
	if err != nil {
		return &commandError{code: session.ErrorCodeResourceExhausted, msg: err.Error()}
	}
	d.userCounters[cmd.CorrelationID] = &userCounter{registrationID: cmd.CorrelationID, clientID: cs.id, counterID: id}
	d.broadcast(session.Response{Type: schema.MsgOnCounterReady, CorrelationID: cmd.CorrelationID, CounterID: id})
	return nil
}

func (d *Embedded) onRemoveCounter(cs *clientState, cmd session.Command) error {
	uc, ok := d.userCounters[cmd.RegistrationID]
	if !ok || uc.clientID != cs.id {
		return &commandError{code: session.ErrorCodeUnknownCounter, msg: fmt.Sprintf("unknown counter registration %d", cmd.RegistrationID)}
	}
	d.send(cs.conn, session.Response{Type: schema.MsgOnOperationSuccess, CorrelationID: cmd.CorrelationID})
	d.freeUserCounter(cmd.RegistrationID, uc)
	return nil
}

func (d *Embedded) freeUserCounter(registrationID int64, uc *userCounter) {
	delete(d.userCounters, registrationID)
	_ = d.counters.Free(uc.counterID)
	d.broadcast(session.Response{Type: schema.MsgOnUnavailableCounter, CorrelationID: registrationID, CounterID: uc.counterID})
}
