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

// pendingOp is the conductor's side of one command awaiting a driver answer.
type pendingOp interface {
	kind() string
	// begin runs on the conductor just before the command is sent.
	begin(c *Client, now time.Time)
	complete(c *Client, r session.Response, now time.Time) error
	fail(c *Client, err error, now time.Time)
}

type outbound struct {
	cmd session.Command
	op  pendingOp
}

func unexpectedResponse(r session.Response) error {
	return fmt.Errorf("%w: unexpected %s for correlation %d", session.ErrInvalidResponse, schema.Name(r.Type), r.CorrelationID)
}

type addPublicationOp struct {
	channel   string
	streamID  int32
	exclusive bool
	shared    *AsyncAddPublication
	excl      *AsyncAddExclusivePublication
}

func (op *addPublicationOp) kind() string {
	if op.exclusive {
		return "add_exclusive_publication"
	}
	return "add_publication"
}

func (op *addPublicationOp) begin(*Client, time.Time) {}

func (op *addPublicationOp) complete(c *Client, r session.Response, _ time.Time) error {
	want := schema.MsgOnPublicationReady
	if op.exclusive {
		want = schema.MsgOnExclusivePublicationReady
	}
	if r.Type != want {
		return unexpectedResponse(r)
	}
	lb, err := c.acquireLog(r.LogName)
	if err != nil {
		return err
	}
	base := newPubBase(c, lb, op.channel, r.RegistrationID, r.OriginalRegistrationID, r.PositionLimitCounterID)
	if op.exclusive {
		pub := newExclusivePublication(base)
		c.register(pub)
		op.excl.a.resolve(pub)
	} else {
		pub := &Publication{pubBase: base}
		c.register(pub)
		op.shared.a.resolve(pub)
	}
	c.publish(topicNewPublication, PublicationEvent{
		Channel:        op.channel,
		StreamID:       r.StreamID,
		SessionID:      r.SessionID,
		RegistrationID: r.RegistrationID,
	})
	return nil
}

func (op *addPublicationOp) fail(_ *Client, err error, _ time.Time) {
	if op.exclusive {
		op.excl.a.fail(err)
		return
	}
	op.shared.a.fail(err)
}

type addSubscriptionOp struct {
	channel       string
	streamID      int32
	onAvailable   ImageHandler
	onUnavailable ImageHandler
	async         *AsyncAddSubscription
}

func (op *addSubscriptionOp) kind() string { return "add_subscription" }

func (op *addSubscriptionOp) begin(*Client, time.Time) {}

func (op *addSubscriptionOp) complete(c *Client, r session.Response, _ time.Time) error {
	if r.Type != schema.MsgOnSubscriptionReady {
		return unexpectedResponse(r)
	}
	sub := newSubscription(c, op.channel, op.streamID, r.CorrelationID, op.onAvailable, op.onUnavailable)
	c.register(sub)
	op.async.a.resolve(sub)
	c.publish(topicNewSubscription, SubscriptionEvent{Channel: op.channel, StreamID: op.streamID, RegistrationID: r.CorrelationID})
	return nil
}

func (op *addSubscriptionOp) fail(_ *Client, err error, _ time.Time) {
	op.async.a.fail(err)
}

type addCounterOp struct {
	typeID int32
	label  string
	async  *AsyncAddCounter
}

func (op *addCounterOp) kind() string { return "add_counter" }

func (op *addCounterOp) begin(*Client, time.Time) {}

func (op *addCounterOp) complete(c *Client, r session.Response, _ time.Time) error {
	if r.Type != schema.MsgOnCounterReady {
		return unexpectedResponse(r)
	}
	counter := &Counter{
		client: c,
		store:  c.counters,
		consts: CounterConstants{
			RegistrationID: r.CorrelationID,
			CounterID:      r.CounterID,
			TypeID:         op.typeID,
			Label:          op.label,
		},
	}
	c.register(counter)
	op.async.a.resolve(counter)
	return nil
}

func (op *addCounterOp) fail(_ *Client, err error, _ time.Time) {
	op.async.a.fail(err)
}

// removeOp tears a resource down locally once the command leaves and runs
// the close callback when the driver confirms or the session ends. A driver
// rejection releases the resource without running the callback.
type removeOp struct {
	res     resource
	onClose func()
	done    bool
}

func (op *removeOp) kind() string { return "remove_" + op.res.kind() }

func (op *removeOp) begin(c *Client, now time.Time) {
	c.unregister(op.res.RegistrationID())
	if sub, ok := op.res.(*Subscription); ok {
		c.closeImages(sub, now)
	}
}

func (op *removeOp) complete(c *Client, r session.Response, now time.Time) error {
	if r.Type != schema.MsgOnOperationSuccess {
		return unexpectedResponse(r)
	}
	op.finish(c, now)
	return nil
}

func (op *removeOp) fail(c *Client, err error, now time.Time) {
	log.Debug().
		Err(err).
		Str("kind", op.res.kind()).
		Int64("registration_id", op.res.RegistrationID()).
		Msg("client.removeOp.fail")
	op.begin(c, now)
	var derr *DriverError
	if errors.As(err, &derr) {
		op.onClose = nil
	}
	op.finish(c, now)
}

func (op *removeOp) finish(c *Client, now time.Time) {
	if op.done {
		return
	}
	op.done = true
	c.releaseResource(op.res, now)
	if op.onClose != nil {
		c.safeCall("close callback", op.onClose)
	}
}

func recordCommand(op pendingOp, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	observability.RecordClientCommand(op.kind(), outcome)
}
