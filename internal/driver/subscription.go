package driver

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/termbus/internal/channel"
	"github.com/danmuck/termbus/internal/counters"
	"github.com/danmuck/termbus/internal/protocol/schema"
	"github.com/danmuck/termbus/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

type subscription struct {
	registrationID int64
	clientID       int64
	streamID       int32
	channel        string
	matchKey       string
}

func (d *Embedded) onAddSubscription(cs *clientState, cmd session.Command) error {
	uri, err := channel.Parse(cmd.Channel)
	if err != nil {
		return &commandError{code: session.ErrorCodeInvalidChannel, msg: err.Error()}
	}
	if cmd.StreamID == 0 {
		return &commandError{code: session.ErrorCodeMalformedCommand, msg: "stream id must be non-zero"}
	}
	sub := &subscription{
		registrationID: cmd.CorrelationID,
		clientID:       cs.id,
		streamID:       cmd.StreamID,
		channel:        cmd.Channel,
		matchKey:       uri.MatchKey(),
	}
	d.subscriptions = append(d.subscriptions, sub)
	d.send(cs.conn, session.Response{Type: schema.MsgOnSubscriptionReady, CorrelationID: cmd.CorrelationID})
	log.Info().
		Int64("registration_id", sub.registrationID).
		Str("channel", sub.channel).
		Int32("stream_id", sub.streamID).
		Msg("driver.Embedded.onAddSubscription")

	for _, pub := range d.publications {
		if pub.matches(sub.matchKey, sub.streamID) {
			d.linkImage(pub, sub)
		}
	}
	return nil
}

func (d *Embedded) onRemoveSubscription(cs *clientState, cmd session.Command) error {
	for i, sub := range d.subscriptions {
		if sub.registrationID != cmd.RegistrationID || sub.clientID != cs.id {
			continue
		}
		d.subscriptions = append(d.subscriptions[:i], d.subscriptions[i+1:]...)
		d.unlinkSubscription(sub)
		d.send(cs.conn, session.Response{Type: schema.MsgOnOperationSuccess, CorrelationID: cmd.CorrelationID})
		return nil
	}
	return &commandError{
		code: session.ErrorCodeUnknownSubscription,
		msg:  fmt.Sprintf("unknown subscription registration %d", cmd.RegistrationID),
	}
}

// linkImage joins sub to pub at the publisher's current position and tells the
// subscribing client the image is available.
func (d *Embedded) linkImage(pub *publication, sub *subscription) {
	joinPosition := pub.log.ProducerPosition()
	key := make([]byte, 8)
	binary.LittleEndian.PutUint64(key, uint64(sub.registrationID))
	label := fmt.Sprintf("sub-pos: %d %d %d %s @%d", sub.registrationID, pub.sessionID, pub.streamID, sub.channel, joinPosition)
	positionID, err := d.counters.Allocate(counters.TypeSubscriberPosition, key, truncate(label, counters.MaxLabelLength), sub.registrationID, sub.clientID)
	if err != nil {
		log.Error().
			Err(err).
			Int64("subscription_id", sub.registrationID).
			Int64("publication_id", pub.registrationID).
			Msg("driver.Embedded.linkImage position counter")
		return
	}
	d.counters.Set(positionID, joinPosition)
	img := &imageLink{
		correlationID:     d.NextCorrelationID(),
		sub:               sub,
		positionCounterID: positionID,
	}
	pub.images = append(pub.images, img)
	d.send(d.connFor(sub.clientID), session.Response{
		Type:                       schema.MsgOnAvailableImage,
		CorrelationID:              img.correlationID,
		SubscriptionRegistrationID: sub.registrationID,
		StreamID:                   pub.streamID,
		SessionID:                  pub.sessionID,
		LogName:                    pub.log.Name(),
		SubscriberPositionID:       positionID,
		SourceIdentity:             pub.sourceIdentity,
	})
	log.Debug().
		Int64("image_id", img.correlationID).
		Int64("subscription_id", sub.registrationID).
		Int32("session_id", pub.sessionID).
		Int64("join_position", joinPosition).
		Msg("driver.Embedded.linkImage")
}

// unlinkSubscription drops every image of sub without notifying its client,
// which tears the images down itself when it closes the subscription.
func (d *Embedded) unlinkSubscription(sub *subscription) {
	for _, pub := range d.publications {
		kept := pub.images[:0]
		for _, img := range pub.images {
			if img.sub == sub {
				_ = d.counters.Free(img.positionCounterID)
				continue
			}
			kept = append(kept, img)
		}
		clear(pub.images[len(kept):])
		pub.images = kept
	}
}
