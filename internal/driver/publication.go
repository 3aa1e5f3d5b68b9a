package driver

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"time"

	"github.com/danmuck/termbus/internal/channel"
	"github.com/danmuck/termbus/internal/counters"
	"github.com/danmuck/termbus/internal/logbuffer"
	"github.com/danmuck/termbus/internal/protocol/schema"
	"github.com/danmuck/termbus/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type pubState int

const (
	pubActive pubState = iota
	pubDraining
)

func (s pubState) String() string {
	if s == pubDraining {
		return "draining"
	}
	return "active"
}

type pubRef struct {
	registrationID int64
	clientID       int64
}

// imageLink is one subscription's view of a publication.
type imageLink struct {
	correlationID     int64
	sub               *subscription
	positionCounterID int32
}

type publication struct {
	registrationID int64
	exclusive      bool
	channel        string
	matchKey       string
	sourceIdentity string
	streamID       int32
	sessionID      int32
	log            *logbuffer.LogBuffers
	limitCounterID int32
	linger         time.Duration
	termWindow     int64

	refs           []pubRef
	images         []*imageLink
	state          pubState
	lingerDeadline time.Time
	cleanPosition  int64
}

func (p *publication) removeRefsOf(clientID int64) bool {
	kept := p.refs[:0]
	removed := false
	for _, ref := range p.refs {
		if ref.clientID == clientID {
			removed = true
			continue
		}
		kept = append(kept, ref)
	}
	p.refs = kept
	return removed
}

func (p *publication) matches(matchKey string, streamID int32) bool {
	return p.state == pubActive && p.matchKey == matchKey && p.streamID == streamID
}

func (d *Embedded) onAddPublication(cs *clientState, cmd session.Command, exclusive bool) error {
	uri, err := channel.Parse(cmd.Channel)
	if err != nil {
		return &commandError{code: session.ErrorCodeInvalidChannel, msg: err.Error()}
	}
	if cmd.StreamID == 0 {
		return &commandError{code: session.ErrorCodeMalformedCommand, msg: "stream id must be non-zero"}
	}
	defaultTermLength := d.cfg.TermLength
	if uri.Media == channel.MediaIPC {
		defaultTermLength = d.cfg.IPCTermLength
	}
	termLength, err := uri.TermLength(defaultTermLength)
	if err == nil {
		err = logbuffer.CheckTermLength(termLength)
	}
	if err != nil {
		return &commandError{code: session.ErrorCodeInvalidChannel, msg: err.Error()}
	}
	mtu, err := uri.MTU(d.cfg.MTU)
	if err == nil {
		err = logbuffer.CheckMTU(mtu, termLength)
	}
	if err != nil {
		return &commandError{code: session.ErrorCodeInvalidChannel, msg: err.Error()}
	}
	linger, err := uri.Linger(d.cfg.PublicationLinger)
	if err != nil {
		return &commandError{code: session.ErrorCodeInvalidChannel, msg: err.Error()}
	}
	fixedSessionID, hasSessionID, err := uri.SessionID()
	if err != nil {
		return &commandError{code: session.ErrorCodeInvalidChannel, msg: err.Error()}
	}

	if !exclusive {
		for _, pub := range d.publications {
			if pub.exclusive || !pub.matches(uri.MatchKey(), cmd.StreamID) {
				continue
			}
			if _, set := uri.Get(channel.ParamTermLength); set && termLength != pub.log.TermLength() {
				return &commandError{
					code: session.ErrorCodeInvalidChannel,
					msg:  fmt.Sprintf("existing publication has term-length=%d, requested %d", pub.log.TermLength(), termLength),
				}
			}
			pub.refs = append(pub.refs, pubRef{registrationID: cmd.CorrelationID, clientID: cs.id})
			d.sendPublicationReady(cs, cmd.CorrelationID, pub)
			return nil
		}
	}

	sessionID := fixedSessionID
	if !hasSessionID {
		d.nextSessionID++
		sessionID = d.nextSessionID
	}
	streamID := cmd.StreamID
	lb, err := logbuffer.NewLogBuffers(logbuffer.LogConfig{
		Name:          fmt.Sprintf("%d-%s", cmd.CorrelationID, uuid.NewString()),
		TermLength:    termLength,
		MTU:           mtu,
		InitialTermID: rand.Int31(),
		SessionID:     sessionID,
		StreamID:      streamID,
	})
	if err != nil {
		return &commandError{code: session.ErrorCodeInvalidChannel, msg: err.Error()}
	}
	key := make([]byte, 8)
	binary.LittleEndian.PutUint64(key, uint64(cmd.CorrelationID))
	label := fmt.Sprintf("pub-lmt: %d %d %d %s", cmd.CorrelationID, sessionID, streamID, cmd.Channel)
	limitID, err := d.counters.Allocate(counters.TypePublisherLimit, key, truncate(label, counters.MaxLabelLength), cmd.CorrelationID, cs.id)
	if err != nil {
		return &commandError{code: session.ErrorCodeResourceExhausted, msg: err.Error()}
	}

	source := string(uri.Media)
	if uri.Media == channel.MediaUDP {
		source = uri.Endpoint()
	}
	pub := &publication{
		registrationID: cmd.CorrelationID,
		exclusive:      exclusive,
		channel:        cmd.Channel,
		matchKey:       uri.MatchKey(),
		sourceIdentity: source,
		streamID:       streamID,
		sessionID:      sessionID,
		log:            lb,
		limitCounterID: limitID,
		linger:         linger,
		termWindow:     int64(termLength / 2),
		refs:           []pubRef{{registrationID: cmd.CorrelationID, clientID: cs.id}},
	}
	d.registerLog(lb)
	d.publications = append(d.publications, pub)
	log.Info().
		Int64("registration_id", pub.registrationID).
		Bool("exclusive", exclusive).
		Str("channel", pub.channel).
		Int32("stream_id", streamID).
		Int32("session_id", sessionID).
		Int32("term_length", termLength).
		Msg("driver.Embedded.onAddPublication")

	d.sendPublicationReady(cs, cmd.CorrelationID, pub)
	for _, sub := range d.subscriptions {
		if sub.matchKey == pub.matchKey && sub.streamID == pub.streamID {
			d.linkImage(pub, sub)
		}
	}
	return nil
}

func (d *Embedded) sendPublicationReady(cs *clientState, correlationID int64, pub *publication) {
	msgType := schema.MsgOnPublicationReady
	if pub.exclusive {
		msgType = schema.MsgOnExclusivePublicationReady
	}
	d.send(cs.conn, session.Response{
		Type:                   msgType,
		CorrelationID:          correlationID,
		RegistrationID:         correlationID,
		OriginalRegistrationID: pub.registrationID,
		StreamID:               pub.streamID,
		SessionID:              pub.sessionID,
		LogName:                pub.log.Name(),
		PositionLimitCounterID: pub.limitCounterID,
	})
}

func (d *Embedded) onRemovePublication(cs *clientState, cmd session.Command, now time.Time) error {
	for _, pub := range d.publications {
		idx := -1
		for i, ref := range pub.refs {
			if ref.registrationID == cmd.RegistrationID && ref.clientID == cs.id {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		pub.refs = append(pub.refs[:idx], pub.refs[idx+1:]...)
		d.send(cs.conn, session.Response{Type: schema.MsgOnOperationSuccess, CorrelationID: cmd.CorrelationID})
		if len(pub.refs) == 0 && pub.state == pubActive {
			d.startDraining(pub, now)
		}
		return nil
	}
	return &commandError{
		code: session.ErrorCodeUnknownPublication,
		msg:  fmt.Sprintf("unknown publication registration %d", cmd.RegistrationID),
	}
}

func (d *Embedded) startDraining(pub *publication, now time.Time) {
	pub.state = pubDraining
	pub.lingerDeadline = now.Add(pub.linger)
	pub.log.SetEndOfStreamPosition(pub.log.ProducerPosition())
	log.Info().
		Int64("registration_id", pub.registrationID).
		Dur("linger", pub.linger).
		Msg("driver.Embedded publication draining")
}

// updatePublications cleans behind the slowest subscriber, then advances the
// publisher limit, then retires publications whose linger has elapsed.
func (d *Embedded) updatePublications(now time.Time) int {
	work := 0
	kept := d.publications[:0]
	for _, pub := range d.publications {
		if pub.state == pubDraining && !now.Before(pub.lingerDeadline) {
			d.retirePublication(pub)
			work++
			continue
		}
		kept = append(kept, pub)
		if len(pub.images) == 0 {
			pub.log.SetConnected(false)
			continue
		}
		minPosition := int64(-1)
		for _, img := range pub.images {
			pos := d.counters.Get(img.positionCounterID)
			if minPosition < 0 || pos < minPosition {
				minPosition = pos
			}
		}
		termLength := int64(pub.log.TermLength())
		if cleanTo := minPosition - termLength; cleanTo > pub.cleanPosition {
			pub.cleanPosition = pub.log.Clean(pub.cleanPosition, cleanTo)
			work++
		}
		if pub.state == pubActive {
			d.counters.ProposeMax(pub.limitCounterID, minPosition+pub.termWindow)
			pub.log.SetConnected(true)
		}
	}
	clear(d.publications[len(kept):])
	d.publications = kept
	return work
}

func (d *Embedded) retirePublication(pub *publication) {
	for _, img := range pub.images {
		d.send(d.connFor(img.sub.clientID), session.Response{
			Type:                       schema.MsgOnUnavailableImage,
			CorrelationID:              img.correlationID,
			SubscriptionRegistrationID: img.sub.registrationID,
			StreamID:                   pub.streamID,
		})
		_ = d.counters.Free(img.positionCounterID)
	}
	pub.images = nil
	pub.log.SetConnected(false)
	_ = d.counters.Free(pub.limitCounterID)
	d.unregisterLog(pub.log.Name())
	log.Info().
		Int64("registration_id", pub.registrationID).
		Str("channel", pub.channel).
		Int32("stream_id", pub.streamID).
		Msg("driver.Embedded publication retired")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
