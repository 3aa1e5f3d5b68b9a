package driver

import (
	"sort"
	"time"
)

type PublicationInfo struct {
	RegistrationID   int64  `json:"registration_id"`
	Exclusive        bool   `json:"exclusive"`
	Channel          string `json:"channel"`
	StreamID         int32  `json:"stream_id"`
	SessionID        int32  `json:"session_id"`
	State            string `json:"state"`
	References       int    `json:"references"`
	Images           int    `json:"images"`
	TermLength       int32  `json:"term_length"`
	ProducerPosition int64  `json:"producer_position"`
	PublisherLimit   int64  `json:"publisher_limit"`
}

type SubscriptionInfo struct {
	RegistrationID int64  `json:"registration_id"`
	ClientID       int64  `json:"client_id"`
	Channel        string `json:"channel"`
	StreamID       int32  `json:"stream_id"`
}

type ClientInfo struct {
	ClientID      int64     `json:"client_id"`
	LastKeepalive time.Time `json:"last_keepalive"`
}

// Snapshot is a point-in-time view of driver resources for the admin surface.
type Snapshot struct {
	DriverID      string             `json:"driver_id"`
	Heartbeat     time.Time          `json:"heartbeat"`
	Clients       []ClientInfo       `json:"clients"`
	Publications  []PublicationInfo  `json:"publications"`
	Subscriptions []SubscriptionInfo `json:"subscriptions"`
}

func (d *Embedded) Snapshot() Snapshot {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	snap := Snapshot{
		DriverID:      d.id,
		Heartbeat:     d.HeartbeatTime(),
		Clients:       make([]ClientInfo, 0, len(d.clients)),
		Publications:  make([]PublicationInfo, 0, len(d.publications)),
		Subscriptions: make([]SubscriptionInfo, 0, len(d.subscriptions)),
	}
	for _, cs := range d.clients {
		snap.Clients = append(snap.Clients, ClientInfo{ClientID: cs.id, LastKeepalive: cs.lastKeepalive})
	}
	sort.Slice(snap.Clients, func(i, j int) bool { return snap.Clients[i].ClientID < snap.Clients[j].ClientID })
	for _, pub := range d.publications {
		snap.Publications = append(snap.Publications, PublicationInfo{
			RegistrationID:   pub.registrationID,
			Exclusive:        pub.exclusive,
			Channel:          pub.channel,
			StreamID:         pub.streamID,
			SessionID:        pub.sessionID,
			State:            pub.state.String(),
			References:       len(pub.refs),
			Images:           len(pub.images),
			TermLength:       pub.log.TermLength(),
			ProducerPosition: pub.log.ProducerPosition(),
			PublisherLimit:   d.counters.Get(pub.limitCounterID),
		})
	}
	for _, sub := range d.subscriptions {
		snap.Subscriptions = append(snap.Subscriptions, SubscriptionInfo{
			RegistrationID: sub.registrationID,
			ClientID:       sub.clientID,
			Channel:        sub.channel,
			StreamID:       sub.streamID,
		})
	}
	return snap
}
