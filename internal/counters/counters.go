// Package counters holds the fixed-capacity table of int64 counters shared by
// the driver and its clients: publisher limits, subscriber positions,
// heartbeats and application counters.
package counters

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	MaxLabelLength = 380
	MaxKeyLength   = 112

	NullCounterID int32 = -1

	DefaultReuseTimeout = time.Second
)

// Type ids used by the driver. Application counters pick their own.
const (
	TypePublisherLimit     int32 = 1
	TypeSubscriberPosition int32 = 4
	TypeClientHeartbeat    int32 = 11
)

type State int32

const (
	StateUnused State = iota
	StateAllocated
	StateReclaimed
)

func (s State) String() string {
	switch s {
	case StateAllocated:
		return "allocated"
	case StateReclaimed:
		return "reclaimed"
	default:
		return "unused"
	}
}

var (
	ErrCapacityExhausted = errors.New("counters: capacity exhausted")
	ErrLabelTooLong      = errors.New("counters: label too long")
	ErrKeyTooLong        = errors.New("counters: key too long")
	ErrUnknownCounter    = errors.New("counters: unknown counter")
)

// Metadata describes one counter slot.
type Metadata struct {
	ID             int32
	TypeID         int32
	Key            []byte
	Label          string
	RegistrationID int64
	OwnerID        int64
	State          State
	Value          int64
	freedAt        time.Time
}

// Store is safe for concurrent use. Value access is lock free; allocation and
// metadata reads take the store lock.
type Store struct {
	values       []atomic.Int64
	mu           sync.RWMutex
	meta         []Metadata
	free         []int32
	next         int32
	reuseTimeout time.Duration
	now          func() time.Time
}

func NewStore(capacity int) *Store {
	return &Store{
		values:       make([]atomic.Int64, capacity),
		meta:         make([]Metadata, capacity),
		reuseTimeout: DefaultReuseTimeout,
		now:          time.Now,
	}
}

// SetReuseTimeout bounds how soon a freed id may be handed out again, so late
// readers of a freed counter never observe its next owner.
func (s *Store) SetReuseTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reuseTimeout = d
}

func (s *Store) Capacity() int {
	return len(s.values)
}

// Allocate reserves a counter, zeroes its value and returns its id.
func (s *Store) Allocate(typeID int32, key []byte, label string, registrationID, ownerID int64) (int32, error) {
	if len(label) > MaxLabelLength {
		return NullCounterID, fmt.Errorf("%w: %d > %d", ErrLabelTooLong, len(label), MaxLabelLength)
	}
	if len(key) > MaxKeyLength {
		return NullCounterID, fmt.Errorf("%w: %d > %d", ErrKeyTooLong, len(key), MaxKeyLength)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.takeFreeLocked()
	if id == NullCounterID {
		if int(s.next) >= len(s.meta) {
			log.Warn().Int("capacity", len(s.meta)).Msg("counters.Store.Allocate exhausted")
			return NullCounterID, fmt.Errorf("%w: capacity=%d", ErrCapacityExhausted, len(s.meta))
		}
		id = s.next
		s.next++
	}
	s.values[id].Store(0)
	s.meta[id] = Metadata{
		ID:             id,
		TypeID:         typeID,
		Key:            append([]byte(nil), key...),
		Label:          label,
		RegistrationID: registrationID,
		OwnerID:        ownerID,
		State:          StateAllocated,
	}
	log.Debug().
		Int32("counter_id", id).
		Int32("type_id", typeID).
		Str("label", label).
		Msg("counters.Store.Allocate")
	return id, nil
}

func (s *Store) takeFreeLocked() int32 {
	now := s.now()
	for i, id := range s.free {
		if now.Sub(s.meta[id].freedAt) >= s.reuseTimeout {
			s.free = append(s.free[:i], s.free[i+1:]...)
			return id
		}
	}
	return NullCounterID
}

// Free releases an allocated counter.
func (s *Store) Free(id int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validLocked(id) || s.meta[id].State != StateAllocated {
		return fmt.Errorf("%w: id=%d", ErrUnknownCounter, id)
	}
	s.meta[id].State = StateReclaimed
	s.meta[id].freedAt = s.now()
	s.free = append(s.free, id)
	log.Debug().Int32("counter_id", id).Msg("counters.Store.Free")
	return nil
}

func (s *Store) validLocked(id int32) bool {
	return id >= 0 && id < s.next
}

func (s *Store) inRange(id int32) bool {
	return id >= 0 && int(id) < len(s.values)
}

// Get loads a counter value. Out of range ids read as zero.
func (s *Store) Get(id int32) int64 {
	if !s.inRange(id) {
		return 0
	}
	return s.values[id].Load()
}

func (s *Store) Set(id int32, value int64) {
	if s.inRange(id) {
		s.values[id].Store(value)
	}
}

func (s *Store) Add(id int32, delta int64) int64 {
	if !s.inRange(id) {
		return 0
	}
	return s.values[id].Add(delta)
}

// ProposeMax raises the counter to value if value is larger. It reports whether it did.
func (s *Store) ProposeMax(id int32, value int64) bool {
	if !s.inRange(id) {
		return false
	}
	v := &s.values[id]
	for {
		current := v.Load()
		if value <= current {
			return false
		}
		if v.CompareAndSwap(current, value) {
			return true
		}
	}
}

// Metadata returns the slot description with its current value.
func (s *Store) Metadata(id int32) (Metadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.validLocked(id) {
		return Metadata{}, false
	}
	m := s.meta[id]
	m.Key = append([]byte(nil), m.Key...)
	m.Value = s.values[id].Load()
	return m, true
}

// Snapshot lists allocated counters ordered by id.
func (s *Store) Snapshot() []Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Metadata, 0, s.next)
	for id := int32(0); id < s.next; id++ {
		m := s.meta[id]
		if m.State != StateAllocated {
			continue
		}
		m.Key = append([]byte(nil), m.Key...)
		m.Value = s.values[id].Load()
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindByRegistrationID returns the allocated counter registered under registrationID.
func (s *Store) FindByRegistrationID(registrationID int64) (int32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id := int32(0); id < s.next; id++ {
		if s.meta[id].State == StateAllocated && s.meta[id].RegistrationID == registrationID {
			return id, true
		}
	}
	return NullCounterID, false
}
