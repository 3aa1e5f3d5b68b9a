package session

import (
	"sort"
	"sync"
	"time"
)

// PendingCommand tracks one command awaiting a driver response.
type PendingCommand struct {
	CorrelationID int64
	MessageType   uint32
	Channel       string
	StreamID      int32
	QueuedAt      time.Time
	DeadlineAt    time.Time
}

// PendingCommands stores in-flight commands by correlation id.
type PendingCommands struct {
	mu    sync.RWMutex
	items map[int64]PendingCommand
}

func NewPendingCommands() *PendingCommands {
	return &PendingCommands{
		items: make(map[int64]PendingCommand),
	}
}

func (p *PendingCommands) Upsert(item PendingCommand) {
	if item.CorrelationID == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items[item.CorrelationID] = item
}

// Remove deletes the command and reports whether it was pending.
func (p *PendingCommands) Remove(correlationID int64) (PendingCommand, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.items[correlationID]
	if ok {
		delete(p.items, correlationID)
	}
	return item, ok
}

func (p *PendingCommands) Get(correlationID int64) (PendingCommand, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	item, ok := p.items[correlationID]
	return item, ok
}

func (p *PendingCommands) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.items)
}

// Expired removes and returns every command whose deadline is at or before now.
func (p *PendingCommands) Expired(now time.Time) []PendingCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []PendingCommand
	for id, item := range p.items {
		if !item.DeadlineAt.IsZero() && !now.Before(item.DeadlineAt) {
			out = append(out, item)
			delete(p.items, id)
		}
	}
	sortPending(out)
	return out
}

// Drain removes and returns every pending command.
func (p *PendingCommands) Drain() []PendingCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PendingCommand, 0, len(p.items))
	for _, item := range p.items {
		out = append(out, item)
	}
	p.items = make(map[int64]PendingCommand)
	sortPending(out)
	return out
}

func (p *PendingCommands) List() []PendingCommand {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PendingCommand, 0, len(p.items))
	for _, item := range p.items {
		out = append(out, item)
	}
	sortPending(out)
	return out
}

func sortPending(items []PendingCommand) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].CorrelationID < items[j].CorrelationID
	})
}
