package connection

import (
	"context"
	"sort"
	"sync"

	"github.com/matheus3301/wppcrm/internal/wa"
)

const eventBuffer = 256

// Live is one open provider connection. Its context is the epoch context:
// it is cancelled when the connection is dropped, replaced or shut down,
// and every background task started for the connection observes it.
type Live struct {
	SessionID     string
	Transport     Transport
	RetentionDays int
	Epoch         uint64

	ctx    context.Context
	cancel context.CancelFunc
	events chan wa.Event
}

func newLive(parent context.Context, sessionID string, epoch uint64, retentionDays int) *Live {
	ctx, cancel := context.WithCancel(parent)
	return &Live{
		SessionID:     sessionID,
		RetentionDays: retentionDays,
		Epoch:         epoch,
		ctx:           ctx,
		cancel:        cancel,
		events:        make(chan wa.Event, eventBuffer),
	}
}

// Context returns the epoch context of the connection.
func (l *Live) Context() context.Context {
	return l.ctx
}

// deliver queues a transport event for the connection's actor. Events of
// a dropped connection are discarded.
func (l *Live) deliver(ev wa.Event) {
	select {
	case l.events <- ev:
	case <-l.ctx.Done():
	}
}

// Registry is the only holder of live transports.
type Registry struct {
	mu   sync.RWMutex
	live map[string]*Live
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{live: make(map[string]*Live)}
}

// Put stores l, replacing and returning any previous entry.
func (r *Registry) Put(l *Live) *Live {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.live[l.SessionID]
	r.live[l.SessionID] = l
	return prev
}

// Get returns the live connection of a session.
func (r *Registry) Get(sessionID string) (*Live, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.live[sessionID]
	return l, ok
}

// Remove deletes the entry of a session if it still belongs to epoch.
func (r *Registry) Remove(sessionID string, epoch uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.live[sessionID]
	if !ok || l.Epoch != epoch {
		return false
	}
	delete(r.live, sessionID)
	return true
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// IDs returns the sorted ids of live sessions.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// drain removes and returns every entry.
func (r *Registry) drain() []*Live {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*Live, 0, len(r.live))
	for id, l := range r.live {
		all = append(all, l)
		delete(r.live, id)
	}
	return all
}
