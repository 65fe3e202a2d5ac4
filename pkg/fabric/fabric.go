package fabric

import (
	"context"
	"sync"
	"time"

	"github.com/codeready-toolchain/relay/pkg/models"
)

// Fabric owns the per-agent inboxes.
type Fabric struct {
	mu       sync.RWMutex
	inboxes  map[string]*Inbox
	capacity int

	// observeWake, when set, receives the enqueue-to-drain latency of every
	// delivered notification.
	observeWake func(time.Duration)
}

// New creates a fabric whose inboxes hold up to capacity notifications.
func New(capacity int) *Fabric {
	return &Fabric{
		inboxes:  make(map[string]*Inbox),
		capacity: capacity,
	}
}

// SetWakeObserver installs a latency observer. Call before serving traffic.
func (f *Fabric) SetWakeObserver(fn func(time.Duration)) {
	f.observeWake = fn
}

// inbox returns the agent's inbox, creating it on first use.
func (f *Fabric) inbox(agent string) *Inbox {
	f.mu.RLock()
	in, ok := f.inboxes[agent]
	f.mu.RUnlock()
	if ok {
		return in
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if in, ok = f.inboxes[agent]; ok {
		return in
	}
	in = newInbox(f.capacity)
	f.inboxes[agent] = in
	return in
}

// Enqueue queues a notification for an agent and signals its waiter.
func (f *Fabric) Enqueue(agent string, n models.Notification) {
	f.inbox(agent).enqueue(n, time.Now())
}

// Wait blocks until the agent has notifications, up to maxWait. Returns the
// drained items and whether the inbox overflowed since the last drain (the
// catch-up hint: the agent missed items and should reconcile by reading the
// affected elicitations directly).
func (f *Fabric) Wait(ctx context.Context, agent string, maxWait time.Duration) ([]models.Notification, bool, error) {
	return f.inbox(agent).wait(ctx, maxWait, f.observeWake)
}

// Stats summarises fabric occupancy for health reporting.
type Stats struct {
	Inboxes int `json:"inboxes"`
	Queued  int `json:"queued"`
}

// Stats returns current occupancy.
func (f *Fabric) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s := Stats{Inboxes: len(f.inboxes)}
	for _, in := range f.inboxes {
		s.Queued += in.depth()
	}
	return s
}
