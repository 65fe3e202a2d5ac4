package projection

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/codeready-toolchain/relay/pkg/eventlog"
)

// Committer is the single write path into log and projection. It serialises
// append+apply so that projection update order always matches log sequence
// order, and drives the periodic snapshot cadence off the commit stream.
type Committer struct {
	mu    sync.Mutex
	log   *eventlog.Log
	store *Store

	snapshotDir      string
	snapshotInterval uint64
	lastSnapshotSeq  atomic.Uint64
	snapshotting     atomic.Bool
}

// NewCommitter creates a committer. A snapshotInterval of 0 disables
// snapshotting.
func NewCommitter(log *eventlog.Log, store *Store, snapshotDir string, snapshotInterval uint64) *Committer {
	c := &Committer{
		log:              log,
		store:            store,
		snapshotDir:      snapshotDir,
		snapshotInterval: snapshotInterval,
	}
	c.lastSnapshotSeq.Store(store.AppliedSeq())
	return c
}

// Commit appends a batch and applies it to the projection atomically with
// respect to other commits. An apply failure after a durable append means the
// projection can no longer be trusted and surfaces as ErrDivergence.
func (c *Committer) Commit(records ...eventlog.Record) ([]eventlog.Event, error) {
	c.mu.Lock()
	events, err := c.log.Append(records...)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	applyErr := c.store.Apply(events...)
	c.mu.Unlock()
	if applyErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrDivergence, applyErr)
	}

	c.maybeSnapshot()
	return events, nil
}

// Store returns the projection store behind this committer.
func (c *Committer) Store() *Store {
	return c.store
}

// Log returns the event log behind this committer.
func (c *Committer) Log() *eventlog.Log {
	return c.log
}

// maybeSnapshot writes a snapshot off the commit path once enough events have
// accumulated. At most one snapshot is in flight at a time.
func (c *Committer) maybeSnapshot() {
	if c.snapshotInterval == 0 || c.snapshotDir == "" {
		return
	}
	applied := c.store.AppliedSeq()
	last := c.lastSnapshotSeq.Load()
	if applied-last < c.snapshotInterval {
		return
	}
	if !c.snapshotting.CompareAndSwap(false, true) {
		return
	}
	state, err := c.store.CopyState()
	if err != nil {
		c.snapshotting.Store(false)
		slog.Error("Snapshot state copy failed", "error", err)
		return
	}
	c.lastSnapshotSeq.Store(state.AppliedSeq)
	go func() {
		defer c.snapshotting.Store(false)
		if err := WriteSnapshot(c.snapshotDir, c.log, state); err != nil {
			slog.Error("Snapshot write failed", "sequence", state.AppliedSeq, "error", err)
		}
	}()
}
