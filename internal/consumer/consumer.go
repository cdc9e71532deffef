// Package consumer implements a reference dataplane consumer wiring the
// High-Water Tracker and Path Dispatcher outputs to a trivial in-memory
// key/value map. A real agent would replace the map with something that
// drives iptables, ipset, or another external surface; this package
// exists only to exercise the reconciliation core end to end.
package consumer

import (
	"sync"

	"go.uber.org/zap"

	"github.com/nodeplane/kvreconciler/internal/hwm"
	"github.com/nodeplane/kvreconciler/internal/store"
)

// Consumer drains a snapshot and the live event stream into its map,
// using a hwm.Tracker to resolve the last-write-wins ordering between
// the two. It supplies the watcher loop's OnPreResync/OnSnapshotLoaded
// hooks and the Path Dispatcher's set/delete handlers.
type Consumer struct {
	tracker *hwm.Tracker
	logger  *zap.Logger

	mu    sync.RWMutex
	state map[string]string
}

// New builds a Consumer backed by tracker.
func New(tracker *hwm.Tracker, logger *zap.Logger) *Consumer {
	return &Consumer{
		tracker: tracker,
		logger:  logger,
		state:   make(map[string]string),
	}
}

// Get returns the current value for key and whether it is present.
func (c *Consumer) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.state[key]
	return v, ok
}

// Len returns the number of keys currently held.
func (c *Consumer) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.state)
}

// OnPreResync is the watcher loop's on_pre_resync hook: it starts
// deletion tracking before the next snapshot load, so that stale
// snapshot leaves racing a subtree delete are resolved by HWM order
// rather than arrival order.
func (c *Consumer) OnPreResync() {
	c.tracker.StartTrackingDeletions()
}

// OnSnapshotLoaded is the watcher loop's on_snapshot_loaded hook: it
// drains reader, applying each leaf through the same last-write-wins
// rule as live events, then stops deletion tracking.
func (c *Consumer) OnSnapshotLoaded(reader store.SnapshotReader, index int64) error {
	for {
		n, ok := reader.Next()
		if !ok {
			break
		}
		c.applyIfNewer(n.Key, n.Value, index)
	}
	if err := reader.Err(); err != nil {
		return err
	}
	c.tracker.StopTrackingDeletions()
	return nil
}

// HandleSet is registered against the Path Dispatcher for set-effect
// events.
func (c *Consumer) HandleSet(evt store.Event, captures map[string]string) {
	c.applyIfNewer(evt.Key, evt.Value, evt.ModifiedIndex)
}

// HandleDelete is registered against the Path Dispatcher for
// delete-effect events.
func (c *Consumer) HandleDelete(evt store.Event, captures map[string]string) {
	deleted, err := c.tracker.StoreDeletion(evt.Key, evt.ModifiedIndex)
	if err != nil {
		c.logger.Warn("failed to record deletion", zap.String("key", evt.Key), zap.Error(err))
		return
	}
	c.mu.Lock()
	for _, k := range deleted {
		delete(c.state, k)
	}
	c.mu.Unlock()
}

// applyIfNewer updates the HWT for key and, only if this write is
// strictly newer than anything already recorded for it (i.e. it is not
// shadowed by an event or deletion at the same or a later index),
// mirrors the value into state.
func (c *Consumer) applyIfNewer(key, value string, hwmIndex int64) {
	prev, hadPrev, err := c.tracker.UpdateHWM(key, hwmIndex)
	if err != nil {
		c.logger.Warn("failed to update high-water mark", zap.String("key", key), zap.Error(err))
		return
	}
	if hadPrev && prev >= hwmIndex {
		return
	}
	c.mu.Lock()
	c.state[key] = value
	c.mu.Unlock()
}
