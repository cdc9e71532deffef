// Package watch implements the Watcher Loop: the state machine that owns
// a remote-store connection, turns its initial snapshot plus long-poll
// events into a single ordered stream, and drives the Path Dispatcher
// with it. It is the only component that performs network I/O or blocks.
package watch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	uuid "github.com/hashicorp/go-uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nodeplane/kvreconciler/internal/dispatch"
	"github.com/nodeplane/kvreconciler/internal/store"
)

// State is one of the watcher loop's state-machine states, exposed for
// introspection and tests. It is never used by the loop itself for
// control flow — the loop's control flow is plain Go, matching the
// states only by convention.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateSnapshotting
	StatePolling
	StateResyncing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSnapshotting:
		return "snapshotting"
	case StatePolling:
		return "polling"
	case StateResyncing:
		return "resyncing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Loop drives a single remote-store connection through Connecting,
// Snapshotting and Polling, dispatching every observed change to a
// dispatch.Dispatcher. It is not safe to call Run from more than one
// goroutine; everything else (Stop, RequestResync, State) is.
type Loop struct {
	factory    store.ClientFactory
	dispatcher *dispatch.Dispatcher
	prefix     string
	timeout    store.Timeout
	logger     *zap.Logger

	// CarryClusterIDOnReconnect controls the Connecting transition's
	// identity policy: true asks the factory to validate the previously
	// observed cluster identity, false starts fresh. Defaults to false,
	// matching the reconciler this loop is modeled on, which always
	// starts a fresh identity check before a full resync.
	CarryClusterIDOnReconnect bool

	// OnPreResync is called before the snapshot load of every
	// Connecting → Snapshotting transition. Consumers use it to start
	// deletion tracking.
	OnPreResync func()

	// OnSnapshotLoaded is called once the snapshot stream is ready for
	// draining. Returning an error aborts this attempt and restarts the
	// loop from Connecting. Consumers use it to drain the snapshot and
	// stop deletion tracking.
	OnSnapshotLoaded func(reader store.SnapshotReader, index int64) error

	state  atomic.Int32
	stop   atomic.Bool
	resync atomic.Bool

	lastClusterID string
}

// New builds a Loop that watches prefix and dispatches through d.
func New(factory store.ClientFactory, d *dispatch.Dispatcher, prefix string, timeout store.Timeout, logger *zap.Logger) *Loop {
	return &Loop{
		factory:    factory,
		dispatcher: d,
		prefix:     prefix,
		timeout:    timeout,
		logger:     logger,
	}
}

// State returns the loop's current state-machine state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
}

// Stop requests that the loop return at its next safe point: between
// polls or between dispatched events. It does not forcibly abort
// in-flight I/O; the worst-case delay is one read timeout.
func (l *Loop) Stop() {
	l.stop.Store(true)
}

// RequestResync asks the loop to discard its current connection and
// HWT-adjacent state and restart from a fresh snapshot. The request is
// checked before each poll, so it takes effect once the in-flight poll
// (if any) returns; that poll is not interrupted.
func (l *Loop) RequestResync() {
	l.resync.Store(true)
}

// WaitForReady polls key via getter until it reads "true", sleeping
// delay between attempts. Any error or absent key counts as not ready
// and is logged at Debug, not surfaced to the caller — it is expected
// during orchestrator start-up races.
func WaitForReady(ctx context.Context, client store.Client, key string, delay time.Duration, logger *zap.Logger) error {
	for {
		val, err := client.Get(ctx, key)
		if err == nil && val == "true" {
			return nil
		}
		if err != nil {
			logger.Debug("readiness check failed, retrying", zap.String("key", key), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Run drives the state machine until Stop is called or ctx is done. It
// always returns nil on a clean stop; a cancelled ctx surfaces as its
// Err.
func (l *Loop) Run(ctx context.Context) error {
	l.setState(StateIdle)
	for {
		if l.stop.Load() {
			l.setState(StateStopped)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		l.setState(StateConnecting)
		expected := ""
		if l.CarryClusterIDOnReconnect {
			expected = l.lastClusterID
		}
		client, err := l.dialWithBackoff(ctx, expected)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Stop was observed mid-backoff; loop around to report it.
			continue
		}

		client = l.runCycle(ctx, client)
		l.lastClusterID = client.ClusterID()
		_ = client.Close()
	}
}

// dialWithBackoff retries factory calls with a capped constant backoff
// until one succeeds, ctx is cancelled, or Stop is observed.
func (l *Loop) dialWithBackoff(ctx context.Context, expectedClusterID string) (store.Client, error) {
	b := backoff.WithContext(newReconnectBackoff(), ctx)
	for {
		if l.stop.Load() {
			return nil, errStopped
		}
		client, err := l.factory(ctx, expectedClusterID)
		if err == nil {
			return client, nil
		}
		l.logger.Warn("failed to connect to remote store, retrying", zap.Error(err))
		d := b.NextBackOff()
		if d == backoff.Stop {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
	}
}

func newReconnectBackoff() backoff.BackOff {
	b := backoff.NewConstantBackOff(time.Second)
	return b
}

var errStopped = errors.New("watch: stopped while reconnecting")

// runCycle runs one full Connecting → Snapshotting → Polling attempt,
// returning control to Run (for a fresh Connecting transition) on a
// resync trigger, a stop request, or any error that invalidates the
// current connection beyond what a plain reconnect can fix.
func (l *Loop) runCycle(ctx context.Context, client store.Client) store.Client {
	sessionID, err := uuid.GenerateUUID()
	if err != nil {
		sessionID = "unknown"
	}
	logger := l.logger.With(zap.String("session", sessionID))

	if l.OnPreResync != nil {
		l.OnPreResync()
	}

	l.setState(StateSnapshotting)
	index, reader, err := client.Snapshot(ctx, l.prefix)
	if err != nil {
		logger.Warn("failed to load snapshot, restarting", zap.Error(err))
		return client
	}

	if l.OnSnapshotLoaded != nil {
		if err := l.OnSnapshotLoaded(reader, index); err != nil {
			logger.Warn("failed to process snapshot, restarting", zap.Error(err))
			_ = reader.Close()
			return client
		}
	}
	_ = reader.Close()

	nextIndex := index + 1
	l.setState(StatePolling)

	for {
		if l.stop.Load() {
			l.setState(StateStopped)
			return client
		}
		if l.resync.CompareAndSwap(true, false) {
			logger.Info("resync requested, restarting from snapshot", zap.Int64("next_index", nextIndex))
			l.setState(StateResyncing)
			return client
		}

		evt, err := client.Wait(ctx, l.prefix, nextIndex, l.timeout)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return client
			case store.IsTimeout(err):
				logger.Debug("poll read timed out, rebuilding connection", zap.Int64("next_index", nextIndex))
				nc, cerr := l.factory(ctx, client.ClusterID())
				if cerr != nil {
					logger.Warn("failed to rebuild connection after timeout", zap.Error(cerr))
					return client
				}
				_ = client.Close()
				client = nc
				continue
			case isResyncError(err):
				logger.Warn("out of sync with remote store, resyncing", zap.Error(err))
				l.setState(StateResyncing)
				return client
			case isConnectionFailed(err):
				logger.Warn("connection to remote store failed, backing off", zap.Error(err))
				select {
				case <-ctx.Done():
					return client
				case <-time.After(time.Second):
				}
				nc, cerr := l.factory(ctx, client.ClusterID())
				if cerr != nil {
					logger.Warn("failed to reconnect after connection failure", zap.Error(cerr))
					return client
				}
				_ = client.Close()
				client = nc
				continue
			default:
				logger.Warn("unexpected remote-store error, resyncing", zap.Error(err))
				l.setState(StateResyncing)
				return client
			}
		}

		if evt.ModifiedIndex+1 > nextIndex {
			nextIndex = evt.ModifiedIndex + 1
		}

		if l.stop.Load() {
			l.setState(StateStopped)
			return client
		}
		l.dispatcher.HandleEvent(evt)
	}
}

func isResyncError(err error) bool {
	var clusterErr *store.ClusterIDChangedError
	var idxErr *store.EventIndexClearedError
	return errors.As(err, &clusterErr) || errors.As(err, &idxErr)
}

func isConnectionFailed(err error) bool {
	var cf *store.ConnectionFailedError
	return errors.As(err, &cf)
}
