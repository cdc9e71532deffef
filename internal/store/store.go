// Package store defines the contract the watcher loop requires of a
// remote hierarchical key/value store, along with the wire-level types
// (events, actions, error kinds) shared by every component that talks to
// it. Concrete clients — such as internal/store/http — are external
// collaborators that satisfy this contract; the reconciliation core only
// ever depends on the interfaces defined here.
package store

import (
	"context"
	"time"
)

// Timeout bundles the per-poll connect and read deadlines, mirroring the
// two-phase timeout (connect ~10s, read ~90s) the watcher loop applies to
// every long poll.
type Timeout struct {
	Connect time.Duration
	Read    time.Duration
}

// DefaultTimeout is the watcher loop's default poll timeout budget.
var DefaultTimeout = Timeout{
	Connect: 10 * time.Second,
	Read:    90 * time.Second,
}

// Node is a single (key, value) leaf produced while draining a snapshot.
type Node struct {
	Key   string
	Value string
}

// Event describes a single change observed by Wait.
type Event struct {
	Action        string
	Key           string
	Value         string
	ModifiedIndex int64
}

// Effect is the canonical action mapping from store.Event.Action onto the
// two effects the Path Dispatcher understands.
type Effect int

const (
	EffectNone Effect = iota
	EffectSet
	EffectDelete
)

var actionEffects = map[string]Effect{
	"set":              EffectSet,
	"create":           EffectSet,
	"update":           EffectSet,
	"compareAndSwap":   EffectSet,
	"delete":           EffectDelete,
	"compareAndDelete": EffectDelete,
	"expire":           EffectDelete,
}

// EffectOf maps a raw store action onto its canonical effect. Actions not
// present in the table map to EffectNone and are dropped by the
// dispatcher.
func EffectOf(action string) Effect {
	return actionEffects[action]
}

// SnapshotReader is a lazy, single-pass, non-restartable sequence of
// snapshot leaves. Next returns false once the snapshot is exhausted or a
// TransportFailure occurred; callers must check Err after a false return.
type SnapshotReader interface {
	Next() (Node, bool)
	Err() error
	Close() error
}

// Client is the remote-store contract the watcher loop is built against.
// A concrete implementation owns its own connection lifecycle: Snapshot
// and Wait may each be called many times across the agent's lifetime, and
// the loop is responsible for closing whatever SnapshotReader it receives.
type Client interface {
	// Snapshot performs a recursive read of prefix and returns the
	// generation index at which it was taken, plus a lazy reader over its
	// leaves.
	Snapshot(ctx context.Context, prefix string) (index int64, reader SnapshotReader, err error)

	// Wait performs a long poll for the next change under prefix at or
	// after fromIndex.
	Wait(ctx context.Context, prefix string, fromIndex int64, timeout Timeout) (Event, error)

	// Get performs a single non-recursive read, used for the Ready-key
	// gate.
	Get(ctx context.Context, key string) (string, error)

	// ClusterID returns the identity of the cluster this client last
	// talked to, or "" if unknown. The watcher loop uses it to carry
	// cluster identity across a reconnect when configured to do so.
	ClusterID() string

	// Close releases any resources held by the client (connections,
	// goroutines). Reconnect is modeled by discarding a Client and
	// constructing a new one.
	Close() error
}

// ClientFactory constructs a fresh Client for a Connecting transition.
// expectedClusterID, when non-empty, asks the factory to validate that
// the remote cluster's identity still matches it; an empty string means
// "start fresh, don't validate" — the two policies spec.md §4.E calls
// out for the Connecting transition.
type ClientFactory func(ctx context.Context, expectedClusterID string) (Client, error)
