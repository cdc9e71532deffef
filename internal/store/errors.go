package store

import "github.com/pkg/errors"

// ConnectionFailedError wraps any transport-level failure (dial, read,
// write) encountered while talking to the remote store. Cause holds the
// underlying error so callers can distinguish a plain read timeout (which
// the watcher loop treats as Recoverable-Transient) from anything else
// (Recoverable-Backoff).
type ConnectionFailedError struct {
	Cause error
}

func (e *ConnectionFailedError) Error() string {
	return "store: connection failed: " + e.Cause.Error()
}

func (e *ConnectionFailedError) Unwrap() error { return e.Cause }

// NewConnectionFailed wraps cause as a ConnectionFailedError.
func NewConnectionFailed(cause error) error {
	return errors.WithStack(&ConnectionFailedError{Cause: cause})
}

// ClusterIDChangedError is reported by Wait when the remote cluster's
// identity no longer matches what the client connected to — a resync
// trigger.
type ClusterIDChangedError struct {
	Previous, Current string
}

func (e *ClusterIDChangedError) Error() string {
	return "store: cluster id changed from " + e.Previous + " to " + e.Current
}

// EventIndexClearedError is reported by Wait when the requested
// fromIndex has aged out of the server's event history — a resync
// trigger, since it means history was missed.
type EventIndexClearedError struct {
	Requested int64
}

func (e *EventIndexClearedError) Error() string {
	return "store: event index cleared, requested index no longer available"
}

// KeyNotFoundError is reported by Get/Snapshot when the requested key
// does not exist.
type KeyNotFoundError struct {
	Key string
}

func (e *KeyNotFoundError) Error() string {
	return "store: key not found: " + e.Key
}

// IsTimeout reports whether err represents a plain read timeout on a poll
// — Recoverable-Transient in the error taxonomy, handled by rebuilding
// the connection and retrying without a resync.
func IsTimeout(err error) bool {
	var to interface{ Timeout() bool }
	if errors.As(err, &to) {
		return to.Timeout()
	}
	return false
}
