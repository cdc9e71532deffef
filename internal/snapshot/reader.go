// Package snapshot implements the Streamed Snapshot Reader: a lazy,
// single-pass sequence of (key, value) leaves pulled out of a very large
// recursive dump without ever buffering it in full.
//
// The underlying parser (github.com/json-iterator/go) is callback-driven,
// so to get the pull-based iterator the design calls for, parsing runs on
// its own goroutine that pushes leaves onto a small buffered channel — the
// Go equivalent of the generator the system this is distilled from uses.
package snapshot

import (
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/nodeplane/kvreconciler/internal/store"
)

// TransportFailureError wraps any I/O or malformed-stream error
// encountered while draining a snapshot. The watcher loop classifies it
// as a resync trigger.
type TransportFailureError struct {
	Cause error
}

func (e *TransportFailureError) Error() string {
	return "snapshot: transport failure: " + e.Cause.Error()
}

func (e *TransportFailureError) Unwrap() error { return e.Cause }

const leafChanBuffer = 64

// Reader implements store.SnapshotReader over an io.ReadCloser carrying a
// JSON document shaped like nested {"node": {...}} objects, each
// potentially carrying "key" and "value" string fields plus further
// nested "node"/"nodes" children. A frame is emitted as a leaf exactly
// when it accumulated both "key" and "value" before being closed.
type Reader struct {
	body io.ReadCloser

	leaves chan store.Node
	done   chan struct{}
	err    error
}

// New starts streaming body on a dedicated goroutine and returns a Reader
// ready for pull-based consumption via Next. Closing the returned Reader
// also closes body.
func New(body io.ReadCloser) *Reader {
	r := &Reader{
		body:   body,
		leaves: make(chan store.Node, leafChanBuffer),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

type frame struct {
	key      string
	value    string
	hasKey   bool
	hasValue bool
}

func (r *Reader) run() {
	defer close(r.leaves)

	iter := jsoniter.Parse(jsoniter.ConfigDefault, r.body, 4096)
	var walk func() error
	walk = func() error {
		var f frame
		ok := iter.ReadObjectCB(func(it *jsoniter.Iterator, field string) bool {
			switch field {
			case "key":
				f.key = it.ReadString()
				f.hasKey = true
			case "value":
				f.value = it.ReadString()
				f.hasValue = true
			case "node":
				if err := walk(); err != nil {
					it.ReportError("walk", err.Error())
					return false
				}
			case "nodes":
				it.ReadArrayCB(func(it *jsoniter.Iterator) bool {
					return walk() == nil
				})
			default:
				it.Skip()
			}
			return true
		})
		if !ok {
			return iter.Error
		}
		if f.hasKey && f.hasValue {
			select {
			case r.leaves <- store.Node{Key: f.key, Value: f.value}:
			case <-r.done:
				return errStopped
			}
		}
		return nil
	}

	if err := walk(); err != nil && err != errStopped && !errors.Is(err, io.EOF) {
		r.err = errors.WithStack(&TransportFailureError{Cause: err})
	}
}

var errStopped = errors.New("snapshot: reader closed before stream drained")

// Next blocks until the next leaf is available, returning false once the
// stream is exhausted (check Err) or a TransportFailure occurred.
func (r *Reader) Next() (store.Node, bool) {
	n, ok := <-r.leaves
	return n, ok
}

// Err returns the terminal error, if any, once Next has returned false.
func (r *Reader) Err() error {
	return r.err
}

// Close stops the background parse (if still running) and closes the
// underlying body.
func (r *Reader) Close() error {
	close(r.done)
	return r.body.Close()
}
