// Package dispatch implements the Path Dispatcher: a parameterized trie of
// URL-style patterns that routes a remote-store event to the handler
// registered for its key, binding any capture segments along the way.
package dispatch

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/nodeplane/kvreconciler/internal/store"
)

// SetHandler is invoked for a set-effect event matched against a
// registered pattern, along with the segment bindings captured along the
// path. Handlers run synchronously on the watcher's goroutine and must not
// block indefinitely.
type SetHandler func(evt store.Event, captures map[string]string)

// DeleteHandler is invoked for a delete-effect event matched against a
// registered pattern.
type DeleteHandler func(evt store.Event, captures map[string]string)

// RegistrationConflictError is returned by Register when two patterns
// disagree about the capture name at the same position in the trie.
type RegistrationConflictError struct {
	Pattern  string
	Existing string
	Got      string
}

func (e *RegistrationConflictError) Error() string {
	return "dispatch: conflicting capture name in pattern " + e.Pattern +
		": existing=" + e.Existing + " got=" + e.Got
}

type captureEdge struct {
	name string
	node *node
}

type node struct {
	literal map[string]*node
	capture *captureEdge
	onSet   SetHandler
	onDel   DeleteHandler
}

func newNode() *node {
	return &node{literal: map[string]*node{}}
}

// Dispatcher routes events to registered handlers by matching their key
// against a trie of patterns built once at startup. Once construction is
// finished it is read-only and safe to call from the single watcher
// goroutine that owns the event loop.
type Dispatcher struct {
	root *node
}

// New returns an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{root: newNode()}
}

// Register adds a route for pattern, which is a slash-separated path where
// any segment of the form "<name>" is a capture. A pattern may register
// either or both of onSet/onDelete. Registering two patterns whose capture
// names disagree at the same trie position fails with
// RegistrationConflictError.
func (d *Dispatcher) Register(pattern string, onSet SetHandler, onDelete DeleteHandler) error {
	parts := strings.Split(strings.Trim(pattern, "/"), "/")
	n := d.root
	for _, part := range parts {
		if len(part) >= 2 && part[0] == '<' && part[len(part)-1] == '>' {
			name := part[1 : len(part)-1]
			if n.capture == nil {
				n.capture = &captureEdge{name: name, node: newNode()}
			} else if n.capture.name != name {
				return errors.WithStack(&RegistrationConflictError{
					Pattern:  pattern,
					Existing: n.capture.name,
					Got:      name,
				})
			}
			n = n.capture.node
		} else {
			child, ok := n.literal[part]
			if !ok {
				child = newNode()
				n.literal[part] = child
			}
			n = child
		}
	}
	if onSet != nil {
		n.onSet = onSet
	}
	if onDelete != nil {
		n.onDel = onDelete
	}
	return nil
}

// HandleEvent routes evt to its matching handler, if any. Keys that don't
// match any registered pattern, and actions that map to neither set nor
// delete, are silently dropped — this is not an error.
func (d *Dispatcher) HandleEvent(evt store.Event) {
	parts := strings.Split(strings.Trim(evt.Key, "/"), "/")
	n := d.root
	captures := make(map[string]string, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		if child, ok := n.literal[part]; ok {
			// Literal match always wins over a capture at the same level.
			n = child
			continue
		}
		if n.capture != nil {
			captures[n.capture.name] = part
			n = n.capture.node
			continue
		}
		return
	}

	switch store.EffectOf(evt.Action) {
	case store.EffectSet:
		if n.onSet != nil {
			n.onSet(evt, captures)
		}
	case store.EffectDelete:
		if n.onDel != nil {
			n.onDel(evt, captures)
		}
	}
}
