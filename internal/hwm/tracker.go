// Package hwm implements the High-Water Tracker: per-key monotonic index
// bookkeeping that makes snapshot ingestion and live event processing
// commute, regardless of the order in which they happen to race.
package hwm

import (
	"github.com/nodeplane/kvreconciler/internal/key"
	"github.com/nodeplane/kvreconciler/internal/radix"
)

// noDeletion is the sentinel used for latestDeletion before any deletion
// has ever been recorded. It must compare less than any real HWM, all of
// which are required by contract to be strictly greater than zero.
const noDeletion int64 = -1

// Tracker holds the HighWaterTracker state described by the design: a
// mapping from encoded key to the highest index observed for it, plus an
// optional, bounded-lifetime deletion index used while a snapshot is being
// ingested. A Tracker is owned by, and mutated exclusively from, a single
// goroutine (the reconciler); none of its operations are safe to call
// concurrently.
type Tracker struct {
	hwms           *radix.Tree[byte, int64]
	deletionHWMs   *radix.Tree[byte, int64]
	latestDeletion int64
}

// New returns an empty Tracker with deletion tracking off.
func New() *Tracker {
	return &Tracker{
		hwms:           radix.New[byte, int64](),
		latestDeletion: noDeletion,
	}
}

// StartTrackingDeletions allocates the deletion index. Calling it again
// while already tracking discards whatever deletions were previously
// recorded, resetting latestDeletion to "none".
func (t *Tracker) StartTrackingDeletions() {
	t.deletionHWMs = radix.New[byte, int64]()
	t.latestDeletion = noDeletion
}

// StopTrackingDeletions releases the deletion index. Callers must not
// feed it any more pre-snapshot events afterwards.
func (t *Tracker) StopTrackingDeletions() {
	t.deletionHWMs = nil
	t.latestDeletion = noDeletion
}

// TrackingDeletions reports whether deletion tracking is currently active.
func (t *Tracker) TrackingDeletions() bool {
	return t.deletionHWMs != nil
}

// UpdateHWM records that key was observed at index hwm, unless a later
// deletion of key or one of its ancestors has already shadowed it. It
// returns the key's previous HWM (or the deletion HWM that shadowed this
// update) and whether one existed.
func (t *Tracker) UpdateHWM(k string, hwm int64) (prev int64, hadPrev bool, err error) {
	enc, err := key.Encode(k)
	if err != nil {
		return 0, false, err
	}
	ek := []byte(enc)

	if t.deletionHWMs != nil && hwm < t.latestDeletion {
		if _, delHWM, ok := t.deletionHWMs.Root().LongestPrefix(ek); ok && delHWM > hwm {
			return delHWM, true, nil
		}
	}

	old, had := t.hwms.Get(ek)
	if !had || old < hwm {
		t.hwms, _, _ = t.hwms.Insert(ek, hwm)
	}
	return old, had, nil
}

// StoreDeletion records that key (or the subtree rooted at key) was
// deleted at index hwm, and evicts every currently-known key in that
// subtree from hwms. It returns the decoded form of every key it evicted.
func (t *Tracker) StoreDeletion(k string, hwm int64) ([]string, error) {
	enc, err := key.Encode(k)
	if err != nil {
		return nil, err
	}
	ek := []byte(enc)

	if hwm > t.latestDeletion {
		t.latestDeletion = hwm
	}
	if t.deletionHWMs != nil {
		t.deletionHWMs, _, _ = t.deletionHWMs.Insert(ek, hwm)
	}

	var deleted []string
	t.hwms.Root().WalkPrefix(ek, func(leafKey []byte, _ int64) bool {
		deleted = append(deleted, key.Decode(string(leafKey)))
		return false
	})
	if len(deleted) > 0 {
		t.hwms, _ = t.hwms.DeletePrefix(ek)
	}
	return deleted, nil
}

// RemoveOldKeys deletes and returns every key whose stored HWM is strictly
// less than hwmLimit. It must only be called while deletion tracking is
// off.
func (t *Tracker) RemoveOldKeys(hwmLimit int64) ([]string, error) {
	if t.deletionHWMs != nil {
		return nil, ErrDeletionTrackingActive
	}

	var old []string
	t.hwms.Root().Walk(func(leafKey []byte, v int64) bool {
		if v < hwmLimit {
			old = append(old, key.Decode(string(leafKey)))
		}
		return false
	})

	for _, k := range old {
		enc, err := key.Encode(k)
		if err != nil {
			return nil, err
		}
		t.hwms, _, _ = t.hwms.Delete([]byte(enc))
	}
	return old, nil
}

// Len reports the number of keys currently tracked in hwms.
func (t *Tracker) Len() int {
	return t.hwms.Len()
}
