package hwm

import "github.com/pkg/errors"

// ErrDeletionTrackingActive is returned by RemoveOldKeys when deletion
// tracking is still on; the sweep is only meaningful once snapshot
// ingestion (and therefore deletion tracking) has finished.
var ErrDeletionTrackingActive = errors.New("hwm: RemoveOldKeys called while deletion tracking is active")
