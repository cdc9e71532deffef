package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nodeplane/kvreconciler/internal/store"
)

func TestRegisteredPatternInvokesSetHandlerWithCaptures(t *testing.T) {
	d := New()
	var gotEvt store.Event
	var gotCaptures map[string]string
	calls := 0
	require.NoError(t, d.Register("/v1/profile/<prof>/tags", func(evt store.Event, captures map[string]string) {
		calls++
		gotEvt = evt
		gotCaptures = captures
	}, nil))

	evt := store.Event{Action: "update", Key: "/v1/profile/prof1/tags", Value: "a,b", ModifiedIndex: 9}
	d.HandleEvent(evt)

	require.Equal(t, 1, calls)
	require.Equal(t, evt, gotEvt)
	require.Equal(t, map[string]string{"prof": "prof1"}, gotCaptures)
}

func TestNonMatchingKeyInvokesNothing(t *testing.T) {
	d := New()
	calls := 0
	require.NoError(t, d.Register("/v1/profile/<prof>/tags", func(evt store.Event, captures map[string]string) {
		calls++
	}, nil))

	d.HandleEvent(store.Event{Action: "update", Key: "/v1/host/h1/labels", ModifiedIndex: 1})
	require.Equal(t, 0, calls)
}

func TestDeleteEffectInvokesDeleteHandlerOnly(t *testing.T) {
	d := New()
	setCalls, delCalls := 0, 0
	require.NoError(t, d.Register("/v1/profile/<prof>/tags",
		func(evt store.Event, captures map[string]string) { setCalls++ },
		func(evt store.Event, captures map[string]string) { delCalls++ }))

	d.HandleEvent(store.Event{Action: "delete", Key: "/v1/profile/prof1/tags", ModifiedIndex: 2})
	require.Equal(t, 0, setCalls)
	require.Equal(t, 1, delCalls)
}

func TestUnmappedActionIsDropped(t *testing.T) {
	d := New()
	calls := 0
	require.NoError(t, d.Register("/v1/profile/<prof>/tags", func(evt store.Event, captures map[string]string) {
		calls++
	}, nil))

	d.HandleEvent(store.Event{Action: "refresh", Key: "/v1/profile/prof1/tags", ModifiedIndex: 3})
	require.Equal(t, 0, calls)
}

func TestLiteralChildWinsOverCaptureAtSameLevel(t *testing.T) {
	d := New()
	var matched string
	require.NoError(t, d.Register("/v1/profile/<prof>/tags", func(evt store.Event, captures map[string]string) {
		matched = "capture"
	}, nil))
	require.NoError(t, d.Register("/v1/profile/default/tags", func(evt store.Event, captures map[string]string) {
		matched = "literal"
	}, nil))

	d.HandleEvent(store.Event{Action: "set", Key: "/v1/profile/default/tags", ModifiedIndex: 1})
	require.Equal(t, "literal", matched)

	matched = ""
	d.HandleEvent(store.Event{Action: "set", Key: "/v1/profile/other/tags", ModifiedIndex: 2})
	require.Equal(t, "capture", matched)
}

func TestRegisterRejectsConflictingCaptureNameAtSamePosition(t *testing.T) {
	d := New()
	require.NoError(t, d.Register("/v1/profile/<prof>/tags", func(store.Event, map[string]string) {}, nil))
	err := d.Register("/v1/profile/<name>/labels", func(store.Event, map[string]string) {}, nil)
	require.Error(t, err)
	var conflict *RegistrationConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "prof", conflict.Existing)
	require.Equal(t, "name", conflict.Got)
}
