package watch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nodeplane/kvreconciler/internal/dispatch"
	"github.com/nodeplane/kvreconciler/internal/store"
)

type timeoutError struct{}

func (timeoutError) Error() string { return "watch_test: read timeout" }
func (timeoutError) Timeout() bool { return true }

type waitResult struct {
	evt store.Event
	err error
	ok  bool
}

type fakeClient struct {
	id        string
	clusterID string

	snapshotIndex int64
	snapshotErr   error
	snapshotCalls atomic.Int32

	mu        sync.Mutex
	waitQueue []waitResult
	waitCalls []int64

	closed atomic.Bool
}

func (f *fakeClient) Snapshot(ctx context.Context, prefix string) (int64, store.SnapshotReader, error) {
	f.snapshotCalls.Add(1)
	if f.snapshotErr != nil {
		return 0, nil, f.snapshotErr
	}
	return f.snapshotIndex, &fakeSnapshotReader{}, nil
}

func (f *fakeClient) Wait(ctx context.Context, prefix string, fromIndex int64, timeout store.Timeout) (store.Event, error) {
	f.mu.Lock()
	f.waitCalls = append(f.waitCalls, fromIndex)
	var wr waitResult
	if len(f.waitQueue) > 0 {
		wr = f.waitQueue[0]
		f.waitQueue = f.waitQueue[1:]
	}
	f.mu.Unlock()

	if !wr.ok {
		<-ctx.Done()
		return store.Event{}, ctx.Err()
	}
	return wr.evt, wr.err
}

func (f *fakeClient) Get(ctx context.Context, key string) (string, error) { return "", nil }
func (f *fakeClient) ClusterID() string                                   { return f.clusterID }
func (f *fakeClient) Close() error                                        { f.closed.Store(true); return nil }

func (f *fakeClient) waitCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waitCalls)
}

func (f *fakeClient) fromIndexAt(i int) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waitCalls[i]
}

type fakeSnapshotReader struct{}

func (*fakeSnapshotReader) Next() (store.Node, bool) { return store.Node{}, false }
func (*fakeSnapshotReader) Err() error                 { return nil }
func (*fakeSnapshotReader) Close() error               { return nil }

type dialRecord struct {
	expectedClusterID string
}

func factoryOf(t *testing.T, clients ...*fakeClient) (store.ClientFactory, *[]dialRecord) {
	t.Helper()
	var mu sync.Mutex
	var calls []dialRecord
	idx := 0
	factory := func(ctx context.Context, expectedClusterID string) (store.Client, error) {
		mu.Lock()
		calls = append(calls, dialRecord{expectedClusterID: expectedClusterID})
		mu.Unlock()
		c := clients[idx]
		if idx < len(clients)-1 {
			idx++
		}
		return c, nil
	}
	return factory, &calls
}

func newTestLoop(factory store.ClientFactory, d *dispatch.Dispatcher) *Loop {
	return New(factory, d, "/calico/v1", store.Timeout{Connect: time.Second, Read: time.Second}, zap.NewNop())
}

func runAndStop(t *testing.T, l *Loop, ctx context.Context, cancel context.CancelFunc) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		l.Stop()
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not stop in time")
		}
	})
}

func TestNextIndexArithmeticAdvancesPastCollapsedRanges(t *testing.T) {
	client := &fakeClient{
		snapshotIndex: 0,
		waitQueue: []waitResult{
			{evt: store.Event{Action: "set", Key: "/a", ModifiedIndex: 5}, ok: true},
			{evt: store.Event{Action: "set", Key: "/b", ModifiedIndex: 3}, ok: true},
		},
	}
	factory, _ := factoryOf(t, client)

	var dispatched []store.Event
	var mu sync.Mutex
	d := dispatch.New()
	require.NoError(t, d.Register("/<any>", func(evt store.Event, captures map[string]string) {
		mu.Lock()
		dispatched = append(dispatched, evt)
		mu.Unlock()
	}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	l := newTestLoop(factory, d)
	runAndStop(t, l, ctx, cancel)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dispatched) == 2
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return client.waitCallCount() >= 3
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, int64(1), client.fromIndexAt(0))
	require.Equal(t, int64(6), client.fromIndexAt(1))
	require.Equal(t, int64(6), client.fromIndexAt(2))
}

func TestReadTimeoutProducesNoDispatchAndRebuildsConnection(t *testing.T) {
	client1 := &fakeClient{
		clusterID: "cluster-a",
		waitQueue: []waitResult{
			{err: timeoutError{}, ok: true},
		},
	}
	client2 := &fakeClient{clusterID: "cluster-a"}
	factory, calls := factoryOf(t, client1, client2)

	var dispatchCount atomic.Int32
	d := dispatch.New()
	require.NoError(t, d.Register("/<any>", func(evt store.Event, captures map[string]string) {
		dispatchCount.Add(1)
	}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	l := newTestLoop(factory, d)

	done := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return client2.waitCallCount() >= 1
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, int32(0), dispatchCount.Load())
	require.Equal(t, int32(1), client1.snapshotCalls.Load())
	require.Equal(t, int32(0), client2.snapshotCalls.Load())
	require.True(t, client1.closed.Load())
	require.Len(t, *calls, 2)

	l.Stop()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop in time")
	}
	require.True(t, client2.closed.Load(), "replacement connection must be closed when the loop stops")
}

func TestClusterIDChangeRaisesResyncWithoutDispatch(t *testing.T) {
	client1 := &fakeClient{
		clusterID: "cluster-a",
		waitQueue: []waitResult{
			{err: &store.ClusterIDChangedError{Previous: "cluster-a", Current: "cluster-b"}, ok: true},
		},
	}
	client2 := &fakeClient{clusterID: "cluster-b"}
	factory, calls := factoryOf(t, client1, client2)

	var dispatchCount atomic.Int32
	var preResyncCount atomic.Int32
	d := dispatch.New()
	require.NoError(t, d.Register("/<any>", func(evt store.Event, captures map[string]string) {
		dispatchCount.Add(1)
	}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	l := newTestLoop(factory, d)
	l.OnPreResync = func() { preResyncCount.Add(1) }
	runAndStop(t, l, ctx, cancel)

	require.Eventually(t, func() bool {
		return client2.snapshotCalls.Load() >= 1
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, int32(0), dispatchCount.Load())
	require.Equal(t, int32(2), preResyncCount.Load())
	require.Equal(t, int32(1), client1.snapshotCalls.Load())
	require.Len(t, *calls, 2)
	require.Equal(t, "", (*calls)[1].expectedClusterID)
}

func TestCarryClusterIDOnReconnectPassesObservedIdentity(t *testing.T) {
	client1 := &fakeClient{clusterID: "cluster-a"}
	client2 := &fakeClient{clusterID: "cluster-a"}
	factory, calls := factoryOf(t, client1, client2)

	d := dispatch.New()
	ctx, cancel := context.WithCancel(context.Background())
	l := newTestLoop(factory, d)
	l.CarryClusterIDOnReconnect = true
	l.RequestResync()
	runAndStop(t, l, ctx, cancel)

	require.Eventually(t, func() bool {
		return client2.waitCallCount() >= 1
	}, time.Second, 5*time.Millisecond)

	require.Len(t, *calls, 2)
	require.Equal(t, "", (*calls)[0].expectedClusterID)
	require.Equal(t, "cluster-a", (*calls)[1].expectedClusterID)
}

func TestStopIsObservedBetweenPollsAfterDispatch(t *testing.T) {
	client := &fakeClient{
		waitQueue: []waitResult{
			{evt: store.Event{Action: "set", Key: "/a", ModifiedIndex: 1}, ok: true},
		},
	}
	factory, _ := factoryOf(t, client)

	var dispatchCount atomic.Int32
	d := dispatch.New()
	require.NoError(t, d.Register("/<any>", func(evt store.Event, captures map[string]string) {
		dispatchCount.Add(1)
	}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	l := newTestLoop(factory, d)

	done := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return dispatchCount.Load() == 1
	}, time.Second, 5*time.Millisecond)

	l.Stop()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop in time")
	}
	require.Equal(t, StateStopped, l.State())
}
