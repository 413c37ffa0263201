package mailbox

import (
	"testing"
	"time"

	"github.com/oshpc/laasd/pkg/storage"
	"github.com/oshpc/laasd/pkg/types"
	"github.com/stretchr/testify/require"
)

func seedInstance(t *testing.T, db *storage.DB, instanceID string) {
	t.Helper()
	require.NoError(t, db.Update(func(tx *storage.Tx) error {
		return storage.Instances.Put(tx, types.Instance{ID: instanceID, AggregateID: "agg-1"})
	}))
}

func TestPushThenWaitDeliversQueuedMessage(t *testing.T) {
	mb := New()
	ep := NewEndpoint("inst-1")

	mb.Push(ep, "hello")

	r := mb.WaiterFor(ep)
	res := r.WaitNext(time.Second)
	require.NoError(t, res.Err)
	require.Equal(t, "hello", res.Msg.Body)
}

func TestWaitThenPushWakesWaiter(t *testing.T) {
	mb := New()
	ep := NewEndpoint("inst-1")
	r := mb.WaiterFor(ep)

	done := make(chan Result, 1)
	go func() { done <- r.WaitNext(time.Second) }()

	time.Sleep(20 * time.Millisecond)
	mb.Push(ep, "later")

	select {
	case res := <-done:
		require.NoError(t, res.Err)
		require.Equal(t, "later", res.Msg.Body)
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestWaitNextTimesOutWithNoPush(t *testing.T) {
	mb := New()
	ep := NewEndpoint("inst-1")
	r := mb.WaiterFor(ep)

	res := r.WaitNext(10 * time.Millisecond)
	require.ErrorIs(t, res.Err, ErrTimeout)
}

// FIFO per endpoint: pushes are delivered to successive WaitNext calls
// in the order they were pushed.
func TestMessagesAreFIFOPerEndpoint(t *testing.T) {
	mb := New()
	ep := NewEndpoint("inst-1")

	mb.Push(ep, "first")
	mb.Push(ep, "second")

	r := mb.WaiterFor(ep)
	first := r.WaitNext(time.Second)
	second := r.WaitNext(time.Second)

	require.Equal(t, "first", first.Msg.Body)
	require.Equal(t, "second", second.Msg.Body)
}

// P7: two successive registrations for the same instance/usage produce
// endpoints with distinct tokens, and a push bearing the stale token
// never wakes the new receiver.
func TestSetEndpointHookP7StaleTokenNeverWakesNewReceiver(t *testing.T) {
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	seedInstance(t, db, "inst-1")

	mb := New()
	hooks := NewHooks(db, mb)

	oldReceiver, err := hooks.SetEndpointHook("inst-1", "post_image")
	require.NoError(t, err)
	staleEndpoint := oldReceiver.Endpoint()

	newReceiver, err := hooks.SetEndpointHook("inst-1", "post_image")
	require.NoError(t, err)
	require.NotEqual(t, staleEndpoint.Token, newReceiver.Endpoint().Token)

	// A push bearing the stale token lands on the stale endpoint, which
	// nothing is waiting on anymore via the hooks-returned endpoint.
	mb.Push(staleEndpoint, "late callback")

	res := newReceiver.WaitNext(15 * time.Millisecond)
	require.ErrorIs(t, res.Err, ErrTimeout)
}

func TestReceiverReleaseTearsDownEndpoint(t *testing.T) {
	mb := New()
	ep := NewEndpoint("inst-1")
	r := mb.WaiterFor(ep)
	r.Release()

	mb.mu.Lock()
	_, present := mb.endpoints[ep]
	mb.mu.Unlock()
	require.False(t, present)
}

func TestPeekAndPop(t *testing.T) {
	mb := New()
	ep := NewEndpoint("inst-1")
	mb.Push(ep, "one")

	peeked, ok := mb.Peek(ep)
	require.True(t, ok)
	require.Equal(t, "one", peeked.Body)

	popped, ok := mb.Pop(ep)
	require.True(t, ok)
	require.Equal(t, "one", popped.Body)

	_, ok = mb.Peek(ep)
	require.False(t, ok)
}
