package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/asm0dey/relaygo/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	sent int32
	closed int32
}

func (f *fakeSession) Send(ctx context.Context, env *protocol.Envelope) error {
	atomic.AddInt32(&f.sent, 1)
	return nil
}

func (f *fakeSession) Close(reason string) error {
	atomic.AddInt32(&f.closed, 1)
	return nil
}

func TestRegistry_RegisterUnique(t *testing.T) {
	r := New()
	tun := NewTunnel("abc123", &fakeSession{})
	assert.True(t, r.Register("abc123", tun))
	assert.False(t, r.Register("abc123", NewTunnel("abc123", &fakeSession{})))
}

func TestRegistry_LookupAndHas(t *testing.T) {
	r := New()
	assert.False(t, r.Has("x"))
	_, ok := r.Lookup("x")
	assert.False(t, ok)

	tun := NewTunnel("x", &fakeSession{})
	r.Register("x", tun)
	assert.True(t, r.Has("x"))
	got, ok := r.Lookup("x")
	require.True(t, ok)
	assert.Same(t, tun, got)
}

func TestRegistry_UnregisterIdempotent(t *testing.T) {
	r := New()
	_, ok := r.Unregister("never-registered")
	assert.False(t, ok)

	tun := NewTunnel("x", &fakeSession{})
	r.Register("x", tun)

	got, ok := r.Unregister("x")
	require.True(t, ok)
	assert.Same(t, tun, got)

	_, ok = r.Unregister("x")
	assert.False(t, ok)
	assert.False(t, r.Has("x"))
}

func TestRegistry_ConcurrentRegisterUnique(t *testing.T) {
	r := New()
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Register("same", NewTunnel("same", &fakeSession{})) {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins, "exactly one registration should win under a subdomain")
}

func TestTunnel_PendingRequest_ResponseWins(t *testing.T) {
	tun := NewTunnel("x", &fakeSession{})
	p := NewPendingRequest("corr-1", time.Second)
	require.True(t, tun.RegisterPending(p))

	ok := tun.CompletePending("corr-1", &protocol.ResponsePayload{StatusCode: 200})
	assert.True(t, ok)

	// A second completion attempt must be a no-op (first writer wins).
	ok = tun.CompletePendingExceptionally("corr-1", ErrTimeout)
	assert.False(t, ok)

	result, err := p.Wait(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result.Response)
	assert.Equal(t, 200, result.Response.StatusCode)
}

func TestTunnel_PendingRequest_Timeout(t *testing.T) {
	tun := NewTunnel("x", &fakeSession{})
	p := NewPendingRequest("corr-2", 10*time.Millisecond)
	require.True(t, tun.RegisterPending(p))

	result, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, result.Err, ErrTimeout)
}

func TestTunnel_RegisterPending_DuplicateFails(t *testing.T) {
	tun := NewTunnel("x", &fakeSession{})
	p1 := NewPendingRequest("dup", time.Second)
	p2 := NewPendingRequest("dup", time.Second)
	require.True(t, tun.RegisterPending(p1))
	assert.False(t, tun.RegisterPending(p2))
	tun.Close()
}

func TestTunnel_Close_CancelsPendingAndClosesProxies(t *testing.T) {
	tun := NewTunnel("x", &fakeSession{})
	p := NewPendingRequest("corr-3", time.Second)
	require.True(t, tun.RegisterPending(p))

	tun.RegisterProxy(&ExternalProxySession{CorrelationID: "ws-1", Subdomain: "x"})

	cancelled, closed := tun.Close()
	require.Len(t, cancelled, 1)
	require.Len(t, closed, 1)
	assert.False(t, tun.Active())

	result, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, result.Err, ErrRequestCancelled)
}

func TestTunnel_RegisterPending_FailsOnceInactive(t *testing.T) {
	tun := NewTunnel("x", &fakeSession{})
	tun.Close()
	assert.False(t, tun.RegisterPending(NewPendingRequest("late", time.Second)))
}

func TestRegistry_UnregisterThenLookupNeverSeesHalfCleanedTunnel(t *testing.T) {
	r := New()
	tun := NewTunnel("race", &fakeSession{})
	r.Register("race", tun)
	p := NewPendingRequest("corr", 5*time.Second)
	require.True(t, tun.RegisterPending(p))

	removed, ok := r.Unregister("race")
	require.True(t, ok)

	// Lookup after unregister must never observe the tunnel again.
	_, stillThere := r.Lookup("race")
	assert.False(t, stillThere)

	// Only after the map mutation do we tear the tunnel down; a pending
	// request registered before removal must still be cancellable.
	cancelled, _ := removed.Close()
	require.Len(t, cancelled, 1)
}

func TestProxySession_RegisterLookupUnregister(t *testing.T) {
	tun := NewTunnel("x", &fakeSession{})
	sess := &ExternalProxySession{CorrelationID: "ws-1", Subdomain: "x"}
	tun.RegisterProxy(sess)

	got, ok := tun.GetProxy("ws-1")
	require.True(t, ok)
	assert.Same(t, sess, got)

	removed, ok := tun.UnregisterProxy("ws-1")
	require.True(t, ok)
	assert.Same(t, sess, removed)

	_, ok = tun.GetProxy("ws-1")
	assert.False(t, ok)
}
