package registry

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/chatrelay/metrics"
)

type fakeHandle struct {
	mu      sync.Mutex
	frames  [][]string
	closed  atomic.Bool
	err     error
	panics  bool
	release chan struct{} // when set, WriteLines blocks until closed
}

func (h *fakeHandle) WriteLines(lines ...string) error {
	if h.panics {
		panic("broken handle")
	}
	if h.release != nil {
		<-h.release
	}
	if h.err != nil {
		return h.err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, append([]string(nil), lines...))
	return nil
}

func (h *fakeHandle) IsClosed() bool { return h.closed.Load() }

func (h *fakeHandle) received() [][]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]string(nil), h.frames...)
}

// checkConsistent asserts both mappings hold the same ids with the same identity.
func checkConsistent(t *testing.T, r *Registry) {
	t.Helper()
	r.mu.RLock()
	defer r.mu.RUnlock()
	require.Equal(t, len(r.identities), len(r.handles))
	for id, identity := range r.identities {
		_, ok := r.handles[id]
		require.True(t, ok, "id %d missing from handle mapping", id)
		require.Equal(t, id, identity.ID)
	}
}

func TestRegistry_RegisterLookupRemove(t *testing.T) {
	r := New(nil, nil)
	h := &fakeHandle{}

	require.NoError(t, r.Register(Identity{ID: 10, Username: "el mau"}, h))
	checkConsistent(t, r)

	got, err := r.Lookup(10)
	require.NoError(t, err)
	assert.Same(t, h, got)

	identity, ok := r.Identity(10)
	require.True(t, ok)
	assert.Equal(t, "el mau", identity.Username)

	r.Remove(10)
	checkConsistent(t, r)
	_, err = r.Lookup(10)
	assert.ErrorIs(t, err, ErrNotFound)

	t.Run("removal is idempotent", func(t *testing.T) {
		assert.NotPanics(t, func() {
			r.Remove(10)
			r.Remove(10)
		})
		assert.Equal(t, 0, r.Len())
	})

	t.Run("id can be registered again after removal", func(t *testing.T) {
		require.NoError(t, r.Register(Identity{ID: 10, Username: "el mau"}, &fakeHandle{}))
		assert.Equal(t, 1, r.Len())
	})
}

func TestRegistry_DuplicateIdentity(t *testing.T) {
	r := New(nil, nil)
	first := &fakeHandle{}
	require.NoError(t, r.Register(Identity{ID: 1, Username: "alice"}, first))

	t.Run("live handle blocks a second registration", func(t *testing.T) {
		err := r.Register(Identity{ID: 1, Username: "someone else"}, &fakeHandle{})
		assert.ErrorIs(t, err, ErrDuplicateIdentity)

		identity, _ := r.Identity(1)
		assert.Equal(t, "alice", identity.Username)
		got, _ := r.Lookup(1)
		assert.Same(t, first, got)
	})

	t.Run("closed handle is replaced", func(t *testing.T) {
		first.closed.Store(true)
		second := &fakeHandle{}
		require.NoError(t, r.Register(Identity{ID: 1, Username: "alice"}, second))

		got, _ := r.Lookup(1)
		assert.Same(t, second, got)
		checkConsistent(t, r)
	})
}

func TestRegistry_RegisterNilHandle(t *testing.T) {
	r := New(nil, nil)
	assert.Error(t, r.Register(Identity{ID: 1}, nil))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_RemoveHandle(t *testing.T) {
	r := New(nil, nil)
	stale := &fakeHandle{}
	require.NoError(t, r.Register(Identity{ID: 5, Username: "bob"}, stale))
	stale.closed.Store(true)

	fresh := &fakeHandle{}
	require.NoError(t, r.Register(Identity{ID: 5, Username: "bob"}, fresh))

	assert.False(t, r.RemoveHandle(5, stale), "stale teardown must not evict the newer session")
	got, err := r.Lookup(5)
	require.NoError(t, err)
	assert.Same(t, fresh, got)

	assert.True(t, r.RemoveHandle(5, fresh))
	assert.False(t, r.RemoveHandle(5, fresh))
	_, err = r.Lookup(5)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_Identities(t *testing.T) {
	r := New(nil, nil)
	for _, id := range []int{3, 1, 2} {
		require.NoError(t, r.Register(Identity{ID: id}, &fakeHandle{}))
	}

	ids := []int{}
	for _, identity := range r.Identities() {
		ids = append(ids, identity.ID)
	}
	assert.Equal(t, []int{1, 2, 3}, ids)
}

func TestRegistry_BroadcastPresence(t *testing.T) {
	r := New(nil, nil)
	alice, bob, newcomer := &fakeHandle{}, &fakeHandle{}, &fakeHandle{}
	require.NoError(t, r.Register(Identity{ID: 1, Username: "alice"}, alice))
	require.NoError(t, r.Register(Identity{ID: 2, Username: "bob"}, bob))
	require.NoError(t, r.Register(Identity{ID: 10, Username: "el mau"}, newcomer))

	result := r.BroadcastPresence(Identity{ID: 10, Username: "el mau"})
	assert.Equal(t, BroadcastResult{Delivered: 2}, result)

	want := [][]string{{"USER_CONNECTED", "10", "el mau"}}
	assert.Equal(t, want, alice.received())
	assert.Equal(t, want, bob.received())
	assert.Empty(t, newcomer.received(), "newcomer is not notified about itself")
}

func TestRegistry_BroadcastPrunesClosedHandles(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	r := New(nil, m)

	live, gone := &fakeHandle{}, &fakeHandle{}
	require.NoError(t, r.Register(Identity{ID: 1}, live))
	require.NoError(t, r.Register(Identity{ID: 2}, gone))
	gone.closed.Store(true)

	result := r.BroadcastPresence(Identity{ID: 3, Username: "carol"})
	assert.Equal(t, 1, result.Delivered)
	assert.Equal(t, 1, result.Pruned)
	assert.Empty(t, gone.received())

	_, err := r.Lookup(2)
	assert.ErrorIs(t, err, ErrNotFound)
	checkConsistent(t, r)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PresencePruned))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectedClients))
}

func TestRegistry_BroadcastSurvivesFailingRecipients(t *testing.T) {
	r := New(nil, nil)
	ok := &fakeHandle{}
	require.NoError(t, r.Register(Identity{ID: 1}, &fakeHandle{err: assert.AnError}))
	require.NoError(t, r.Register(Identity{ID: 2}, &fakeHandle{panics: true}))
	require.NoError(t, r.Register(Identity{ID: 3}, ok))

	var result BroadcastResult
	require.NotPanics(t, func() { result = r.BroadcastPresence(Identity{ID: 4, Username: "dave"}) })
	assert.Equal(t, 1, result.Delivered)
	assert.Equal(t, 2, result.Failed)
	assert.Len(t, ok.received(), 1)
}

func TestRegistry_BroadcastNotBlockedBySlowRecipient(t *testing.T) {
	r := New(nil, nil)
	slow := &fakeHandle{release: make(chan struct{})}
	fast := &fakeHandle{}
	require.NoError(t, r.Register(Identity{ID: 1}, slow))
	require.NoError(t, r.Register(Identity{ID: 2}, fast))

	done := make(chan BroadcastResult, 1)
	go func() { done <- r.BroadcastPresence(Identity{ID: 3, Username: "erin"}) }()

	require.Eventually(t, func() bool { return len(fast.received()) == 1 }, time.Second, 5*time.Millisecond)

	_, err := r.Lookup(2)
	assert.NoError(t, err, "registry stays usable while a delivery is blocked")

	close(slow.release)
	select {
	case result := <-done:
		assert.Equal(t, 2, result.Delivered)
	case <-time.After(time.Second):
		t.Fatal("broadcast did not finish")
	}
}

func TestRegistry_ConcurrentMutationKeepsMappingsConsistent(t *testing.T) {
	r := New(nil, nil)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := w*1000 + i%10
				h := &fakeHandle{}
				if err := r.Register(Identity{ID: id}, h); err == nil {
					if i%3 == 0 {
						r.BroadcastPresence(Identity{ID: id})
					}
					_, _ = r.Lookup(id)
					r.RemoveHandle(id, h)
				}
				r.Remove(id)
			}
		}(w)
	}
	wg.Wait()

	checkConsistent(t, r)
	assert.Equal(t, 0, r.Len())
}
