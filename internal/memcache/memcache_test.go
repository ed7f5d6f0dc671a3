package memcache

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridemap/internal/errs"
	"ridemap/internal/raster"
	"ridemap/internal/tilekey"
)

func key(z, x, y int) tilekey.Key {
	return tilekey.Key{ProviderID: "p", Z: z, X: x, Y: y}
}

func tile(sizeBytes int) *raster.Raster {
	return &raster.Raster{Width: 1, Height: 1, Pix: make([]byte, sizeBytes)}
}

func TestMissThenHit(t *testing.T) {
	c := New(1<<20, 30*time.Second, zerolog.Nop())
	k := key(2, 1, 1)

	res := c.GetOrPend(k)
	require.Equal(t, Miss, res.Outcome)

	res.Producer.Complete(tile(100), nil)

	res2 := c.GetOrPend(k)
	require.Equal(t, Hit, res2.Outcome)
	assert.Equal(t, 100, len(res2.Raster.Pix))
}

func TestSingleFlightFiveWaiters(t *testing.T) {
	c := New(1<<20, 30*time.Second, zerolog.Nop())
	k := key(2, 1, 1)

	first := c.GetOrPend(k)
	require.Equal(t, Miss, first.Outcome)

	var waiters []*Waiter
	for i := 0; i < 4; i++ {
		res := c.GetOrPend(k)
		require.Equal(t, Wait, res.Outcome)
		waiters = append(waiters, res.Waiter)
	}

	// a sixth call must still see Wait, never a second Miss
	res := c.GetOrPend(k)
	require.Equal(t, Wait, res.Outcome)
	waiters = append(waiters, res.Waiter)

	payload := tile(42)
	first.Producer.Complete(payload, nil)

	for _, w := range waiters {
		select {
		case d := <-w.C():
			require.NoError(t, d.Err)
			assert.Same(t, payload, d.Raster)
		case <-time.After(time.Second):
			t.Fatal("waiter never received delivery")
		}
	}
}

func TestCompleteWithoutMissPanics(t *testing.T) {
	c := New(1<<20, 30*time.Second, zerolog.Nop())
	k := key(1, 0, 0)
	p := &Producer{key: k, cache: c, abort: make(chan struct{})}
	assert.Panics(t, func() {
		p.Complete(tile(1), nil)
	})
}

func TestEvictionOrderLRU(t *testing.T) {
	const tileSize = 10
	c := New(3*tileSize, 30*time.Second, zerolog.Nop())

	a, b, cc, d := key(1, 0, 0), key(1, 1, 0), key(1, 2, 0), key(1, 3, 0)

	for _, k := range []tilekey.Key{a, b, cc} {
		res := c.GetOrPend(k)
		require.Equal(t, Miss, res.Outcome)
		res.Producer.Complete(tile(tileSize), nil)
	}

	// touch A to make it most-recently-used
	hit := c.GetOrPend(a)
	require.Equal(t, Hit, hit.Outcome)

	// admit D, which must evict the LRU entry: B
	res := c.GetOrPend(d)
	require.Equal(t, Miss, res.Outcome)
	res.Producer.Complete(tile(tileSize), nil)

	_, aResident := c.Peek(a)
	_, bResident := c.Peek(b)
	_, cResident := c.Peek(cc)
	_, dResident := c.Peek(d)

	assert.True(t, aResident)
	assert.False(t, bResident, "B should have been evicted as the LRU entry")
	assert.True(t, cResident)
	assert.True(t, dResident)

	bytesUsed, count := c.Stats()
	assert.LessOrEqual(t, bytesUsed, int64(3*tileSize))
	assert.Equal(t, 3, count)
}

func TestFailureCooldown(t *testing.T) {
	c := New(1<<20, 50*time.Millisecond, zerolog.Nop())
	k := key(2, 1, 1)

	res := c.GetOrPend(k)
	require.Equal(t, Miss, res.Outcome)
	res.Producer.Complete(nil, errs.HTTPStatusError(500))

	// within cooldown: no new Miss
	res2 := c.GetOrPend(k)
	require.Equal(t, Failed, res2.Outcome)
	assert.Equal(t, errs.HttpStatus, res2.FailKind)

	time.Sleep(60 * time.Millisecond)

	// after cooldown: re-enters Miss
	res3 := c.GetOrPend(k)
	require.Equal(t, Miss, res3.Outcome)
}

func TestCancelledFailureIsNotMemoized(t *testing.T) {
	c := New(1<<20, time.Hour, zerolog.Nop())
	k := key(2, 1, 1)

	res := c.GetOrPend(k)
	require.Equal(t, Miss, res.Outcome)
	res.Producer.Complete(nil, errs.New(errs.Cancelled, nil))

	// no memoization: immediately eligible for a fresh Miss
	res2 := c.GetOrPend(k)
	require.Equal(t, Miss, res2.Outcome)
}

func TestDropLastWaiterAbortsWhenOrphanDisallowed(t *testing.T) {
	c := New(1<<20, 30*time.Second, zerolog.Nop(), WithAllowOrphan(false))
	k := key(2, 1, 1)

	first := c.GetOrPend(k)
	require.Equal(t, Miss, first.Outcome)

	second := c.GetOrPend(k)
	require.Equal(t, Wait, second.Outcome)

	select {
	case <-first.Producer.Aborted():
		t.Fatal("should not be aborted before the only waiter drops")
	default:
	}

	second.Waiter.Drop()

	select {
	case <-first.Producer.Aborted():
	case <-time.After(time.Second):
		t.Fatal("producer was not signaled to abort")
	}
}

func TestDropWaiterKeepsProducerWhenOrphanAllowed(t *testing.T) {
	c := New(1<<20, 30*time.Second, zerolog.Nop()) // AllowOrphan defaults true
	k := key(2, 1, 1)

	first := c.GetOrPend(k)
	second := c.GetOrPend(k)
	require.Equal(t, Wait, second.Outcome)

	second.Waiter.Drop()

	select {
	case <-first.Producer.Aborted():
		t.Fatal("producer should not be aborted when orphaning is allowed")
	default:
	}
}

func TestTouchPromotesRecency(t *testing.T) {
	const tileSize = 10
	c := New(2*tileSize, 30*time.Second, zerolog.Nop())

	a, b, cc := key(1, 0, 0), key(1, 1, 0), key(1, 2, 0)
	for _, k := range []tilekey.Key{a, b} {
		res := c.GetOrPend(k)
		res.Producer.Complete(tile(tileSize), nil)
	}

	c.Touch(a)

	res := c.GetOrPend(cc)
	res.Producer.Complete(tile(tileSize), nil)

	_, aResident := c.Peek(a)
	_, bResident := c.Peek(b)
	assert.True(t, aResident)
	assert.False(t, bResident)
}

func TestNeverEvictsPending(t *testing.T) {
	const tileSize = 10
	c := New(tileSize, 30*time.Second, zerolog.Nop())

	pendingKey := key(1, 0, 0)
	pendingRes := c.GetOrPend(pendingKey)
	require.Equal(t, Miss, pendingRes.Outcome)

	readyKey := key(1, 1, 0)
	readyRes := c.GetOrPend(readyKey)
	readyRes.Producer.Complete(tile(tileSize), nil)

	// Budget is exactly one tile; pending must still be untouched.
	bytesUsed, count := c.Stats()
	assert.Equal(t, int64(tileSize), bytesUsed)
	assert.Equal(t, 1, count)

	// pendingKey is still Miss-owned by the original producer, not evicted
	// or re-creatable via a second Miss.
	again := c.GetOrPend(pendingKey)
	assert.Equal(t, Wait, again.Outcome)
}

func TestWouldEvict(t *testing.T) {
	const tileSize = 10
	c := New(2*tileSize, 30*time.Second, zerolog.Nop())

	a, b := key(1, 0, 0), key(1, 1, 0)
	for _, k := range []tilekey.Key{a, b} {
		res := c.GetOrPend(k)
		res.Producer.Complete(tile(tileSize), nil)
	}

	victims := c.WouldEvict(tileSize)
	require.Len(t, victims, 1)
	assert.Equal(t, a, victims[0]) // a is least-recently-used
}

func TestContainsReflectsReadyAndPendingButNotAbsentKeys(t *testing.T) {
	c := New(1<<20, 30*time.Second, zerolog.Nop())

	absent := key(3, 0, 0)
	assert.False(t, c.Contains(absent))

	pending := key(3, 1, 0)
	res := c.GetOrPend(pending)
	require.Equal(t, Miss, res.Outcome)
	assert.True(t, c.Contains(pending))

	res.Producer.Complete(tile(10), nil)
	assert.True(t, c.Contains(pending))
}
