package hdrpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// starvingAllocator fails every allocation while starved is set
type starvingAllocator struct {
	starved atomic.Bool
	allocs  atomic.Int64
}

func (a *starvingAllocator) Alloc(size int) []byte {
	if a.starved.Load() {
		return nil
	}
	a.allocs.Add(1)
	return make([]byte, size)
}

func (a *starvingAllocator) Free([]byte) {}

func newTestPool(t *testing.T, capacity, reserve int, alloc Allocator) *Pool {
	t.Helper()
	p, err := New(Config{Size: 128, Capacity: capacity, Reserve: reserve, Allocator: alloc})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestAcquireRelease(t *testing.T) {
	p := newTestPool(t, 2, 1, nil)

	a, err := p.Acquire(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, a.Bytes(), 128)

	b, err := p.Acquire(context.Background(), false)
	require.NoError(t, err)

	_, err = p.Acquire(context.Background(), false)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 2, p.Stats().InUse)

	p.Release(a)
	p.Release(b)
	assert.Equal(t, 0, p.Stats().InUse)
	assert.Equal(t, 1, p.Stats().ReserveFree)
}

func TestReserveServesStarvedAllocator(t *testing.T) {
	alloc := &starvingAllocator{}
	alloc.starved.Store(true)
	p := newTestPool(t, 8, 2, alloc)

	// the bulk allocator is starved, only the reserve can serve
	a, err := p.Acquire(context.Background(), false)
	require.NoError(t, err)
	b, err := p.Acquire(context.Background(), false)
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), false)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Zero(t, alloc.allocs.Load())

	p.Release(a)
	c, err := p.Acquire(context.Background(), false)
	require.NoError(t, err)

	p.Release(b)
	p.Release(c)
	assert.Equal(t, 2, p.Stats().ReserveFree)
}

func TestBlockingAcquireWaitsForRelease(t *testing.T) {
	p := newTestPool(t, 1, 0, nil)

	held, err := p.Acquire(context.Background(), true)
	require.NoError(t, err)

	got := make(chan *Buffer)
	go func() {
		buf, err := p.Acquire(context.Background(), true)
		if err != nil {
			close(got)
			return
		}
		got <- buf
	}()

	select {
	case <-got:
		t.Fatal("blocking acquire returned while the pool was exhausted")
	case <-time.After(20 * time.Millisecond):
	}

	p.Release(held)

	select {
	case buf, ok := <-got:
		require.True(t, ok)
		p.Release(buf)
	case <-time.After(time.Second):
		t.Fatal("blocking acquire did not wake up after release")
	}
}

func TestBlockingAcquireHonoursContext(t *testing.T) {
	p := newTestPool(t, 1, 1, nil)

	held, err := p.Acquire(context.Background(), false)
	require.NoError(t, err)
	defer p.Release(held)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseWakesWaiters(t *testing.T) {
	p := newTestPool(t, 1, 0, nil)
	held, err := p.Acquire(context.Background(), false)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), true)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	p.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Close")
	}

	// releasing after close is allowed
	p.Release(held)
}

func TestDoubleReleasePanics(t *testing.T) {
	p := newTestPool(t, 1, 1, nil)
	buf, err := p.Acquire(context.Background(), false)
	require.NoError(t, err)

	p.Release(buf)
	assert.Panics(t, func() { p.Release(buf) })
}

func TestInvalidConfig(t *testing.T) {
	_, err := New(Config{Size: 0, Capacity: 1})
	assert.Error(t, err)
	_, err = New(Config{Size: 16, Capacity: 1, Reserve: 2})
	assert.Error(t, err)
}
