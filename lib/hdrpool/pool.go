package hdrpool

import (
	"context"
	"errors"
	"fmt"
	"github.com/VictoriaMetrics/metrics"
	"github.com/ValentinKolb/dStor/rpc/common"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sync/semaphore"
	"sync"
	"sync/atomic"
)

var Logger = logger.GetLogger(common.LoggerHdrPool)

var (
	// ErrExhausted is returned by a non-blocking Acquire if no buffer is available
	ErrExhausted = errors.New("hdrpool: no header buffer available")
	// ErrClosed is returned once the pool has been closed
	ErrClosed = errors.New("hdrpool: pool closed")
)

var (
	acquiredTotal  = metrics.GetOrCreateCounter(`dstor_hdrpool_acquired_total`)
	reserveTotal   = metrics.GetOrCreateCounter(`dstor_hdrpool_reserve_acquired_total`)
	exhaustedTotal = metrics.GetOrCreateCounter(`dstor_hdrpool_exhausted_total`)
)

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// Allocator provides the memory of bulk buffers. Alloc may return nil to
// signal that memory is currently not available.
type Allocator interface {
	Alloc(size int) []byte
	Free(buf []byte)
}

// Config holds the parameters of a Pool
type Config struct {
	// Size of a single buffer in bytes
	Size int
	// Capacity is the maximum number of buffers handed out at the same time
	Capacity int
	// Reserve is the number of preallocated buffers (part of Capacity)
	Reserve int
	// Allocator for bulk buffers (nil = recycling allocator)
	Allocator Allocator
}

// Buffer is an exclusively owned header buffer
type Buffer struct {
	data     []byte
	reserve  bool
	released atomic.Bool
}

// Bytes returns the whole buffer
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Pool is a bounded header buffer pool with an always available reserve.
// All methods are safe for concurrent use.
type Pool struct {
	size  int
	bulk  *semaphore.Weighted // slots for bulk buffers (Capacity - Reserve)
	alloc Allocator

	mu       sync.Mutex
	reserve  []*Buffer    // free reserve buffers
	released chan struct{} // closed and replaced on every release
	closed   bool

	capacity int
	inUse    atomic.Int64
}

// New creates a pool and preallocates its reserve
func New(config Config) (*Pool, error) {
	if config.Size <= 0 || config.Capacity <= 0 {
		return nil, fmt.Errorf("hdrpool: size and capacity must be positive")
	}
	if config.Reserve < 0 || config.Reserve > config.Capacity {
		return nil, fmt.Errorf("hdrpool: reserve must be between 0 and capacity")
	}

	alloc := config.Allocator
	if alloc == nil {
		alloc = newRecyclingAllocator(config.Size)
	}

	p := &Pool{
		size:     config.Size,
		bulk:     semaphore.NewWeighted(int64(config.Capacity - config.Reserve)),
		alloc:    alloc,
		reserve:  make([]*Buffer, 0, config.Reserve),
		released: make(chan struct{}),
		capacity: config.Capacity,
	}
	for i := 0; i < config.Reserve; i++ {
		p.reserve = append(p.reserve, &Buffer{data: make([]byte, config.Size), reserve: true})
	}

	Logger.Debugf("created header buffer pool (size %d, capacity %d, reserve %d)", config.Size, config.Capacity, config.Reserve)
	return p, nil
}

// --------------------------------------------------------------------------
// Public Methods
// --------------------------------------------------------------------------

// Acquire returns a header buffer. If no buffer is available, a non-blocking
// call returns ErrExhausted immediately while a blocking call waits until a
// buffer is released or ctx is done.
func (p *Pool) Acquire(ctx context.Context, blocking bool) (*Buffer, error) {
	for {
		// take the wakeup channel before trying, so a release in between is not lost
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		wakeup := p.released
		p.mu.Unlock()

		if buf := p.tryAcquire(); buf != nil {
			return buf, nil
		}

		if !blocking {
			exhaustedTotal.Inc()
			return nil, ErrExhausted
		}

		select {
		case <-wakeup:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release returns a buffer to the pool. Releasing a buffer twice panics.
func (p *Pool) Release(buf *Buffer) {
	if buf == nil {
		return
	}
	if !buf.released.CompareAndSwap(false, true) {
		panic("hdrpool: buffer released twice")
	}
	p.inUse.Add(-1)

	p.mu.Lock()
	if buf.reserve {
		p.reserve = append(p.reserve, buf)
	} else {
		p.alloc.Free(buf.data)
		buf.data = nil
		p.bulk.Release(1)
	}
	close(p.released)
	p.released = make(chan struct{})
	p.mu.Unlock()
}

// Close wakes all waiters; subsequent acquires fail with ErrClosed.
// Buffers still in use may be released after Close.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.released)
	p.released = make(chan struct{})
}

// Stats describes the current utilization of a Pool
type Stats struct {
	Capacity    int
	InUse       int
	ReserveFree int
}

// Stats returns the current utilization
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Capacity:    p.capacity,
		InUse:       int(p.inUse.Load()),
		ReserveFree: len(p.reserve),
	}
}

// BufferSize returns the size of a single buffer
func (p *Pool) BufferSize() int {
	return p.size
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// tryAcquire serves from the bulk allocator first and falls back to the reserve
func (p *Pool) tryAcquire() *Buffer {
	if p.bulk.TryAcquire(1) {
		if data := p.alloc.Alloc(p.size); data != nil {
			p.inUse.Add(1)
			acquiredTotal.Inc()
			return &Buffer{data: data[:p.size]}
		}
		// allocator is starved, give the slot back
		p.bulk.Release(1)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.reserve); n > 0 {
		buf := p.reserve[n-1]
		p.reserve = p.reserve[:n-1]
		buf.released.Store(false)
		p.inUse.Add(1)
		acquiredTotal.Inc()
		reserveTotal.Inc()
		return buf
	}
	return nil
}

// recyclingAllocator recycles bulk buffers through a sync.Pool
type recyclingAllocator struct {
	pool sync.Pool
}

func newRecyclingAllocator(size int) *recyclingAllocator {
	return &recyclingAllocator{
		pool: sync.Pool{
			New: func() any {
				buf := make([]byte, size)
				return &buf
			},
		},
	}
}

func (a *recyclingAllocator) Alloc(size int) []byte {
	buf := *a.pool.Get().(*[]byte)
	if cap(buf) < size {
		return make([]byte, size)
	}
	return buf[:size]
}

func (a *recyclingAllocator) Free(buf []byte) {
	a.pool.Put(&buf)
}
