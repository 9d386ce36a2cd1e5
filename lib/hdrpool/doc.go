// Package hdrpool implements the header buffer reserve used by the storage
// RPC engine. Every in-flight target session owns exactly one fixed-size
// header buffer while it is active.
//
// The pool is bounded. Buffers are normally served from a bulk allocator;
// a handful of buffers is preallocated at startup and kept as a reserve that
// can satisfy non-blocking requests even while the bulk allocator is starved.
// This guarantees that at least a few sessions can always get through
// PREPARE under memory pressure, so that a retry eventually succeeds instead
// of every operation waiting for memory that is held by another waiter.
//
// Key Components:
//
//   - Pool: Bounded buffer pool with a reserve. Acquire(ctx, blocking) never
//     waits when blocking is false; a blocking acquire waits until any buffer
//     is released, the context is cancelled or the pool is closed.
//
//   - Buffer: Exclusively owned handle to one buffer. Releasing a buffer twice
//     panics.
//
//   - Allocator: Backing memory of bulk buffers. The default implementation
//     recycles buffers through a sync.Pool, tests inject starving allocators.
package hdrpool
