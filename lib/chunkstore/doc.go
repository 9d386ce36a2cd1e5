// Package chunkstore defines the storage interface used by storage targets
// to keep their chunk files.
//
// Implementations:
//   - memory: chunk files held in memory, for tests and benchmarks
//   - badger: chunk files persisted in a BadgerDB, split into fixed size blocks
//
// The testing sub package contains a conformance suite every implementation
// is expected to pass:
//
//	func Test(t *testing.T) {
//		cstesting.RunChunkStoreTests(t, "Memory", func(t *testing.T) chunkstore.IChunkStore {
//			return memory.NewMemoryStore()
//		})
//	}
package chunkstore
