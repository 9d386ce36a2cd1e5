// Package testing provides a conformance test suite for implementations of
// chunkstore.IChunkStore.
//
// Example usage:
//
//	func Test(t *testing.T) {
//		cstesting.RunChunkStoreTests(t, "MyStore", func(t *testing.T) chunkstore.IChunkStore {
//			return NewMyStore()
//		})
//	}
package testing
