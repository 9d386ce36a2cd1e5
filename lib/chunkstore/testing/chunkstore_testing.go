package testing

import (
	"bytes"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dStor/lib/chunkstore"
	"sync"
	"testing"
)

// StoreFactory creates a new, empty chunk store for one test
type StoreFactory func(t *testing.T) chunkstore.IChunkStore

// RunChunkStoreTests runs the conformance suite for a chunk store implementation
func RunChunkStoreTests(t *testing.T, name string, factory StoreFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("WriteRead", func(t *testing.T) {
			testWriteRead(t, factory(t))
		})

		t.Run("ShortReads", func(t *testing.T) {
			testShortReads(t, factory(t))
		})

		t.Run("SparseWrites", func(t *testing.T) {
			testSparseWrites(t, factory(t))
		})

		t.Run("Overwrite", func(t *testing.T) {
			testOverwrite(t, factory(t))
		})

		t.Run("TargetsAreSeparate", func(t *testing.T) {
			testTargetsAreSeparate(t, factory(t))
		})

		t.Run("Usage", func(t *testing.T) {
			testUsage(t, factory(t))
		})

		t.Run("InvalidArguments", func(t *testing.T) {
			testInvalidArguments(t, factory(t))
		})

		t.Run("Concurrent", func(t *testing.T) {
			testConcurrent(t, factory(t))
		})

		t.Run("Closed", func(t *testing.T) {
			testClosed(t, factory(t))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func pattern(n int, seed byte) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i%253) ^ seed
	}
	return data
}

func mustRead(t *testing.T, store chunkstore.IChunkStore, target uint16, handle string, off, n int64) []byte {
	t.Helper()
	data, err := store.ReadAt(target, handle, off, n)
	if err != nil {
		t.Fatalf("ReadAt(%d, %q, %d, %d) failed: %v", target, handle, off, n, err)
	}
	return data
}

func mustWrite(t *testing.T, store chunkstore.IChunkStore, target uint16, handle string, off int64, data []byte) {
	t.Helper()
	if err := store.WriteAt(target, handle, off, data); err != nil {
		t.Fatalf("WriteAt(%d, %q, %d) failed: %v", target, handle, off, err)
	}
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testWriteRead(t *testing.T, store chunkstore.IChunkStore) {
	defer store.Close()

	// larger than one block of the badger store, not block aligned
	data := pattern(200*1024+13, 1)
	mustWrite(t, store, 1, "file", 0, data)

	if got := mustRead(t, store, 1, "file", 0, int64(len(data))); !bytes.Equal(got, data) {
		t.Errorf("read back %d bytes, data differs", len(got))
	}

	// unaligned range in the middle
	if got := mustRead(t, store, 1, "file", 70000, 1000); !bytes.Equal(got, data[70000:71000]) {
		t.Errorf("unaligned read differs")
	}

	if err := store.Sync(1, "file"); err != nil {
		t.Errorf("Sync failed: %v", err)
	}
	if err := store.Sync(1, "missing"); err != nil {
		t.Errorf("Sync of a missing file failed: %v", err)
	}

	// the result must be a copy
	got := mustRead(t, store, 1, "file", 0, 10)
	got[0] ^= 0xff
	if again := mustRead(t, store, 1, "file", 0, 10); !bytes.Equal(again, data[:10]) {
		t.Errorf("ReadAt should return a copy")
	}
}

func testShortReads(t *testing.T, store chunkstore.IChunkStore) {
	defer store.Close()

	mustWrite(t, store, 1, "short", 0, []byte("0123456789"))

	if got := mustRead(t, store, 1, "short", 5, 100); string(got) != "56789" {
		t.Errorf("expected 56789, got %q", got)
	}
	if got := mustRead(t, store, 1, "short", 10, 100); len(got) != 0 {
		t.Errorf("expected no data at the end of the file, got %d bytes", len(got))
	}
	if got := mustRead(t, store, 1, "missing", 0, 100); len(got) != 0 {
		t.Errorf("expected no data for a missing file, got %d bytes", len(got))
	}
	if got := mustRead(t, store, 1, "short", 0, 0); len(got) != 0 {
		t.Errorf("expected no data for an empty read, got %d bytes", len(got))
	}
}

func testSparseWrites(t *testing.T, store chunkstore.IChunkStore) {
	defer store.Close()

	const off = 300 * 1024
	mustWrite(t, store, 2, "sparse", off, []byte("tail"))

	got := mustRead(t, store, 2, "sparse", 0, off+100)
	if len(got) != off+4 {
		t.Fatalf("expected %d bytes, got %d", off+4, len(got))
	}
	if !bytes.Equal(got[:off], make([]byte, off)) {
		t.Errorf("hole should read as zeros")
	}
	if string(got[off:]) != "tail" {
		t.Errorf("expected tail, got %q", got[off:])
	}
}

func testOverwrite(t *testing.T, store chunkstore.IChunkStore) {
	defer store.Close()

	base := pattern(100*1024, 3)
	mustWrite(t, store, 1, "f", 0, base)

	patch := pattern(70*1024, 9)
	mustWrite(t, store, 1, "f", 20*1024, patch)

	expected := append([]byte(nil), base...)
	copy(expected[20*1024:], patch)
	if got := mustRead(t, store, 1, "f", 0, int64(len(base))); !bytes.Equal(got, expected) {
		t.Errorf("overwritten data differs")
	}

	// overwriting must not shrink the file
	mustWrite(t, store, 1, "f", 0, []byte("x"))
	if got := mustRead(t, store, 1, "f", 0, 1<<20); len(got) != len(base) {
		t.Errorf("expected size %d, got %d", len(base), len(got))
	}
}

func testTargetsAreSeparate(t *testing.T, store chunkstore.IChunkStore) {
	defer store.Close()

	mustWrite(t, store, 1, "same", 0, []byte("one"))
	mustWrite(t, store, 2, "same", 0, []byte("two"))
	mustWrite(t, store, 1, "same/child", 0, []byte("child"))

	if got := mustRead(t, store, 1, "same", 0, 10); string(got) != "one" {
		t.Errorf("target 1: expected one, got %q", got)
	}
	if got := mustRead(t, store, 2, "same", 0, 10); string(got) != "two" {
		t.Errorf("target 2: expected two, got %q", got)
	}
}

func testUsage(t *testing.T, store chunkstore.IChunkStore) {
	defer store.Close()

	mustWrite(t, store, 5, "a", 0, make([]byte, 1000))
	mustWrite(t, store, 5, "b", 500, make([]byte, 500))
	mustWrite(t, store, 6, "c", 0, make([]byte, 7))

	usage, err := store.Usage(5)
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if usage != (chunkstore.Usage{Bytes: 2000, Files: 2}) {
		t.Errorf("unexpected usage of target 5: %+v", usage)
	}

	usage, err = store.Usage(9)
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if usage != (chunkstore.Usage{}) {
		t.Errorf("expected no usage of an unknown target, got %+v", usage)
	}
}

func testInvalidArguments(t *testing.T, store chunkstore.IChunkStore) {
	defer store.Close()

	if _, err := store.ReadAt(1, "", 0, 1); !errors.Is(err, chunkstore.ErrInvalidRange) {
		t.Errorf("empty handle: expected ErrInvalidRange, got %v", err)
	}
	if _, err := store.ReadAt(1, "f", -1, 1); !errors.Is(err, chunkstore.ErrInvalidRange) {
		t.Errorf("negative offset: expected ErrInvalidRange, got %v", err)
	}
	if err := store.WriteAt(1, "f", -5, []byte("x")); !errors.Is(err, chunkstore.ErrInvalidRange) {
		t.Errorf("negative write offset: expected ErrInvalidRange, got %v", err)
	}
}

func testConcurrent(t *testing.T, store chunkstore.IChunkStore) {
	defer store.Close()

	const workers = 8
	const size = 4096

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			handle := fmt.Sprintf("file-%d", w%2)
			if err := store.WriteAt(3, handle, int64(w/2*size), pattern(size, byte(w))); err != nil {
				t.Errorf("worker %d: %v", w, err)
			}
		}(w)
	}
	wg.Wait()

	for w := 0; w < workers; w++ {
		handle := fmt.Sprintf("file-%d", w%2)
		if got := mustRead(t, store, 3, handle, int64(w/2*size), size); !bytes.Equal(got, pattern(size, byte(w))) {
			t.Errorf("data of worker %d differs", w)
		}
	}
}

func testClosed(t *testing.T, store chunkstore.IChunkStore) {
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := store.ReadAt(1, "f", 0, 1); !errors.Is(err, chunkstore.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := store.WriteAt(1, "f", 0, []byte("x")); !errors.Is(err, chunkstore.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
