package memory

import (
	"github.com/ValentinKolb/dStor/lib/chunkstore"
	"github.com/puzpuzpuz/xsync/v3"
	"sync"
	"sync/atomic"
)

type fileKey struct {
	target uint16
	handle string
}

type memFile struct {
	mu   sync.RWMutex
	data []byte
}

type storeImpl struct {
	files  *xsync.MapOf[fileKey, *memFile]
	closed atomic.Bool
}

// NewMemoryStore creates a chunk store that keeps all chunk files in memory
func NewMemoryStore() chunkstore.IChunkStore {
	return &storeImpl{
		files: xsync.NewMapOf[fileKey, *memFile](),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see chunkstore/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) ReadAt(targetID uint16, handle string, off, n int64) ([]byte, error) {
	if s.closed.Load() {
		return nil, chunkstore.ErrClosed
	}
	if err := chunkstore.CheckRange(handle, off, n); err != nil {
		return nil, err
	}

	f, ok := s.files.Load(fileKey{targetID, handle})
	if !ok {
		return nil, nil
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	size := int64(len(f.data))
	if off >= size {
		return nil, nil
	}
	end := min(off+n, size)
	return append([]byte(nil), f.data[off:end]...), nil
}

func (s *storeImpl) WriteAt(targetID uint16, handle string, off int64, data []byte) error {
	if s.closed.Load() {
		return chunkstore.ErrClosed
	}
	if err := chunkstore.CheckRange(handle, off, int64(len(data))); err != nil {
		return err
	}

	f, _ := s.files.LoadOrCompute(fileKey{targetID, handle}, func() *memFile {
		return &memFile{}
	})

	f.mu.Lock()
	defer f.mu.Unlock()
	if end := off + int64(len(data)); end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[off:], data)
	return nil
}

func (s *storeImpl) Sync(uint16, string) error {
	if s.closed.Load() {
		return chunkstore.ErrClosed
	}
	return nil
}

func (s *storeImpl) Usage(targetID uint16) (chunkstore.Usage, error) {
	if s.closed.Load() {
		return chunkstore.Usage{}, chunkstore.ErrClosed
	}

	var usage chunkstore.Usage
	s.files.Range(func(key fileKey, f *memFile) bool {
		if key.target == targetID {
			f.mu.RLock()
			usage.Bytes += int64(len(f.data))
			f.mu.RUnlock()
			usage.Files++
		}
		return true
	})
	return usage, nil
}

func (s *storeImpl) Close() error {
	s.closed.Store(true)
	s.files.Clear()
	return nil
}
