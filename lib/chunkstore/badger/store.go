package badger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dStor/lib/chunkstore"
	"github.com/ValentinKolb/dStor/rpc/common"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/lni/dragonboat/v4/logger"
	"sync/atomic"
)

// Logger is also handed to badger, whose logger interface is a subset of ILogger
var Logger = logger.GetLogger(common.LoggerStore)

const (
	// BlockSize is the size of the value holding one block of a chunk file
	BlockSize = 64 * 1024

	// maxBlocksPerTxn bounds the size of a single write transaction
	maxBlocksPerTxn = 64

	maxConflictRetries = 100

	prefixSize  byte = 's'
	prefixBlock byte = 'b'
)

// Config holds the options of a badger chunk store
type Config struct {
	// Dir is the data directory, ignored if InMemory is set
	Dir      string
	InMemory bool
	// SyncWrites makes every write durable on its own (Sync is then cheap)
	SyncWrites bool
}

type storeImpl struct {
	db     *badger.DB
	closed atomic.Bool
}

// NewBadgerStore opens (or creates) a chunk store in a BadgerDB. Chunk files
// are split into blocks of BlockSize bytes, blocks that were never written
// are not stored.
func NewBadgerStore(config Config) (chunkstore.IChunkStore, error) {
	opts := badger.DefaultOptions(config.Dir).
		WithLogger(Logger).
		WithLoggingLevel(badger.WARNING).
		WithCompression(options.None).
		WithSyncWrites(config.SyncWrites)
	if config.InMemory {
		opts = opts.WithDir("").WithValueDir("").WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", config.Dir, err)
	}
	Logger.Infof("Opened chunk store (dir: %q, in memory: %t)", config.Dir, config.InMemory)
	return &storeImpl{db: db}, nil
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

	var result []byte
	err := s.db.View(func(txn *badger.Txn) error {
		size, err := getSize(txn, targetID, handle)
		if err != nil || off >= size {
			return err
		}
		end := min(off+n, size)
		result = make([]byte, end-off)

		for pos := off; pos < end; {
			block := pos / BlockSize
			inBlock := pos % BlockSize
			l := min(BlockSize-inBlock, end-pos)

			item, err := txn.Get(blockKey(targetID, handle, block))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
				// sparse block, result is already zeroed
			case err != nil:
				return err
			default:
				if err := item.Value(func(val []byte) error {
					if inBlock < int64(len(val)) {
						copy(result[pos-off:pos-off+l], val[inBlock:])
					}
					return nil
				}); err != nil {
					return err
				}
			}
			pos += l
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %d/%s: %w", targetID, handle, err)
	}
	return result, nil
}

func (s *storeImpl) WriteAt(targetID uint16, handle string, off int64, data []byte) error {
	if s.closed.Load() {
		return chunkstore.ErrClosed
	}
	if err := chunkstore.CheckRange(handle, off, int64(len(data))); err != nil {
		return err
	}

	// Large writes are split so that no transaction grows too big
	for len(data) > 0 {
		n := int64(maxBlocksPerTxn*BlockSize) - off%BlockSize
		n = min(n, int64(len(data)))
		if err := s.update(func(txn *badger.Txn) error {
			return writeBlocks(txn, targetID, handle, off, data[:n])
		}); err != nil {
			return fmt.Errorf("failed to write %d/%s: %w", targetID, handle, err)
		}
		off += n
		data = data[n:]
	}
	return nil
}

func (s *storeImpl) Sync(uint16, string) error {
	if s.closed.Load() {
		return chunkstore.ErrClosed
	}
	return s.db.Sync()
}

func (s *storeImpl) Usage(targetID uint16) (chunkstore.Usage, error) {
	if s.closed.Load() {
		return chunkstore.Usage{}, chunkstore.ErrClosed
	}

	var usage chunkstore.Usage
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = targetPrefix(prefixSize, targetID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(func(val []byte) error {
				usage.Bytes += decodeSize(val)
				return nil
			}); err != nil {
				return err
			}
			usage.Files++
		}
		return nil
	})
	return usage, err
}

func (s *storeImpl) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// --------------------------------------------------------------------------
// Helper Functions
// --------------------------------------------------------------------------

// update runs fn in a read-write transaction, retrying on conflicts with
// concurrent writes to the same blocks
func (s *storeImpl) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err = s.db.Update(fn); !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// writeBlocks updates all blocks touched by data and the file size
func writeBlocks(txn *badger.Txn, targetID uint16, handle string, off int64, data []byte) error {
	end := off + int64(len(data))
	for pos := off; pos < end; {
		block := pos / BlockSize
		inBlock := pos % BlockSize
		l := min(BlockSize-inBlock, end-pos)
		key := blockKey(targetID, handle, block)

		var buf []byte
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if buf, err = item.ValueCopy(nil); err != nil {
				return err
			}
		}

		if need := inBlock + l; need > int64(len(buf)) {
			grown := make([]byte, need)
			copy(grown, buf)
			buf = grown
		}
		copy(buf[inBlock:], data[pos-off:pos-off+l])
		if err := txn.Set(key, buf); err != nil {
			return err
		}
		pos += l
	}

	size, err := getSize(txn, targetID, handle)
	if err != nil {
		return err
	}
	if end > size {
		return txn.Set(sizeKey(targetID, handle), encodeSize(end))
	}
	return nil
}

func getSize(txn *badger.Txn, targetID uint16, handle string) (int64, error) {
	item, err := txn.Get(sizeKey(targetID, handle))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var size int64
	err = item.Value(func(val []byte) error {
		size = decodeSize(val)
		return nil
	})
	return size, err
}

// targetPrefix is the common prefix of all keys of one kind of a target
func targetPrefix(kind byte, targetID uint16) []byte {
	key := make([]byte, 3)
	key[0] = kind
	binary.BigEndian.PutUint16(key[1:], targetID)
	return key
}

// fileKey is kind | target | len(handle) | handle
func fileKey(kind byte, targetID uint16, handle string, extra int) []byte {
	key := make([]byte, 0, 5+len(handle)+extra)
	key = append(key, targetPrefix(kind, targetID)...)
	key = binary.BigEndian.AppendUint16(key, uint16(len(handle)))
	return append(key, handle...)
}

func sizeKey(targetID uint16, handle string) []byte {
	return fileKey(prefixSize, targetID, handle, 0)
}

func blockKey(targetID uint16, handle string, block int64) []byte {
	return binary.BigEndian.AppendUint64(fileKey(prefixBlock, targetID, handle, 8), uint64(block))
}

func encodeSize(size int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(size))
}

func decodeSize(val []byte) int64 {
	if len(val) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(val))
}
