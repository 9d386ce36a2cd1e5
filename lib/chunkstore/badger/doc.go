// Package badger implements chunkstore.IChunkStore on top of BadgerDB.
//
// Every chunk file is stored as a size record plus a sequence of blocks of
// BlockSize bytes:
//
//	's' | target (2) | len(handle) (2) | handle             -> size (8, big endian)
//	'b' | target (2) | len(handle) (2) | handle | block (8) -> block data
//
// Blocks that were never written are not stored and read as zeros. Writes
// are transactional per BlockSize*64 bytes. Badger logs through the
// dragonboat logger of the store package.
package badger
