// Package memory implements chunkstore.IChunkStore on in-memory byte slices.
// Nothing is persisted, Sync is a no-op.
package memory
