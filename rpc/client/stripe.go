package client

import (
	"errors"
	"fmt"
)

// ErrInvalidOffset is returned for file ranges starting before the file
var ErrInvalidOffset = errors.New("invalid file offset")

// Stripe describes the RAID0 layout of a file over storage targets. Chunk i
// of the file is stored on Targets[i % len(Targets)], each target keeps its
// chunks densely packed in one chunk file. If Mirrored is set, the entries of
// Targets are buddy mirror groups.
type Stripe struct {
	Targets   []uint16
	ChunkSize int64
	Mirrored  bool
}

// Extent is the part of a file range that lives in one chunk
type Extent struct {
	Target      uint16 // target or mirror group
	ChunkOffset int64  // offset inside the target's chunk file
	BufOffset   int64  // offset relative to the start of the range
	Length      int64
}

// Validate checks the layout
func (s Stripe) Validate() error {
	if len(s.Targets) == 0 {
		return fmt.Errorf("stripe without targets")
	}
	if s.ChunkSize <= 0 {
		return fmt.Errorf("invalid chunk size %d", s.ChunkSize)
	}
	return nil
}

// CheckOffset rejects file ranges that start before the file
func (s Stripe) CheckOffset(offset int64) error {
	if offset < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidOffset, offset)
	}
	return nil
}

// Split maps the file range [offset, offset+length) to per chunk extents in
// file order. Negative offsets yield no extents.
func (s Stripe) Split(offset, length int64) []Extent {
	var res []Extent
	if offset < 0 {
		return res
	}
	numTargets := int64(len(s.Targets))

	for pos := int64(0); pos < length; {
		fileOff := offset + pos
		chunk := fileOff / s.ChunkSize
		inChunk := fileOff % s.ChunkSize

		n := s.ChunkSize - inChunk
		if n > length-pos {
			n = length - pos
		}

		res = append(res, Extent{
			Target:      s.Targets[chunk%numTargets],
			ChunkOffset: (chunk/numTargets)*s.ChunkSize + inChunk,
			BufOffset:   pos,
			Length:      n,
		})
		pos += n
	}
	return res
}

// UniqueTargets returns the targets of the stripe without duplicates
func (s Stripe) UniqueTargets() []uint16 {
	seen := make(map[uint16]bool, len(s.Targets))
	var res []uint16
	for _, t := range s.Targets {
		if !seen[t] {
			seen[t] = true
			res = append(res, t)
		}
	}
	return res
}
