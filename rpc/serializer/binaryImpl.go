package serializer

import (
	"encoding/binary"
	"fmt"
	"github.com/ValentinKolb/dStor/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasTargetID   byte = 1 << 0
	hasFileHandle byte = 1 << 1
	hasOffset     byte = 1 << 2
	hasCount      byte = 1 << 3
	hasResult     byte = 1 << 4
	hasErr        byte = 1 << 5
	hasStat       byte = 1 << 6
)

// fixed part: MsgType (1) + presence flags (1) + MsgFlags (2) + Control (1)
const fixedHeaderSize = 5

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	result := make([]byte, b.sizeBytes(msg))
	if _, err := b.SerializeTo(msg, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (b binarySerializerImpl) SerializeTo(msg common.Message, result []byte) (int, error) {
	// Calculate total size needed
	totalSize := b.sizeBytes(msg)
	if totalSize > len(result) {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooSmall, totalSize, len(result))
	}

	// Write fixed fields
	result[0] = byte(msg.MsgType)
	binary.BigEndian.PutUint16(result[2:4], uint16(msg.Flags))
	result[4] = byte(msg.Control)

	// Initialize flags byte
	var flags byte = 0

	// Set position for writing
	pos := fixedHeaderSize

	// Handle TargetID
	if msg.TargetID != 0 {
		flags |= hasTargetID
		binary.BigEndian.PutUint16(result[pos:pos+2], msg.TargetID)
		pos += 2
	}

	// Handle FileHandle
	if msg.FileHandle != "" {
		flags |= hasFileHandle
		pos = putString(result, pos, msg.FileHandle)
	}

	// Handle Offset
	if msg.Offset != 0 {
		flags |= hasOffset
		binary.BigEndian.PutUint64(result[pos:pos+8], uint64(msg.Offset))
		pos += 8
	}

	// Handle Count
	if msg.Count != 0 {
		flags |= hasCount
		binary.BigEndian.PutUint64(result[pos:pos+8], uint64(msg.Count))
		pos += 8
	}

	// Handle Result (signed, negative values are error codes)
	if msg.Result != 0 {
		flags |= hasResult
		binary.BigEndian.PutUint64(result[pos:pos+8], uint64(msg.Result))
		pos += 8
	}

	// Handle Err
	if msg.Err != "" {
		flags |= hasErr
		pos = putString(result, pos, msg.Err)
	}

	// Handle Stat
	if msg.Stat != nil {
		flags |= hasStat
		for _, v := range []int64{msg.Stat.TotalBytes, msg.Stat.FreeBytes, msg.Stat.TotalInodes, msg.Stat.FreeInodes} {
			binary.BigEndian.PutUint64(result[pos:pos+8], uint64(v))
			pos += 8
		}
	}

	// Set flags byte after knowing which fields are present
	result[1] = flags

	return pos, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	// Check minimum size
	if len(data) < fixedHeaderSize {
		return fmt.Errorf("data too short for message header")
	}

	// Read fixed fields
	msg.MsgType = common.MessageType(data[0])
	flags := data[1]
	msg.Flags = common.MsgFlags(binary.BigEndian.Uint16(data[2:4]))
	msg.Control = common.ControlCode(data[4])

	// Initialize read position
	pos := fixedHeaderSize

	var err error

	// Read TargetID if present
	msg.TargetID = 0
	if flags&hasTargetID != 0 {
		if pos+2 > len(data) {
			return fmt.Errorf("data too short for target id")
		}
		msg.TargetID = binary.BigEndian.Uint16(data[pos : pos+2])
		pos += 2
	}

	// Read FileHandle if present
	msg.FileHandle = ""
	if flags&hasFileHandle != 0 {
		if msg.FileHandle, pos, err = getString(data, pos, "file handle"); err != nil {
			return err
		}
	}

	// Read Offset, Count and Result if present
	msg.Offset, msg.Count, msg.Result = 0, 0, 0
	for _, f := range []struct {
		bit  byte
		dst  *int64
		name string
	}{
		{hasOffset, &msg.Offset, "offset"},
		{hasCount, &msg.Count, "count"},
		{hasResult, &msg.Result, "result"},
	} {
		if flags&f.bit == 0 {
			continue
		}
		if pos+8 > len(data) {
			return fmt.Errorf("data too short for %s", f.name)
		}
		*f.dst = int64(binary.BigEndian.Uint64(data[pos : pos+8]))
		pos += 8
	}

	// Read Err if present
	msg.Err = ""
	if flags&hasErr != 0 {
		if msg.Err, pos, err = getString(data, pos, "error"); err != nil {
			return err
		}
	}

	// Read Stat if present
	msg.Stat = nil
	if flags&hasStat != 0 {
		if pos+32 > len(data) {
			return fmt.Errorf("data too short for storage stat")
		}
		msg.Stat = &common.StorageStat{
			TotalBytes:  int64(binary.BigEndian.Uint64(data[pos : pos+8])),
			FreeBytes:   int64(binary.BigEndian.Uint64(data[pos+8 : pos+16])),
			TotalInodes: int64(binary.BigEndian.Uint64(data[pos+16 : pos+24])),
			FreeInodes:  int64(binary.BigEndian.Uint64(data[pos+24 : pos+32])),
		}
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	size := fixedHeaderSize

	// Add sizes for fields that are present
	if msg.TargetID != 0 {
		size += 2
	}
	if msg.FileHandle != "" {
		size += 4 + len(msg.FileHandle) // 4 bytes for length + string
	}
	if msg.Offset != 0 {
		size += 8
	}
	if msg.Count != 0 {
		size += 8
	}
	if msg.Result != 0 {
		size += 8
	}
	if msg.Err != "" {
		size += 4 + len(msg.Err) // 4 bytes for length + error string
	}
	if msg.Stat != nil {
		size += 4 * 8
	}

	return size
}

// putString writes a length prefixed string and returns the new position
func putString(buf []byte, pos int, s string) int {
	binary.BigEndian.PutUint32(buf[pos:pos+4], uint32(len(s)))
	pos += 4
	copy(buf[pos:pos+len(s)], s)
	return pos + len(s)
}

// getString reads a length prefixed string and returns it with the new position
func getString(data []byte, pos int, name string) (string, int, error) {
	if pos+4 > len(data) {
		return "", pos, fmt.Errorf("data too short for %s length", name)
	}
	n := int(binary.BigEndian.Uint32(data[pos : pos+4]))
	pos += 4
	if n < 0 || pos+n > len(data) {
		return "", pos, fmt.Errorf("data too short for %s data", name)
	}
	return string(data[pos : pos+n]), pos + n, nil
}
