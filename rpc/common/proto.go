package common

import (
	"encoding/json"
	"fmt"
)

// --------------------------------------------------------------------------
// Framing Constants
// --------------------------------------------------------------------------

const (
	// MsgBufSize is the size of one header buffer. A complete control message
	// frame (length prefix + serialized message) must fit into it.
	MsgBufSize = 4 * 1024

	// MsgLengthPrefixSize is the size of the big endian uint32 that precedes
	// every serialized control message on the wire
	MsgLengthPrefixSize = 4

	// DataLengthPrefixSize is the size of the big endian int64 that precedes
	// every data chunk of a read stream
	DataLengthPrefixSize = 8

	// MaxDataChunkSize is the largest data chunk a peer may announce in a read stream
	MaxDataChunkSize = 1024 * 1024
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single control message used for both requests and
// responses between clients and storage targets. Which fields are used
// depends on the type of message. Payload data never travels inside a
// Message, it is streamed after (write) or instead of (read) the response.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// Feature flags (see MsgFlag* constants)
	Flags MsgFlags `json:"flags,omitempty"`

	// Request fields
	TargetID   uint16 `json:"target_id,omitempty"`   // Used for: all requests
	FileHandle string `json:"file_handle,omitempty"` // Used for: Read, Write, Fsync
	Offset     int64  `json:"offset,omitempty"`      // Used for: Read, Write
	Count      int64  `json:"count,omitempty"`       // Used for: Read, Write

	// Response fields
	Result  int64        `json:"result,omitempty"`  // Used for: Write, Fsync, StatStorage responses
	Control ControlCode  `json:"control,omitempty"` // Used for: GenericResponse
	Err     string       `json:"err,omitempty"`     // Optional peer supplied log text
	Stat    *StorageStat `json:"stat,omitempty"`    // Used for: StatStorage response
}

// StorageStat holds the capacity numbers reported by a storage target
type StorageStat struct {
	TotalBytes  int64 `json:"total_bytes"`
	FreeBytes   int64 `json:"free_bytes"`
	TotalInodes int64 `json:"total_inodes"`
	FreeInodes  int64 `json:"free_inodes"`
}

// MsgFlags is a bitmask of request feature flags
type MsgFlags uint16

const (
	// MsgFlagBuddyMirror marks a request for a buddy mirrored chunk
	MsgFlagBuddyMirror MsgFlags = 1 << iota
	// MsgFlagBuddyMirrorSecond marks a request addressed to the secondary
	MsgFlagBuddyMirrorSecond
	// MsgFlagBuddyMirrorForward asks the primary to forward the request to its secondary
	MsgFlagBuddyMirrorForward
)

// Has reports whether all bits of f are set
func (m MsgFlags) Has(f MsgFlags) bool {
	return m&f == f
}

// ControlCode is carried by a GenericResponse instead of the expected response
type ControlCode uint8

const (
	CtrlNone            ControlCode = iota
	CtrlTryAgain                    // Peer is busy, request should be retried
	CtrlIndirectCommErr             // Peer failed to talk to another node (e.g. its buddy)
)

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewReadLocalFileRequest creates a new ReadLocalFile request
func NewReadLocalFileRequest(targetID uint16, fileHandle string, offset, count int64, flags MsgFlags) *Message {
	return &Message{
		MsgType:    MsgTReadLocalFile,
		Flags:      flags,
		TargetID:   targetID,
		FileHandle: fileHandle,
		Offset:     offset,
		Count:      count,
	}
}

// NewWriteLocalFileRequest creates a new WriteLocalFile request
func NewWriteLocalFileRequest(targetID uint16, fileHandle string, offset, count int64, flags MsgFlags) *Message {
	return &Message{
		MsgType:    MsgTWriteLocalFile,
		Flags:      flags,
		TargetID:   targetID,
		FileHandle: fileHandle,
		Offset:     offset,
		Count:      count,
	}
}

// NewWriteLocalFileResponse creates a new WriteLocalFile response
func NewWriteLocalFileResponse(result int64) *Message {
	return &Message{
		MsgType: MsgTWriteLocalFileResp,
		Result:  result,
	}
}

// NewFsyncLocalFileRequest creates a new FsyncLocalFile request
func NewFsyncLocalFileRequest(targetID uint16, fileHandle string, flags MsgFlags) *Message {
	return &Message{
		MsgType:    MsgTFsyncLocalFile,
		Flags:      flags,
		TargetID:   targetID,
		FileHandle: fileHandle,
	}
}

// NewFsyncLocalFileResponse creates a new FsyncLocalFile response
func NewFsyncLocalFileResponse(result int64) *Message {
	return &Message{
		MsgType: MsgTFsyncLocalFileResp,
		Result:  result,
	}
}

// NewStatStorageRequest creates a new StatStorage request
func NewStatStorageRequest(targetID uint16) *Message {
	return &Message{
		MsgType:  MsgTStatStorage,
		TargetID: targetID,
	}
}

// NewStatStorageResponse creates a new StatStorage response
func NewStatStorageResponse(result int64, stat StorageStat) *Message {
	return &Message{
		MsgType: MsgTStatStorageResp,
		Result:  result,
		Stat:    &stat,
	}
}

// NewGenericResponse creates a new GenericResponse carrying a control code
func NewGenericResponse(code ControlCode, logText string) *Message {
	return &Message{
		MsgType: MsgTGenericResponse,
		Control: code,
		Err:     logText,
	}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

var messageTypeNames = map[MessageType]string{
	MsgTReadLocalFile:       "readLocalFile",
	MsgTWriteLocalFile:      "writeLocalFile",
	MsgTWriteLocalFileResp:  "writeLocalFileResp",
	MsgTFsyncLocalFile:      "fsyncLocalFile",
	MsgTFsyncLocalFileResp:  "fsyncLocalFileResp",
	MsgTStatStorage:         "statStorage",
	MsgTStatStorageResp:     "statStorageResp",
	MsgTGenericResponse:     "genericResponse",
	MsgTUnknown:             "unknown",
}

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	if s, ok := messageTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	for k, v := range messageTypeNames {
		if v == s {
			*t = k
			return nil
		}
	}
	return fmt.Errorf("unknown message type: %s", s)
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	MsgTUnknown MessageType = iota

	// Data path

	MsgTReadLocalFile      // Read a byte range of a chunk file (response is a data stream)
	MsgTWriteLocalFile     // Write a byte range of a chunk file (payload follows the header)
	MsgTWriteLocalFileResp // Number of bytes written or error code
	MsgTFsyncLocalFile     // Flush a chunk file
	MsgTFsyncLocalFileResp // Fsync result

	// Target info

	MsgTStatStorage     // Query capacity of a target
	MsgTStatStorageResp // Capacity numbers

	// Control

	MsgTGenericResponse // Control code sent instead of the expected response
)
