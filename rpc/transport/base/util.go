package base

import (
	"encoding/binary"
	"fmt"
	"github.com/ValentinKolb/dStor/rpc/common"
	"io"
	"net"
)

// WriteMsgFrame writes a control message frame with the format:
// - 4 bytes: message length (uint32, big endian)
// - N bytes: serialized message
func WriteMsgFrame(w io.Writer, msg []byte) error {
	if common.MsgLengthPrefixSize+len(msg) > common.MsgBufSize {
		return fmt.Errorf("message of %d bytes exceeds frame limit", len(msg))
	}

	header := make([]byte, common.MsgLengthPrefixSize)
	binary.BigEndian.PutUint32(header, uint32(len(msg)))

	b := net.Buffers{header, msg}
	_, err := b.WriteTo(w)
	return err
}

// ReadMsgFrame reads a control message frame using the provided buffer and
// returns the serialized message. Frames larger than common.MsgBufSize are rejected.
func ReadMsgFrame(r io.Reader, buf []byte) ([]byte, error) {
	if len(buf) < common.MsgBufSize {
		buf = make([]byte, common.MsgBufSize)
	}

	// Read header
	if _, err := io.ReadFull(r, buf[:common.MsgLengthPrefixSize]); err != nil {
		return nil, err
	}

	contentLength := int(binary.BigEndian.Uint32(buf[:common.MsgLengthPrefixSize]))
	if contentLength > common.MsgBufSize-common.MsgLengthPrefixSize {
		return nil, fmt.Errorf("announced message length %d exceeds frame limit", contentLength)
	}

	// Read data
	if _, err := io.ReadFull(r, buf[:contentLength]); err != nil {
		return nil, err
	}
	return buf[:contentLength], nil
}

// WriteDataChunk writes one chunk of a read stream:
// - 8 bytes: chunk length (int64, big endian)
// - N bytes: data
func WriteDataChunk(w io.Writer, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	header := make([]byte, common.DataLengthPrefixSize)
	binary.BigEndian.PutUint64(header, uint64(len(data)))

	b := net.Buffers{header, data}
	_, err := b.WriteTo(w)
	return err
}

// WriteStreamEnd terminates a read stream. A zero code marks the regular end,
// a non-zero code reports an error (sent as its negative value).
func WriteStreamEnd(w io.Writer, code common.OpsErr) error {
	header := make([]byte, common.DataLengthPrefixSize)
	binary.BigEndian.PutUint64(header, uint64(code.Result()))
	_, err := w.Write(header)
	return err
}
