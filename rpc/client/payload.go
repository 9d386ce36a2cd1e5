package client

import (
	"encoding/binary"
	"errors"
	"github.com/ValentinKolb/dStor/rpc/common"
	"github.com/ValentinKolb/dStor/rpc/transport"
	"io"
)

// xferChunkSize is the size of the per session payload staging buffer
const xferChunkSize = 64 * 1024

// ensureXfer allocates the staging buffer of a session
func ensureXfer(s *TargetSession) {
	if s.xfer != nil {
		return
	}
	size := int64(xferChunkSize)
	if s.Length < size {
		size = s.Length
	}
	if size < 1 {
		size = 1
	}
	s.xfer = make([]byte, size)
}

// sendPayload streams Length bytes from the session's source
func sendPayload(s *TargetSession, conn transport.IConn) ioStatus {
	for s.transferred < s.Length {
		// Refill the staging buffer from the source
		if s.xferPos == s.xferLen {
			ensureXfer(s)
			want := s.Length - s.transferred
			if want > int64(len(s.xfer)) {
				want = int64(len(s.xfer))
			}
			if s.Source == nil {
				s.fail(common.OpsErrAddressFault)
				return ioFailed
			}
			n, err := s.Source.ReadAt(s.xfer[:want], s.transferred)
			if int64(n) < want {
				if err == nil {
					err = io.ErrUnexpectedEOF
				}
				Logger.Errorf("Failed to read payload for %s at %d: %v", s, s.transferred, err)
				s.fail(common.OpsErrAddressFault)
				return ioFailed
			}
			s.xferPos, s.xferLen = 0, int(want)
		}

		n, err := conn.TryWrite(s.xfer[s.xferPos:s.xferLen])
		s.xferPos += n
		s.transferred += int64(n)
		if errors.Is(err, transport.ErrWouldBlock) {
			return ioPending
		}
		if err != nil {
			Logger.Debugf("Failed to send payload to %s: %v", s.node, err)
			s.fail(common.OpsErrCommunication)
			return ioFailed
		}
	}
	return ioDone
}

// recvStream consumes a length prefixed data stream into the session's sink.
// A zero length ends the stream, a negative length carries a peer error code.
func recvStream(s *TargetSession, conn transport.IConn) ioStatus {
	for {
		if s.chunkLeft == 0 {
			// Read the next length prefix
			for s.prefixPos < len(s.prefix) {
				n, err := conn.TryRead(s.prefix[s.prefixPos:])
				s.prefixPos += n
				if errors.Is(err, transport.ErrWouldBlock) {
					return ioPending
				}
				if err != nil {
					Logger.Debugf("Failed to receive data from %s: %v", s.node, err)
					s.fail(common.OpsErrCommunication)
					return ioFailed
				}
			}
			s.prefixPos = 0

			length := int64(binary.BigEndian.Uint64(s.prefix[:]))
			switch {
			case length == 0:
				s.NodeResult = s.transferred
				return ioDone
			case length < 0:
				s.NodeResult = length
				return ioAborted
			case length > common.MaxDataChunkSize:
				Logger.Errorf("Peer of %s announced oversized data chunk of %d bytes", s, length)
				s.fail(common.OpsErrProtocol)
				return ioFailed
			case s.transferred+length > s.Length:
				Logger.Errorf("Peer of %s sent more data than requested (%d > %d)", s, s.transferred+length, s.Length)
				s.fail(common.OpsErrProtocol)
				return ioFailed
			}
			s.chunkLeft = length
		}

		// Read chunk data
		ensureXfer(s)
		want := s.chunkLeft
		if want > int64(len(s.xfer)) {
			want = int64(len(s.xfer))
		}
		n, err := conn.TryRead(s.xfer[:want])
		if n > 0 {
			if s.Sink == nil {
				s.fail(common.OpsErrAddressFault)
				return ioFailed
			}
			if _, werr := s.Sink.WriteAt(s.xfer[:n], s.transferred); werr != nil {
				Logger.Errorf("Failed to store payload for %s at %d: %v", s, s.transferred, werr)
				s.fail(common.OpsErrAddressFault)
				return ioFailed
			}
			s.transferred += int64(n)
			s.chunkLeft -= int64(n)
		}
		if errors.Is(err, transport.ErrWouldBlock) {
			return ioPending
		}
		if err != nil {
			Logger.Debugf("Failed to receive data from %s: %v", s.node, err)
			s.fail(common.OpsErrCommunication)
			return ioFailed
		}
	}
}
