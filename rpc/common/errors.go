package common

import (
	"fmt"
)

// --------------------------------------------------------------------------
// Operation Error Codes
// --------------------------------------------------------------------------

// OpsErr is the error code of a storage operation. Per-target results are
// signed: non-negative values are success magnitudes (e.g. bytes transferred),
// negative values are negated OpsErr codes.
type OpsErr int64

const (
	OpsErrSuccess       OpsErr = iota
	OpsErrInternal             // Unexpected internal condition
	OpsErrInterrupted          // Operation cancelled by the caller
	OpsErrCommunication        // Connection or transfer failed
	OpsErrCommTimedOut         // Readiness wait or I/O timed out
	OpsErrUnknownNode          // Node for a target could not be resolved
	OpsErrUnknownTarget        // Target or mirror group is unknown
	OpsErrAgain                // Peer asked for the request to be retried
	OpsErrProtocol             // Malformed or oversized message
	OpsErrAddressFault         // Caller supplied source/sink failed
	OpsErrIO                   // Peer reported an I/O error
	OpsErrNoSpace              // Peer ran out of space
	OpsErrInval                // Peer rejected the request as invalid
	OpsErrPathNotExists        // File handle unknown on the peer
)

var opsErrText = map[OpsErr]string{
	OpsErrSuccess:       "success",
	OpsErrInternal:      "internal error",
	OpsErrInterrupted:   "interrupted",
	OpsErrCommunication: "communication error",
	OpsErrCommTimedOut:  "communication timeout",
	OpsErrUnknownNode:   "unknown node",
	OpsErrUnknownTarget: "unknown target",
	OpsErrAgain:         "try again",
	OpsErrProtocol:      "protocol error",
	OpsErrAddressFault:  "bad address",
	OpsErrIO:            "input/output error",
	OpsErrNoSpace:       "no space left",
	OpsErrInval:         "invalid argument",
	OpsErrPathNotExists: "path does not exist",
}

// String returns the human-readable description of the code
func (e OpsErr) String() string {
	if s, ok := opsErrText[e]; ok {
		return s
	}
	return fmt.Sprintf("unknown error code %d", int64(e))
}

// Error implements the error interface
func (e OpsErr) Error() string {
	return e.String()
}

// Result returns the signed per-target result that carries this code
func (e OpsErr) Result() int64 {
	return -int64(e)
}

// Retryable reports whether a session that failed with this code may be
// retried by the retry controller. Everything else is final.
func (e OpsErr) Retryable() bool {
	switch e {
	case OpsErrCommunication, OpsErrCommTimedOut, OpsErrAgain:
		return true
	default:
		return false
	}
}

// OpsErrFromResult extracts the error code from a signed result.
// Non-negative results yield OpsErrSuccess.
func OpsErrFromResult(res int64) OpsErr {
	if res >= 0 {
		return OpsErrSuccess
	}
	return OpsErr(-res)
}

// ResultError converts a signed result into an error, nil for success
func ResultError(res int64) error {
	if res >= 0 {
		return nil
	}
	return OpsErr(-res)
}
