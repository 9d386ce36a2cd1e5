package serializer

import (
	"errors"
	"github.com/ValentinKolb/dStor/rpc/common"
)

// ErrBufferTooSmall is returned by SerializeTo if the message does not fit
var ErrBufferTooSmall = errors.New("serializer: buffer too small")

// IRPCSerializer is the interface for all Message Serializers
type IRPCSerializer interface {
	// Serialize serializes a Message into a newly allocated byte array
	Serialize(msg common.Message) ([]byte, error)
	// SerializeTo serializes a Message into buf and returns the number of bytes used.
	// It returns ErrBufferTooSmall (wrapped) if the message does not fit.
	SerializeTo(msg common.Message, buf []byte) (int, error)
	// Deserialize deserializes a byte array into a Message
	// It takes a byte array and a pointer to a Message as parameters
	// It returns an error if any
	Deserialize(b []byte, msg *common.Message) error
}
