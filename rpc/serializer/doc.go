// Package serializer provides message serialization for the storage RPC
// protocol. It defines a common interface and two implementations for
// converting control messages between their Go representation and the bytes
// that travel inside one length-prefixed frame.
//
// The package focuses on:
//   - Providing a consistent interface for different serialization formats
//   - Serializing directly into caller owned header buffers (SerializeTo)
//   - Minimizing memory allocations and processing overhead
//
// Key Components:
//
//   - IRPCSerializer: Core interface that all serializer implementations must satisfy.
//
//   - binarySerializerImpl: Custom binary format implementation optimized for speed
//     and space efficiency. Uses a flag-based approach to encode only present fields,
//     resulting in compact serialized data with minimal overhead.
//
//   - jsonSerializerImpl: Implementation using JSON encoding, useful for debugging
//     with packet captures, but with larger frames and lower performance.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use
//	across multiple goroutines without additional synchronization.
//
// Usage:
//
//	  serializer := serializer.NewBinarySerializer()
//	  n, err := serializer.SerializeTo(message, headerBuf)
//	  // ... send headerBuf[:n] ...
//	  var receivedMsg common.Message
//	  err = serializer.Deserialize(receivedData, &receivedMsg)
package serializer
