// Package client implements the client side of the storage target protocol.
// It runs many requests to many storage targets concurrently from a single
// goroutine, without blocking on any single socket, and retries failed
// requests with awareness of buddy mirrors and target health.
//
// Key Components:
//
//   - TargetSession: One request to one storage target (or buddy mirror
//     group). The caller fills in target, file handle, range and payload
//     source or sink, and reads NodeResult after the operation.
//
//   - Strategy: Describes one kind of request (ReadStrategy, WriteStrategy,
//     FsyncStrategy, StatStorageStrategy). The generic session state machine
//     calls into the strategy to build the request, stream payload and
//     evaluate the response.
//
//   - Communicate: The round driver. Each round advances every session as far
//     as possible, then waits for readiness of all pending sockets with a
//     single poll. When only retry waiters are left, the retry controller
//     decides per session whether to give up, switch to the buddy mirror, wait
//     for target states to settle or back off.
//
//   - StorageClient: Maps reads and writes on striped files to per chunk
//     sessions and runs them with Communicate.
//
// Session states:
//
//	PREPARE -> SEND_HEADER -> [SEND_DATA] -> [RECV_HEADER] -> [RECV_DATA] -> CLEANUP -> DONE
//	                 any I/O failure -> SOCKET_INVALIDATE -> CLEANUP
//	                 retryable failure: CLEANUP -> RETRY_WAIT -> PREPARE
//
// Usage Example:
//
//	registry := cluster.NewRegistry()
//	// ... add nodes, targets and mirror groups (see cluster.LoadTopology)
//
//	config := common.DefaultClientConfig()
//	pool := tcp.NewTCPConnPool(config)
//	c, _ := client.NewStorageClient(config, pool, base.NewPoller, registry, serializer.NewBinarySerializer())
//	defer c.Close()
//
//	stripe := client.Stripe{Targets: []uint16{101, 102}, ChunkSize: 512 * 1024}
//	n, err := c.Write(ctx, "file-1", stripe, 0, data)
//
// Thread Safety:
//
//	StorageClient is safe for concurrent use. A single call of Communicate
//	is not, its sessions and poller belong to the calling goroutine.
package client
