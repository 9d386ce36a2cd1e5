// Package server implements the storage target server. It serves chunk file
// requests (read, write, fsync, stat) for the targets configured on a node and
// forwards writes for buddy mirrored chunks to the secondary of the group.
//
// Key Components:
//
//   - IRPCServerAdapter: Handles one request on the connection it arrived on.
//     Writes carry their payload after the request header and reads answer
//     with a data stream instead of a response header, so the adapter works on
//     the connection instead of returning a response message.
//
//   - NewStorageServerAdapter: Creates the adapter that maps requests to an
//     chunkstore.IChunkStore and answers with the error codes the client engine
//     understands.
//
//   - IForwarder / NewMirrorForwarder: Sends a write received by the primary of
//     a mirror group to the group's secondary, using the client engine.
//
//   - NewStorageServer: Creates a server with the given transport and serializer.
//     The chunk store backend (memory or badger) and the targets are created
//     from the configuration when the server starts.
//
// Usage Example:
//
//	config := common.ServerConfig{
//	  Targets:       []uint16{101, 102},
//	  Backend:       common.BackendBadger,
//	  DataDir:       "/var/lib/dstor",
//	  CapacityBytes: 1 << 40,
//	  CapacityFiles: 1 << 20,
//	  Endpoint:      "0.0.0.0:8000",
//	  TimeoutSecond: 5,
//	  LogLevel:      "info",
//	}
//
//	s := server.NewStorageServer(config, tcp.NewTCPServerTransport(), serializer.NewBinarySerializer())
//	if err := s.Serve(); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//
// Thread Safety:
//
//	Requests on different connections are handled concurrently. Requests on
//	one connection are handled one after another.
package server
