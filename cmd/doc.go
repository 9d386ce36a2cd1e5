// Package cmd implements the command-line interface of dStor. It provides a
// hierarchical command structure for running storage target servers and for
// talking to them as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Starts a storage target server
//   - file: Client commands on striped files (write, read, fsync, statfs, perf)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// All flags can also be set as environment variables with the DSTOR_ prefix
// (e.g. DSTOR_TOPOLOGY=/etc/dstor/topology.yaml), .env and .env.local files
// are loaded on startup. See dstor -help for a list of all commands.
package cmd
