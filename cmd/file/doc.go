// Package file implements the client commands on striped files: write, read,
// fsync, statfs and a performance test. The cluster layout is read from a
// topology file (see cluster.LoadTopology), the stripe layout of the file
// from the --targets, --chunk-size and --mirrored flags.
package file
