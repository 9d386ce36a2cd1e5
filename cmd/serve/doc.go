// Package serve implements the serve command, which starts a storage target server.
package serve
