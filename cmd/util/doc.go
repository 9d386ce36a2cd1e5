// Package util contains helpers shared by the commands: flag setup, reading
// the client configuration from flags and DSTOR_* environment variables, and
// creating serializers, connection pools and stripe layouts from it.
package util
