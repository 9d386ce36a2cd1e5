package util

import (
	"fmt"
	"github.com/ValentinKolb/dStor/rpc/client"
	"github.com/ValentinKolb/dStor/rpc/common"
	"github.com/ValentinKolb/dStor/rpc/serializer"
	"github.com/ValentinKolb/dStor/rpc/transport"
	"github.com/ValentinKolb/dStor/rpc/transport/tcp"
	"github.com/ValentinKolb/dStor/rpc/transport/unix"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"strconv"
	"strings"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50

	// EnvPrefix is the prefix of all environment variables read by the cli
	EnvPrefix = "dstor"
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// --------------------------------------------------------------------------
// Client Configuration
// --------------------------------------------------------------------------

// SetupRPCClientFlags adds the connection and engine flags to a command
func SetupRPCClientFlags(cmd *cobra.Command) {
	defaults := common.DefaultClientConfig()

	key := "topology"
	cmd.PersistentFlags().String(key, "topology.yaml", WrapString("Path of the cluster topology file (nodes, targets and mirror groups)"))

	key = "timeout"
	cmd.PersistentFlags().Int(key, defaults.TimeoutSecond, WrapString("Connection timeout in seconds"))

	key = "transport-conns-per-node"
	cmd.PersistentFlags().Int(key, defaults.Transport.MaxConnsPerNode, WrapString("Maximum number of pooled connections per storage node"))

	key = "transport-write-buffer"
	cmd.PersistentFlags().Int(key, 512, WrapString("The size of the socket write buffer (in KB, 0 = system default)"))

	key = "transport-read-buffer"
	cmd.PersistentFlags().Int(key, 512, WrapString("The size of the socket read buffer (in KB, 0 = system default)"))

	key = "transport-tcp-nodelay"
	cmd.PersistentFlags().Bool(key, true, WrapString("Whether to enable TCP_NODELAY (only for tcp)"))

	key = "transport-tcp-keepalive"
	cmd.PersistentFlags().Int(key, 0, WrapString("The keepalive interval (in seconds, only for tcp)"))

	key = "transport-tcp-linger"
	cmd.PersistentFlags().Int(key, -1, WrapString("The linger time (in seconds, -1 = system default, only for tcp)"))

	key = "retries"
	cmd.PersistentFlags().Int(key, defaults.Engine.MaxRetries, WrapString("Retry budget of an operation (0 = retry until the operation succeeds)"))

	key = "poll-timeout"
	cmd.PersistentFlags().Int(key, defaults.Engine.PollTimeoutMillis, WrapString("How long to wait for a storage target to answer (in milliseconds)"))

	key = "retry-wait"
	cmd.PersistentFlags().Int(key, defaults.Engine.RetryBaseWaitMillis, WrapString("First backoff step between retries (in milliseconds), doubles with every retry"))

	key = "retry-wait-max"
	cmd.PersistentFlags().Int(key, defaults.Engine.RetryMaxWaitMillis, WrapString("Upper bound of the backoff between retries (in milliseconds)"))

	key = "header-buffers"
	cmd.PersistentFlags().Int(key, defaults.Engine.HeaderBuffers, WrapString("Maximum number of request header buffers, limits the number of requests in flight"))

	key = "log-level"
	cmd.PersistentFlags().String(key, "warn", WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// InitClientConfig initializes configuration from environment variables
func InitClientConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// GetClientConfig reads client configuration from viper
func GetClientConfig() *common.ClientConfig {
	conf := common.DefaultClientConfig()

	conf.TimeoutSecond = viper.GetInt("timeout")
	conf.LogLevel = viper.GetString("log-level")
	conf.Transport = common.ClientTransportConfig{
		MaxConnsPerNode: viper.GetInt("transport-conns-per-node"),
		SocketConf: common.SocketConf{
			WriteBufferSize: viper.GetInt("transport-write-buffer") * 1024,
			ReadBufferSize:  viper.GetInt("transport-read-buffer") * 1024,
		},
		TCPConf: common.TCPConf{
			TCPKeepAliveSec: viper.GetInt("transport-tcp-keepalive"),
			TCPLingerSec:    viper.GetInt("transport-tcp-linger"),
			TCPNoDelay:      viper.GetBool("transport-tcp-nodelay"),
		},
	}
	conf.Engine.MaxRetries = viper.GetInt("retries")
	conf.Engine.PollTimeoutMillis = viper.GetInt("poll-timeout")
	conf.Engine.RetryBaseWaitMillis = viper.GetInt("retry-wait")
	conf.Engine.RetryMaxWaitMillis = viper.GetInt("retry-wait-max")
	conf.Engine.HeaderBuffers = viper.GetInt("header-buffers")
	conf.Engine.HeaderBufferReserve = min(conf.Engine.HeaderBufferReserve, conf.Engine.HeaderBuffers)

	return &conf
}

// GetSerializer creates a serializer based on configuration
func GetSerializer() (serializer.IRPCSerializer, error) {
	switch viper.GetString("serializer") {
	case "json":
		return serializer.NewJSONSerializer(), nil
	case "binary":
		return serializer.NewBinarySerializer(), nil
	default:
		return nil, fmt.Errorf("invalid serializer %s", viper.GetString("serializer"))
	}
}

// GetConnPool creates the client connection pool of the configured transport
func GetConnPool(config common.ClientConfig) (transport.IConnPool, error) {
	switch viper.GetString("transport") {
	case "tcp":
		return tcp.NewTCPConnPool(config), nil
	case "unix":
		return unix.NewUnixConnPool(config), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}

// GetServerTransport creates the server transport of the configured transport
func GetServerTransport() (transport.IRPCServerTransport, error) {
	switch viper.GetString("transport") {
	case "tcp":
		return tcp.NewTCPServerTransport(), nil
	case "unix":
		return unix.NewUnixServerTransport(), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}

// --------------------------------------------------------------------------
// Parsing Helper
// --------------------------------------------------------------------------

// ParseTargetIDs parses a comma separated list of target ids (e.g. "101,102")
func ParseTargetIDs(s string) ([]uint16, error) {
	var ids []uint16
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid target id %q: %w", part, err)
		}
		ids = append(ids, uint16(id))
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no target ids given")
	}
	return ids, nil
}

// ParseSize parses a human readable size (e.g. "512KiB", "1MB", "4096")
func ParseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return int64(n), nil
}

// SetupStripeFlags adds the flags describing the stripe layout of a file
func SetupStripeFlags(cmd *cobra.Command) {
	key := "targets"
	cmd.PersistentFlags().String(key, "", WrapString("Comma-separated list of the targets (or mirror groups) the file is striped over"))

	key = "chunk-size"
	cmd.PersistentFlags().String(key, "512KiB", WrapString("Stripe chunk size (e.g. 512KiB, 1MiB)"))

	key = "mirrored"
	cmd.PersistentFlags().Bool(key, false, WrapString("Whether the entries of --targets are buddy mirror groups"))
}

// GetStripe reads the stripe layout from viper
func GetStripe() (client.Stripe, error) {
	targets, err := ParseTargetIDs(viper.GetString("targets"))
	if err != nil {
		return client.Stripe{}, err
	}
	chunkSize, err := ParseSize(viper.GetString("chunk-size"))
	if err != nil {
		return client.Stripe{}, err
	}
	stripe := client.Stripe{
		Targets:   targets,
		ChunkSize: chunkSize,
		Mirrored:  viper.GetBool("mirrored"),
	}
	return stripe, stripe.Validate()
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}
