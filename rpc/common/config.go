package common

import (
	"fmt"
	"github.com/go-playground/validator/v10"
	"math"
	"strconv"
	"strings"
	"time"
)

// validate is the shared validator instance for all configuration structs
var validate = validator.New()

// --------------------------------------------------------------------------
// Socket configuration (shared by client and server)
// --------------------------------------------------------------------------

// SocketConf holds generic socket buffer settings
type SocketConf struct {
	WriteBufferSize int `validate:"gte=0"`
	ReadBufferSize  int `validate:"gte=0"`
}

// TCPConf holds TCP specific socket settings
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int `validate:"gte=0"`
	TCPLingerSec    int `validate:"gte=-1"`
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

// ServerConfig holds all configuration parameters for a storage target server
type ServerConfig struct {
	// Targets served by this node
	Targets []uint16 `validate:"min=1"`

	// Chunk store backend (memory or badger) and its data directory
	Backend string `validate:"oneof=memory badger"`
	DataDir string `validate:"required_if=Backend badger"`

	// Capacity per target in bytes and chunk files (reported by StatStorage)
	CapacityBytes int64 `validate:"gt=0"`
	CapacityFiles int64 `validate:"gt=0"`

	// Cluster topology, needed to forward writes to buddy secondaries
	TopologyFile string

	// Answer every n-th request with a "try again" control message (0 = never)
	TryAgainEvery int `validate:"gte=0"`

	// Network
	Endpoint      string `validate:"required"`
	TimeoutSecond int64  `validate:"gte=0"`
	SocketConf    SocketConf
	TCPConf       TCPConf

	// Observability
	MetricsEndpoint string
	LogLevel        string `validate:"oneof=debug info warn warning error"`
}

// Validate checks the configuration for invalid values
func (c *ServerConfig) Validate() error {
	return formatValidationError(validate.Struct(c))
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// RPC settings
	addSection("RPC Server")
	addField("Endpoint", c.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	if c.TryAgainEvery > 0 {
		addField("Try Again Every", strconv.Itoa(c.TryAgainEvery))
	}

	// Storage
	addSection("Storage")
	addField("Backend", c.Backend)
	if c.Backend == BackendBadger {
		addField("Data Directory", c.DataDir)
	}
	addField("Capacity", fmt.Sprintf("%d bytes, %d files", c.CapacityBytes, c.CapacityFiles))
	if c.TopologyFile != "" {
		addField("Topology", c.TopologyFile)
	}

	// Targets
	addSection("Targets")
	for i, t := range c.Targets {
		addField(strconv.Itoa(i), strconv.FormatUint(uint64(t), 10))
	}

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)
	if c.MetricsEndpoint != "" {
		addField("Metrics Endpoint", c.MetricsEndpoint)
	}

	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

// ClientTransportConfig controls how connections to storage nodes are made
type ClientTransportConfig struct {
	// MaxConnsPerNode limits the number of pooled connections per node
	MaxConnsPerNode int `validate:"gt=0"`
	SocketConf      SocketConf
	TCPConf         TCPConf
}

// EngineConfig controls the round driver and the retry controller
type EngineConfig struct {
	// MaxRetries is the retry budget per operation (0 = unlimited)
	MaxRetries int `validate:"gte=0"`
	// PollTimeoutMillis bounds one blocking readiness wait
	PollTimeoutMillis int `validate:"gt=0"`
	// RetryBaseWaitMillis is the first backoff step, it doubles per retry up to RetryMaxWaitMillis
	RetryBaseWaitMillis int `validate:"gte=0"`
	RetryMaxWaitMillis  int `validate:"gtefield=RetryBaseWaitMillis"`
	// TargetStateCooldownMillis is the pause while waiting for mirror states to settle
	TargetStateCooldownMillis int `validate:"gte=0"`
	// TryAgainWaitMillis is the pause before resending a request the peer asked to retry
	TryAgainWaitMillis int `validate:"gte=0"`
	// HeaderBuffers limits the number of header buffers, HeaderBufferReserve of them are preallocated
	HeaderBuffers       int `validate:"gt=0"`
	HeaderBufferReserve int `validate:"gte=0,ltefield=HeaderBuffers"`
}

// Validate checks the engine configuration for invalid values
func (c *EngineConfig) Validate() error {
	return formatValidationError(validate.Struct(c))
}

// ClientConfig holds all parameters of a storage client
type ClientConfig struct {
	// TimeoutSecond bounds connection establishment
	TimeoutSecond int `validate:"gte=0"`
	Transport     ClientTransportConfig
	Engine        EngineConfig
	LogLevel      string `validate:"omitempty,oneof=debug info warn warning error"`
}

// DefaultClientConfig returns a client configuration with sane defaults
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		TimeoutSecond: 10,
		Transport: ClientTransportConfig{
			MaxConnsPerNode: 4,
			TCPConf: TCPConf{
				TCPNoDelay:   true,
				TCPLingerSec: -1,
			},
		},
		Engine: EngineConfig{
			MaxRetries:                10,
			PollTimeoutMillis:         30 * 1000,
			RetryBaseWaitMillis:       50,
			RetryMaxWaitMillis:        5 * 1000,
			TargetStateCooldownMillis: 1000,
			TryAgainWaitMillis:        100,
			HeaderBuffers:             256,
			HeaderBufferReserve:       4,
		},
		LogLevel: "info",
	}
}

// Validate checks the configuration for invalid values
func (c *ClientConfig) Validate() error {
	return formatValidationError(validate.Struct(c))
}

// ConnectTimeout returns the connection establishment timeout (0 = none)
func (c *ClientConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// PollTimeout returns the bounded readiness wait
func (c *EngineConfig) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutMillis) * time.Millisecond
}

// RetryWait returns the backoff before retry number retryNum (starting at 0).
// The first retry happens immediately, later ones double from the base wait.
func (c *EngineConfig) RetryWait(retryNum int) time.Duration {
	if retryNum <= 0 || c.RetryBaseWaitMillis <= 0 {
		return 0
	}
	exp := math.Min(float64(retryNum-1), 30)
	wait := float64(c.RetryBaseWaitMillis) * math.Pow(2, exp)
	wait = math.Min(wait, float64(c.RetryMaxWaitMillis))
	return time.Duration(wait) * time.Millisecond
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Conns Per Node", strconv.Itoa(int(math.Max(1, float64(c.Transport.MaxConnsPerNode)))))

	// Engine
	addSection("Engine")
	retries := strconv.Itoa(c.Engine.MaxRetries)
	if c.Engine.MaxRetries == 0 {
		retries = "unlimited"
	}
	addField("Max Retries", retries)
	addField("Poll Timeout", fmt.Sprintf("%d ms", c.Engine.PollTimeoutMillis))
	addField("Retry Wait", fmt.Sprintf("%d-%d ms", c.Engine.RetryBaseWaitMillis, c.Engine.RetryMaxWaitMillis))
	addField("State Cooldown", fmt.Sprintf("%d ms", c.Engine.TargetStateCooldownMillis))
	addField("Header Buffers", fmt.Sprintf("%d (reserve %d)", c.Engine.HeaderBuffers, c.Engine.HeaderBufferReserve))

	return sb.String()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// formatValidationError converts validator errors into readable messages
func formatValidationError(err error) error {
	if err == nil {
		return nil
	}
	if validationErrs, ok := err.(validator.ValidationErrors); ok && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
