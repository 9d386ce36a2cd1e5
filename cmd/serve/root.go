package serve

import (
	"fmt"
	cmdUtil "github.com/ValentinKolb/dStor/cmd/util"
	"github.com/ValentinKolb/dStor/rpc/common"
	"github.com/ValentinKolb/dStor/rpc/serializer"
	"github.com/ValentinKolb/dStor/rpc/server"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"strings"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a storage target server",
		Long:    `Start a storage target server with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is DSTOR_<flag> (e.g. DSTOR_CAPACITY=1TiB)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(initConfig)

	// add flags
	key := "targets"
	ServeCmd.PersistentFlags().String(key, "101", cmdUtil.WrapString("Comma-separated list of the storage targets served by this node"))

	key = "backend"
	ServeCmd.PersistentFlags().String(key, common.BackendBadger, cmdUtil.WrapString("Chunk store backend (badger, memory). The memory backend loses all data on shutdown"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "data", cmdUtil.WrapString("Directory of the badger chunk store"))

	key = "capacity"
	ServeCmd.PersistentFlags().String(key, "100GiB", cmdUtil.WrapString("Capacity of each target (e.g. 500GiB, 2TB). Writes beyond it fail with 'no space left'"))

	key = "capacity-files"
	ServeCmd.PersistentFlags().Int64(key, 1<<20, cmdUtil.WrapString("Number of chunk files each target can hold"))

	key = "topology"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Path of the cluster topology file. Required to forward writes to the secondary of buddy mirror groups"))

	key = "try-again-every"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Answer every n-th request with 'try again' (0 = never). Useful to test client retries"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 5, cmdUtil.WrapString("Timeout in seconds"))

	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8000", cmdUtil.WrapString("The address on which the server will listen (e.g. localhost:8000, /tmp/dstor.sock, ...)"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address of the prometheus metrics endpoint (e.g. :9100, empty = disabled)"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	targets, err := cmdUtil.ParseTargetIDs(viper.GetString("targets"))
	if err != nil {
		return err
	}
	capacity, err := cmdUtil.ParseSize(viper.GetString("capacity"))
	if err != nil {
		return err
	}

	serveCmdConfig.Targets = targets
	serveCmdConfig.CapacityBytes = capacity
	serveCmdConfig.CapacityFiles = viper.GetInt64("capacity-files")
	serveCmdConfig.Backend = viper.GetString("backend")
	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.TopologyFile = viper.GetString("topology")
	serveCmdConfig.TryAgainEvery = viper.GetInt("try-again-every")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	if err := serveCmdConfig.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// run starts the storage server
func run(_ *cobra.Command, _ []string) error {

	// parse the serializer
	var s serializer.IRPCSerializer
	switch viper.GetString("serializer") {
	case "json":
		s = serializer.NewJSONSerializer()
	case "binary":
		s = serializer.NewBinarySerializer()
	default:
		return fmt.Errorf("invalid serializer %s", viper.GetString("serializer"))
	}

	t, err := cmdUtil.GetServerTransport()
	if err != nil {
		return err
	}

	serv := server.NewStorageServer(
		*serveCmdConfig,
		t,
		s,
	)

	return serv.Serve()
}

// initConfig reads in ENV variables if set.
func initConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix(cmdUtil.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}
