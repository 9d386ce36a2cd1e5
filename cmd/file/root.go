package file

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/dStor/cmd/util"
	"github.com/ValentinKolb/dStor/lib/cluster"
	"github.com/ValentinKolb/dStor/rpc/client"
	"github.com/ValentinKolb/dStor/rpc/common"
	"github.com/ValentinKolb/dStor/rpc/transport/base"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"os"
	"os/signal"
)

var (
	storageClient *client.StorageClient
	clientConfig  *common.ClientConfig

	// FileCommands represents the file command group
	FileCommands = &cobra.Command{
		Use:                "file",
		Short:              "Perform operations on striped files",
		PersistentPreRunE:  setupStorageClient,
		PersistentPostRunE: closeStorageClient,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitClientConfig)

	// Add common RPC and stripe flags to the file commands
	util.SetupRPCClientFlags(FileCommands)
	util.SetupStripeFlags(FileCommands)

	// Add subcommands
	FileCommands.AddCommand(writeCmd)
	FileCommands.AddCommand(readCmd)
	FileCommands.AddCommand(fsyncCmd)
	FileCommands.AddCommand(statfsCmd)
	FileCommands.AddCommand(perfTestCmd)
}

// setupStorageClient loads the topology and creates the storage client
func setupStorageClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	clientConfig = util.GetClientConfig()
	if err := clientConfig.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	common.InitLoggers(clientConfig.LogLevel)

	registry, err := cluster.LoadTopology(viper.GetString("topology"))
	if err != nil {
		return err
	}

	s, err := util.GetSerializer()
	if err != nil {
		return err
	}

	pool, err := util.GetConnPool(*clientConfig)
	if err != nil {
		return err
	}

	storageClient, err = client.NewStorageClient(*clientConfig, pool, base.NewPoller, registry, s)
	return err
}

func closeStorageClient(_ *cobra.Command, _ []string) error {
	if storageClient == nil {
		return nil
	}
	return storageClient.Close()
}

// commandContext returns a context that is cancelled on interrupt
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}
