package cmd

import (
	"fmt"
	"github.com/ValentinKolb/dStor/cmd/file"
	"github.com/ValentinKolb/dStor/cmd/serve"
	"github.com/ValentinKolb/dStor/cmd/util"
	"github.com/spf13/cobra"
	"os"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dstor",
		Short: "striped, buddy mirrored chunk storage",
		Long: fmt.Sprintf(`dStor (v%s)

Storage target servers and a client that stripes files over them,
optionally mirrored in buddy groups. The client multiplexes all
requests of an operation over non-blocking connections and retries
failed requests with awareness of target health.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dStor",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dStor v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(file.FileCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer to use (binary, json)"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport to use (tcp, unix)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
