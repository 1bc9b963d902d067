package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ValentinKolb/slicerpc/cmd/client"
	"github.com/ValentinKolb/slicerpc/cmd/serve"
	"github.com/ValentinKolb/slicerpc/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.1.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "slicerpc",
		Short: "rpc runtime speaking ice1 and ice2",
		Long: fmt.Sprintf(`slicerpc (v%s)

An RPC runtime for Slice-defined interfaces written in Go. It speaks the ice1
and ice2 protocols over tcp, ssl, unix, ws, wss and quic transports.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of slicerpc",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("slicerpc v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(client.CallCmd)
	RootCmd.AddCommand(client.PingCmd)
	RootCmd.AddCommand(client.PerfCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	util.SetupConfigFlags(RootCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
// SIGINT and SIGTERM cancel the context of the running command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := RootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
