package cmd

import (
	"fmt"
	"github.com/ValentinKolb/wstore/cmd/kv"
	"github.com/ValentinKolb/wstore/cmd/quota"
	"github.com/ValentinKolb/wstore/cmd/stats"
	"github.com/ValentinKolb/wstore/cmd/util"
	"github.com/spf13/cobra"
	"os"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "wstore",
		Short: "per-origin key-value storage engine",
		Long: fmt.Sprintf(`wstore (v%s)

A storage engine for per-origin key-value tables in the style of the
Web Storage API. Tables are kept in memory, written to disk in the
background and limited by per-origin quotas.

Every flag can also be set via environment variables in the format
WSTORE_<flag> (e.g. WSTORE_DATA_DIR=/var/lib/wstore).`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of wstore",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wstore v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(quota.QuotaCommands)
	RootCmd.AddCommand(stats.StatsCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	util.SetupEngineFlags(RootCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
