// Package commands implements the fixgatectl subcommand tree, mirroring
// the teacher's cmd/gobfdctl/commands layout: one file per command group,
// a package-level client bootstrapped in PersistentPreRunE, and a shell
// subcommand that replays the same cobra tree interactively.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nexusfix/fixgate/cmd/fixgatectl/adminclient"
)

var (
	// client is the admin HTTP client, initialized in PersistentPreRunE.
	client *adminclient.Client

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the fixgated admin address (host:port).
	serverAddr string
)

var rootCmd = &cobra.Command{
	Use:   "fixgatectl",
	Short: "CLI client for the fixgated daemon",
	Long:  "fixgatectl communicates with the fixgated admin HTTP endpoint to manage FIX/FIXP sessions.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		client = adminclient.New(serverAddr)
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:50051",
		"fixgated admin address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(resetSeqCmd())
	rootCmd.AddCommand(resetSessionIDsCmd())
	rootCmd.AddCommand(pruneArchiveCmd())
	rootCmd.AddCommand(lookupSessionIDCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
