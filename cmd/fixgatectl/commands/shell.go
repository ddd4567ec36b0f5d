package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// shellCommands lists the available commands for the interactive shell
// help output.
var shellCommands = []struct {
	name string
	desc string
}{
	{"session list", "List all gateway sessions"},
	{"session get <id>", "Show one gateway session"},
	{"reset-seq <id>", "Reset a session's sequence index"},
	{"reset-session-ids --backup-dir <dir>", "Archive and wipe the sequence-number index"},
	{"prune-archive", "Compute the earliest archive position each recording needs"},
	{"lookup-session-id --local <id> --remote <id>", "Look up a session id by comp ids"},
	{"version", "Print build information"},
	{"help", "Show this help message"},
	{"exit / quit", "Leave the interactive shell"},
}

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive fixgatectl shell",
		Long:  "Launches a simple REPL that accepts fixgatectl subcommands. Type 'help', 'exit', or 'quit'.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			printShellBanner()
			scanner := bufio.NewScanner(os.Stdin)
			fmt.Print("fixgatectl> ")

			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())

				switch {
				case line == "exit" || line == "quit":
					return nil
				case line == "help" || line == "?":
					printShellHelp()
				case line != "":
					args := strings.Fields(line)
					rootCmd.SetArgs(args)

					if err := rootCmd.Execute(); err != nil {
						fmt.Fprintln(os.Stderr, "Error:", err)
					}
				}

				fmt.Print("fixgatectl> ")
			}

			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}

			return nil
		},
	}
}

func printShellBanner() {
	fmt.Println("fixgatectl interactive shell. Type 'help' for available commands, 'exit' to quit.")
	fmt.Println()
}

func printShellHelp() {
	fmt.Println("Available commands:")
	fmt.Println()

	for _, cmd := range shellCommands {
		fmt.Printf("  %-46s %s\n", cmd.name, cmd.desc)
	}

	fmt.Println()
}
