package commands

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nexusfix/fixgate/internal/session"
)

var errSessionNotFound = errors.New("no session with that id")

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect gateway sessions",
	}

	cmd.AddCommand(sessionListCmd())
	cmd.AddCommand(sessionGetCmd())

	return cmd
}

func sessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all gateway sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessions, err := client.AllSessions(cmd.Context())
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}

			out, err := formatSessions(sessions, outputFormat)
			if err != nil {
				return fmt.Errorf("format sessions: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}
}

func sessionGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show one gateway session by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("parse session id %q: %w", args[0], err)
			}

			sessions, err := client.AllSessions(cmd.Context())
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}

			for _, s := range sessions {
				if s.ID == session.ID(n) {
					out, err := formatSessions([]session.Context{s}, outputFormat)
					if err != nil {
						return fmt.Errorf("format session: %w", err)
					}
					fmt.Print(out)
					return nil
				}
			}

			return fmt.Errorf("%w: %d", errSessionNotFound, n)
		},
	}
}

func resetSeqCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-seq <session-id>",
		Short: "Reset the sequence index for one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("parse session id %q: %w", args[0], err)
			}
			if err := client.ResetSequenceNumber(cmd.Context(), session.ID(n)); err != nil {
				return fmt.Errorf("reset sequence number: %w", err)
			}
			fmt.Printf("session %d sequence number reset\n", n)
			return nil
		},
	}
}

func resetSessionIDsCmd() *cobra.Command {
	var backupDir string
	cmd := &cobra.Command{
		Use:   "reset-session-ids",
		Short: "Archive and wipe the sequence-number index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := client.ResetSessionIDs(cmd.Context(), backupDir); err != nil {
				return fmt.Errorf("reset session ids: %w", err)
			}
			fmt.Printf("sequence-number index backed up to %s and reset\n", backupDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&backupDir, "backup-dir", "", "directory to archive the index to before wiping")
	_ = cmd.MarkFlagRequired("backup-dir")
	return cmd
}

func pruneArchiveCmd() *cobra.Command {
	var minPositions map[string]int64
	cmd := &cobra.Command{
		Use:   "prune-archive",
		Short: "Compute (or apply) the earliest archive position each recording still needs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			newStart, err := client.PruneArchive(cmd.Context(), minPositions)
			if err != nil {
				return fmt.Errorf("prune archive: %w", err)
			}
			if outputFormat == formatJSON {
				return printJSON(newStart)
			}
			for id, pos := range newStart {
				fmt.Printf("%s\t%d\n", id, pos)
			}
			return nil
		},
	}
	cmd.Flags().StringToInt64Var(&minPositions, "min-position", nil,
		"recording_id=position floor, repeatable (caller's own minimum still-needed position)")
	return cmd
}

func lookupSessionIDCmd() *cobra.Command {
	var local, remote string
	cmd := &cobra.Command{
		Use:   "lookup-session-id",
		Short: "Look up a session id by its (local, remote) comp-id pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := client.LookupSessionID(cmd.Context(), local, remote)
			if err != nil {
				return fmt.Errorf("lookup session id: %w", err)
			}
			fmt.Println(uint64(id))
			return nil
		},
	}
	cmd.Flags().StringVar(&local, "local", "", "local comp id")
	cmd.Flags().StringVar(&remote, "remote", "", "remote comp id")
	_ = cmd.MarkFlagRequired("local")
	_ = cmd.MarkFlagRequired("remote")
	return cmd
}
