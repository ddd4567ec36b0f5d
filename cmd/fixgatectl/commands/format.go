package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/nexusfix/fixgate/internal/session"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is
// not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatSessions renders a slice of session contexts in the requested
// format.
func formatSessions(sessions []session.Context, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatSessionsJSON(sessions)
	case formatTable:
		return formatSessionsTable(sessions)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatSessionsTable(sessions []session.Context) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROTOCOL\tSENDER\tTARGET\tFIXP-SESSION-ID\tSEQUENCE-INDEX\tENDED")

	for _, s := range sessions {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%t\n",
			s.ID,
			s.Key.Protocol,
			s.Key.SenderCompID,
			s.Key.TargetCompID,
			s.Key.FIXPSessionID,
			s.Sequence,
			s.Ended,
		)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatSessionsJSON(sessions []session.Context) (string, error) {
	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal sessions to JSON: %w", err)
	}
	return string(data), nil
}

// printJSON marshals v as indented JSON to stdout, for commands whose
// output isn't a session list (e.g. prune-archive's recording-id map).
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal to JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
