package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/cardmint/intake/internal/store"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate intake statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		summary, err := st.Stats(ctx)
		if err != nil {
			return eris.Wrap(err, "stats")
		}

		formatStats(os.Stdout, summary)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

// formatStats writes the store summary as a table.
func formatStats(out io.Writer, s *store.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STATUS\tCOUNT")
	for _, status := range []string{
		"pending", "routing", "extracted", "resolving", "deciding",
		"awaiting_verification", "accepted", "flagged", "rejected",
	} {
		if n, ok := s.CapturesByStatus[status]; ok {
			_, _ = fmt.Fprintf(w, "%s\t%d\n", status, n)
		}
	}
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintf(w, "decisions\t%d\n", s.Decisions)
	_, _ = fmt.Fprintf(w, "audit events\t%d\n", s.AuditEvents)
	_, _ = fmt.Fprintf(w, "catalog cards\t%d\n", s.CatalogCards)
	_ = w.Flush()
}
