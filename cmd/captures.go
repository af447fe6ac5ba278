package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cardmint/intake/internal/model"
	"github.com/cardmint/intake/internal/store"
)

var capturesCmd = &cobra.Command{
	Use:   "captures",
	Short: "Inspect and requeue captures",
	Long:  "Commands for listing captures, viewing their decision history, and rerunning settled ones.",
}

// -- captures list --

var capturesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captures",
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

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		captures, err := st.ListCaptures(ctx, store.CaptureFilter{
			Status: model.CaptureStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "captures list")
		}

		if len(captures) == 0 {
			fmt.Fprintln(os.Stderr, "No captures found.")
			return nil
		}

		formatCapturesList(os.Stdout, captures)
		return nil
	},
}

// -- captures show --

var capturesShowCmd = &cobra.Command{
	Use:   "show <capture-id>",
	Short: "Show a capture with its decision history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		capture, err := st.GetCapture(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "captures show")
		}

		decisions, err := st.ListDecisions(ctx, capture.ID)
		if err != nil {
			return eris.Wrap(err, "captures show decisions")
		}

		extraction, err := st.LatestExtraction(ctx, capture.ID)
		if err != nil {
			return eris.Wrap(err, "captures show extraction")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"capture":    capture,
			"extraction": extraction,
			"decisions":  decisions,
		})
	},
}

// -- captures audit --

var capturesAuditCmd = &cobra.Command{
	Use:   "audit <capture-id>",
	Short: "Show the audit trail for a capture",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("limit")
		events, err := st.ListAuditEvents(ctx, args[0], limit)
		if err != nil {
			return eris.Wrap(err, "captures audit")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	},
}

// -- captures reprocess --

var capturesReprocessCmd = &cobra.Command{
	Use:   "reprocess <capture-id>",
	Short: "Rerun a settled capture through the pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		d, err := env.Pipeline.Reprocess(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "reprocess")
		}

		zap.L().Info("capture reprocessed",
			zap.String("capture_id", args[0]),
			zap.String("outcome", string(d.Outcome)),
			zap.Float64("confidence", d.RawConfidence),
		)
		return nil
	},
}

func init() {
	capturesListCmd.Flags().String("status", "", "filter by status (pending, accepted, flagged, ...)")
	capturesListCmd.Flags().Int("limit", 50, "max number of captures to display")
	capturesAuditCmd.Flags().Int("limit", 200, "max number of audit events to display")

	capturesCmd.AddCommand(capturesListCmd)
	capturesCmd.AddCommand(capturesShowCmd)
	capturesCmd.AddCommand(capturesAuditCmd)
	capturesCmd.AddCommand(capturesReprocessCmd)
	rootCmd.AddCommand(capturesCmd)
}

// formatCapturesList writes a tabular capture listing to w.
func formatCapturesList(out io.Writer, captures []model.Capture) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tIMAGE\tSTATUS\tREASON\tTIER\tUPDATED")
	for _, c := range captures {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(c.ID),
			c.ImageRef,
			c.Status,
			c.Reason,
			c.ValueTier,
			c.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
