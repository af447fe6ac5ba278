package main

import (
	"context"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cardmint/intake/internal/model"
)

var (
	processTier        string
	processConcurrency int
)

var processCmd = &cobra.Command{
	Use:   "process <image-ref> [image-ref...]",
	Short: "Run captures through the pipeline from the command line",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		tier, err := parseValueTier(processTier)
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		return processRefs(ctx, env, args, tier, processConcurrency)
	},
}

func init() {
	processCmd.Flags().StringVar(&processTier, "tier", string(model.ValueTierCommon), "value tier (common, rare, holo, vintage, high_value)")
	processCmd.Flags().IntVar(&processConcurrency, "concurrency", 4, "max captures processed in parallel")
	rootCmd.AddCommand(processCmd)
}

// processRefs creates a capture per image ref and runs them through the
// pipeline concurrently. Individual failures do not abort the batch.
func processRefs(ctx context.Context, env *pipelineEnv, refs []string, tier model.ValueTier, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	zap.L().Info("processing batch",
		zap.Int("captures", len(refs)),
		zap.Int("concurrency", concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var succeeded, failed atomic.Int64

	for _, ref := range refs {
		ref := ref
		g.Go(func() error {
			log := zap.L().With(zap.String("image_ref", ref))

			cap, err := env.Store.CreateCapture(gctx, ref, tier)
			if err != nil {
				failed.Add(1)
				log.Error("create capture failed", zap.Error(err))
				return nil
			}

			d, err := env.Pipeline.Process(gctx, cap.ID)
			if err != nil {
				failed.Add(1)
				log.Error("processing failed",
					zap.String("capture_id", cap.ID),
					zap.Error(err),
				)
				return nil
			}

			succeeded.Add(1)
			log.Info("capture settled",
				zap.String("capture_id", cap.ID),
				zap.String("outcome", string(d.Outcome)),
				zap.Float64("confidence", d.RawConfidence),
			)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return eris.Wrap(err, "batch processing")
	}

	zap.L().Info("batch complete",
		zap.Int64("succeeded", succeeded.Load()),
		zap.Int64("failed", failed.Load()),
	)
	return nil
}

// parseValueTier validates an operator-supplied tier string. Empty input
// defaults to common, matching store behavior.
func parseValueTier(raw string) (model.ValueTier, error) {
	switch model.ValueTier(raw) {
	case "":
		return model.ValueTierCommon, nil
	case model.ValueTierCommon, model.ValueTierRare, model.ValueTierHolo,
		model.ValueTierVintage, model.ValueTierHighValue:
		return model.ValueTier(raw), nil
	default:
		return "", eris.Errorf("unknown value tier: %q", raw)
	}
}
