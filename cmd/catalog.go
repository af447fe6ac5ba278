package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	catalogCSVPath      string
	catalogSynonymsPath string
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the canonical card catalog",
}

var catalogImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a catalog generation from a pricing-export CSV",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		cards, err := importCatalogCSV(ctx, st, catalogCSVPath, catalogSynonymsPath)
		if err != nil {
			return err
		}

		zap.L().Info("catalog import complete",
			zap.Int("cards", len(cards)),
			zap.String("csv", catalogCSVPath),
		)
		return nil
	},
}

func init() {
	catalogImportCmd.Flags().StringVar(&catalogCSVPath, "csv", "", "path to catalog CSV (required)")
	catalogImportCmd.Flags().StringVar(&catalogSynonymsPath, "synonyms", "", "path to set synonyms CSV")
	_ = catalogImportCmd.MarkFlagRequired("csv")

	catalogCmd.AddCommand(catalogImportCmd)
	rootCmd.AddCommand(catalogCmd)
}
