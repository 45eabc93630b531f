package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stonebridge-group/diligence-cli/internal/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Ingest documents for extraction",
	Long:  "Converts workbooks and text files into stored documents. Prints one document ID per file; pass those IDs to `extract`.",
	Args:  cobra.MinimumNArgs(1),
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

		for _, path := range args {
			doc, err := ingest.ReadFile(path)
			if err != nil {
				return eris.Wrapf(err, "ingest %s", path)
			}
			if err := st.SaveDocument(ctx, doc); err != nil {
				return eris.Wrapf(err, "save %s", path)
			}
			zap.L().Info("document ingested",
				zap.String("id", doc.ID),
				zap.String("name", doc.Name),
				zap.Int("bytes", len(doc.RawText)),
			)
			fmt.Fprintf(os.Stdout, "%s\t%s\n", doc.ID, doc.Name)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}
