package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [directory]",
	Short: "Ingest OCR text files from a directory",
	Long: `Walk a directory of OCR-extracted .txt files and drive each one
through the full resolution pipeline. Already-ingested files are skipped
through the content hash.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	app, err := newApplication(ctx)
	if err != nil {
		return err
	}
	defer app.close()

	root := args[0]
	var ingested, skipped, failed int

	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".txt") {
			return nil
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			log.Error().Err(err).Str("file", path).Msg("Failed to read file")
			failed++
			return nil
		}

		id, isNew, err := app.service.Ingest(ctx, d.Name(), string(raw))
		if err != nil {
			log.Error().Err(err).Str("file", path).Msg("Failed to ingest file")
			failed++
			return nil
		}
		if !isNew {
			log.Info().Str("file", path).Str("receipt_id", id.String()).Msg("Duplicate receipt skipped")
			skipped++
			return nil
		}

		if err := app.service.ProcessReceipt(ctx, id); err != nil {
			return errors.Wrapf(err, "processing aborted on %s", path)
		}
		ingested++
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().
		Int("ingested", ingested).
		Int("skipped", skipped).
		Int("failed", failed).
		Msg("Ingest run complete")
	return nil
}
