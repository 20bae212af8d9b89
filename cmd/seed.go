package cmd

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"example.com/receiptops/internal/models"
	"example.com/receiptops/internal/vectorstore"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var seedFile string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the brand catalog",
	Long: `Load brands and their aliases from a JSON file, embed every alias
and push the vectors into the similarity store. Aliases that already exist
are skipped.`,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "brands.json", "JSON file with brands and aliases")
	rootCmd.AddCommand(seedCmd)
}

// seedBrand is one entry of the seed file
type seedBrand struct {
	Name    string   `json:"name"`
	Website string   `json:"website,omitempty"`
	Aliases []string `json:"aliases"`
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	app, err := newApplication(ctx)
	if err != nil {
		return err
	}
	defer app.close()

	raw, err := os.ReadFile(seedFile)
	if err != nil {
		return errors.Wrapf(err, "failed to read seed file %s", seedFile)
	}

	var entries []seedBrand
	if err := json.Unmarshal(raw, &entries); err != nil {
		return errors.Wrap(err, "failed to parse seed file")
	}

	var created, vectorized int
	for _, entry := range entries {
		if entry.Name == "" {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		brand, err := app.brands.GetByName(ctx, entry.Name)
		if err != nil {
			brand = &models.Brand{Name: entry.Name, Website: entry.Website}
			if err := app.brands.Create(ctx, brand); err != nil {
				return errors.Wrapf(err, "failed to create brand %s", entry.Name)
			}
			created++
		}

		// The canonical name is itself an alias so a bare brand still matches
		aliases := append([]string{entry.Name}, entry.Aliases...)
		for _, text := range aliases {
			if text == "" {
				continue
			}
			alias, err := app.brands.AddAlias(ctx, brand.ID, text)
			if err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					continue
				}
				return errors.Wrapf(err, "failed to add alias %q to brand %s", text, entry.Name)
			}

			vec, err := app.embedder.Embed(ctx, text)
			if err != nil {
				return errors.Wrapf(err, "failed to embed alias %q", text)
			}
			if err := app.vectors.Upsert(ctx, vectorstore.CollectionBrandAliases, alias.ID, vec); err != nil {
				return errors.Wrapf(err, "failed to store vector for alias %q", text)
			}
			if err := app.brands.MarkAliasVectorized(ctx, alias.ID); err != nil {
				return errors.Wrapf(err, "failed to mark alias %q vectorized", text)
			}
			vectorized++
		}
	}

	app.catalog.Invalidate(ctx)

	log.Info().
		Int("brands", created).
		Int("aliases", vectorized).
		Msg("Brand catalog seeded")
	return nil
}
