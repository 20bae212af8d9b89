package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/receiptops/internal/messaging"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker to ingest OCR payloads from Azure Service Bus and sweep stalled receipts through the pipeline`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	app, err := newApplication(ctx)
	if err != nil {
		return err
	}
	defer app.close()

	g, ctx := errgroup.WithContext(ctx)

	// Queue intake: each OCR payload is ingested and driven through the
	// pipeline in one pass. Duplicates complete without reprocessing.
	if app.cfg.Azure.QueueConnStr != "" {
		azureBus, err := messaging.NewAzureServiceBus(app.cfg.Azure)
		if err != nil {
			return err
		}
		defer func() {
			if err := azureBus.Close(context.Background()); err != nil {
				log.Error().Err(err).Msg("Failed to close Service Bus client")
			}
		}()

		g.Go(func() error {
			log.Info().Str("queue", app.cfg.Azure.QueueName).Msg("Starting Azure Service Bus processor")
			return azureBus.ProcessMessages(ctx, func(ctx context.Context, payload messaging.OCRPayload) error {
				id, isNew, err := app.service.Ingest(ctx, payload.SourceFile, payload.Text)
				if err != nil {
					return err
				}
				if !isNew {
					return nil
				}
				return app.service.ProcessReceipt(ctx, id)
			})
		})
	} else {
		log.Warn().Msg("Azure Service Bus connection string not set, queue intake disabled")
	}

	// Sweep job: picks up receipts whose pass was interrupted before a
	// terminal state and resumes them
	g.Go(func() error {
		log.Info().Dur("interval", app.cfg.Worker.SweepInterval).Msg("Starting pipeline sweep job")

		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(app.cfg.Worker.SweepInterval),
			gocron.NewTask(func() {
				if err := app.service.Sweep(ctx, app.cfg.Worker.BatchSize); err != nil {
					log.Error().Err(err).Msg("Pipeline sweep failed")
				}
			}),
		)
		if err != nil {
			return err
		}

		scheduler.Start()

		<-ctx.Done()

		return scheduler.Shutdown()
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
