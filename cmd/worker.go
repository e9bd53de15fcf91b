package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/aethyr/world/messaging"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Consume commands from Azure Service Bus and periodically re-project events the read tables missed`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	log.Info().Msg("Starting worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Azure.QueueConnStr != "" {
		azureClient, err := messaging.NewAzureClient(cfg.Azure)
		if err != nil {
			return err
		}
		defer azureClient.Close(context.Background())

		msgProcessor := messaging.NewProcessor(a.world, a.tracer)
		g.Go(func() error {
			log.Info().Str("queue", cfg.Azure.CommandsQueueName).Msg("Starting Azure Service Bus consumer")
			return azureClient.StartConsumers(ctx, cfg.Azure.CommandsQueueName, msgProcessor)
		})
	}

	g.Go(func() error {
		interval := cfg.Projections.SweepInterval
		if interval <= 0 {
			interval = time.Minute
		}
		log.Info().Dur("interval", interval).Msg("Starting projection sweep job")

		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(interval),
			gocron.NewTask(func() {
				txnCtx, txn := a.tracer.StartTransaction(ctx, "projection-sweep")
				defer a.tracer.EndTransaction(txn)

				visited, err := a.world.SweepProjections(txnCtx)
				if err != nil {
					a.tracer.RecordError(txn, err)
					log.Error().Err(err).Msg("Projection sweep failed")
					return
				}
				log.Info().Int("aggregates", visited).Msg("Projection sweep done")
			}),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
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
