// Package serve provides the serve command for FetalScan
package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/fetalscan/fetalscan/internal/api"
	"github.com/fetalscan/fetalscan/internal/conf"
	"github.com/fetalscan/fetalscan/internal/logger"
	"github.com/fetalscan/fetalscan/internal/notification"
	"github.com/fetalscan/fetalscan/internal/observability"
)

const poolStatsInterval = 15 * time.Second

// Command creates the serve command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the FetalScan HTTP API",
		Long:  "Start the HTTP API, the analysis pipeline and, when enabled, the Prometheus metrics endpoint.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return Run(cmd.Context(), settings)
		},
	}

	if err := setupFlags(cmd); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("port", viper.GetString("webserver.port"), "Port the HTTP API listens on")
	cmd.Flags().String("storage", viper.GetString("storage.dir"), "Directory for uploaded scan images")
	cmd.Flags().Bool("metrics", viper.GetBool("observability.enabled"), "Enable the Prometheus metrics endpoint")

	for key, flag := range map[string]string{
		"webserver.port":        "port",
		"storage.dir":           "storage",
		"observability.enabled": "metrics",
	} {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", flag, err)
		}
	}
	return nil
}

// Run serves until SIGINT or SIGTERM, then shuts every listener down.
func Run(ctx context.Context, settings *conf.Settings) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.Global().Module("serve")

	services, err := NewServices(ctx, settings)
	if err != nil {
		return err
	}
	defer services.Close()

	mailer, err := notification.NewMailer(settings.Mail,
		notification.WithMetrics(services.Metrics.Notification),
		notification.WithTokenTTL(settings.Security.ResetTokenTTL))
	if err != nil {
		return err
	}

	server, err := api.New(settings, services.Store,
		api.WithIngestor(services.Orchestrator),
		api.WithImageStore(services.Images),
		api.WithMailer(mailer),
		api.WithMetrics(services.Metrics))
	if err != nil {
		return err
	}

	var endpoint *observability.Endpoint
	if settings.Observability.Enabled {
		if endpoint, err = observability.NewEndpoint(settings, services.Metrics); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	if endpoint != nil {
		g.Go(func() error {
			return endpoint.Start(gctx)
		})
	}

	g.Go(func() error {
		reportPoolStats(gctx, services)
		return nil
	})

	log.Info("FetalScan started",
		logger.String("version", settings.Version),
		logger.String("port", settings.WebServer.Port),
		logger.String("datastore", settings.Datastore.Type),
		logger.Bool("mqtt", settings.MQTT.Enabled),
		logger.Bool("mail", mailer.Enabled()))

	err = g.Wait()
	log.Info("FetalScan stopped")
	return err
}

// reportPoolStats copies connection pool statistics into the datastore gauges
func reportPoolStats(ctx context.Context, services *Services) {
	ticker := time.NewTicker(poolStatsInterval)
	defer ticker.Stop()
	for {
		if stats, ok := services.PoolStats(); ok {
			services.Metrics.Datastore.UpdateConnectionStats(stats)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
