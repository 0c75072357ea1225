package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mailer-service/internal/factory"
	"mailer-service/internal/util"
)

const shutdownTimeout = 30 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:           "mailer-service",
		Short:         "Email sending backend with per-user queues and rate limiting",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API",
			RunE:  func(cmd *cobra.Command, _ []string) error { return serve(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "worker",
			Short: "Consume delivery runs from Kafka and execute them",
			RunE:  func(cmd *cobra.Command, _ []string) error { return work(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations",
			RunE:  func(cmd *cobra.Command, _ []string) error { return factory.Migrate(cmd.Context()) },
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		util.Sync()
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	f, err := factory.NewFactory()
	if err != nil {
		return err
	}
	defer f.Close()

	cfg := f.Config()
	server := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      f.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, task := range f.ServeTasks(gctx) {
		g.Go(task)
	}

	g.Go(func() error {
		util.Info("Starting HTTP server",
			util.String("environment", cfg.Environment),
			util.String("address", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		util.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
			return err
		}
		util.Info("Server shutdown completed")
		return nil
	})

	return ignoreCanceled(g.Wait())
}

func work(ctx context.Context) error {
	f, err := factory.NewFactory()
	if err != nil {
		return err
	}
	defer f.Close()

	tasks, err := f.WorkerTasks(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		g.Go(task)
	}
	util.Info("Delivery worker started", util.String("topic", f.Config().Kafka.RunTopic))
	<-gctx.Done()
	return ignoreCanceled(g.Wait())
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
