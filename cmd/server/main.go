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

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/earlydot/lesion-api/internal/config"
	"github.com/earlydot/lesion-api/internal/handlers"
	"github.com/earlydot/lesion-api/internal/inference"
	"github.com/earlydot/lesion-api/internal/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "lesion-api",
		Short:         "Skin lesion hair removal and classification service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Load the models and start the HTTP server",
			Args:  cobra.NoArgs,
			RunE:  runServe,
		},
		newCheckCmd(),
		newCalibrateCmd(),
	)
	return root
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	log := logging.New(cfg.Log)

	log.WithFields(logrus.Fields{
		"models": cfg.ModelsDir,
		"device": cfg.Runtime.Device,
		"env":    cfg.Env,
	}).Info("Loading models")

	svc, err := inference.Build(cfg, log)
	if err != nil {
		log.WithError(err).Error("Failed to initialize inference service")
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.WithError(err).Warn("Failed to release models")
		}
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewRouter(svc, cfg, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("port", cfg.Port).Info("Server starting")
		log.Info("Endpoints: GET /health, POST /remove-hair, POST /predict?generate_gradcam=true")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
