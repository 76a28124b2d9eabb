package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/xray-gradcam/internal/app"
	"github.com/Brownie44l1/xray-gradcam/internal/config"
	"github.com/Brownie44l1/xray-gradcam/internal/handlers"
	"github.com/Brownie44l1/xray-gradcam/internal/logging"
)

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// projectRoot resolves relative model paths the same way whether the binary
// is started from the repository root or from cmd/server.
func projectRoot() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	if filepath.Base(wd) == "server" {
		wd = filepath.Join(wd, "../..")
	}
	return wd, nil
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		verbose    bool
	)
	cmd := &cobra.Command{
		Use:           "server",
		Short:         "Serve chest X-ray classification with Grad-CAM explanations over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, verbose)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func run(ctx context.Context, configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if !filepath.IsAbs(cfg.Model.Dir) {
		root, err := projectRoot()
		if err != nil {
			return err
		}
		cfg.Model.Dir = filepath.Join(root, cfg.Model.Dir)
	}

	logger, closeLog, err := logging.New(cfg.Log, verbose)
	if err != nil {
		return err
	}
	defer closeLog()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize model", zap.Error(err))
		return err
	}
	defer a.Close()

	handler := handlers.NewHandler(a.Service, a.Store, handlers.Options{
		MaxInFlight:    cfg.Server.MaxInFlight,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         logger.Named("http"),
	})
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: enableCORS(handler.Routes().ServeHTTP),
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting",
			zap.String("port", cfg.Server.Port),
			zap.Strings("endpoints", []string{
				"GET /health",
				"POST /predict",
				"POST /predict/image",
				"GET /reports",
				"GET /reports/{id}",
			}))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
