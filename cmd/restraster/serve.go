package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/GrainArc/RestRaster/config"
	"github.com/GrainArc/RestRaster/logger"
	"github.com/GrainArc/RestRaster/models"
	"github.com/GrainArc/RestRaster/routers"
	"github.com/GrainArc/RestRaster/services"
	"github.com/GrainArc/RestRaster/views"
)

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file (default: ./config.yaml if present)")
	addr := fs.String("addr", "", "Listen address, overrides server.addr")

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfigError
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := models.InitDB(cfg.Database); err != nil {
		log.Error("database init failed", zap.Error(err))
		return ExitConfigError
	}

	svc, err := services.NewFetchService(ctx, cfg, log)
	if err != nil {
		log.Error("fetch service init failed", zap.Error(err))
		return ExitConfigError
	}
	defer svc.Close()

	ctrl := views.NewRestRasterController(svc.Fetcher, models.DB, cfg.Fetch, log.Named("api"))
	engine := routers.NewEngine(cfg.Server.Mode, ctrl)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", zap.Error(err))
			ctrl.Close()
			return ExitGeneralError
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	ctrl.Close()
	return ExitSuccess
}
