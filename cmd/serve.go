package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kass/go-fuel-map/pkg/cluster"
	"github.com/kass/go-fuel-map/pkg/gateway"
	"github.com/kass/go-fuel-map/pkg/logger"
	"github.com/kass/go-fuel-map/pkg/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func runServe(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	logr := logger.New(cfg.Environment, verbose)
	defer logr.Sync()

	store, release := openStore(cmd.Context(), cfg)
	defer release()

	gw := gateway.New(store, cfg.GatewayOptions(), logr.Named("gateway"))
	engine, err := cluster.NewEngine(cfg.ClusterOptions(), logr.Named("cluster"))
	if err != nil {
		logr.Fatal("failed to create cluster engine", zap.Error(err))
	}

	srv := server.New(gw, engine, server.Options{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Viewport:       cfg.ViewportOptions(),
	}, logr.Named("server"))

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logr.Info("server started",
			zap.String("addr", cfg.HTTP.Addr),
			zap.String("backend", cfg.Backend))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logr.Info("shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logr.Fatal("server forced to shutdown", zap.Error(err))
	}

	logr.Info("server exited gracefully")
}
