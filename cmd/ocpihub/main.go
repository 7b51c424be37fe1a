package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"ocpihub.org/internal/app"
	"ocpihub.org/internal/config"
	"ocpihub.org/internal/obs"
	"ocpihub.org/internal/ocpi"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit, string(ocpi.SupportedVersions[0]))

	cfg, err := config.Load(os.Getenv(config.EnvConfigPath))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := app.Build(ctx, cfg, app.WithVersion(version))
	if err != nil {
		log.Fatalf("build node: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           node.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcSrv = grpc.NewServer()
		node.GRPC.Register(grpcSrv)
		go func() {
			if err := grpcSrv.Serve(lis); err != nil {
				obs.Error("grpc serve failed", err, nil)
			}
		}()
	}

	go node.Run(ctx)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()
	obs.Info("ocpihub started", map[string]any{
		"version":   version,
		"addr":      cfg.ListenAddr,
		"grpc_addr": cfg.GRPCAddr,
		"base_url":  cfg.BaseURL,
	})

	<-ctx.Done()
	obs.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	obs.SetReady(false)
	_ = srv.Shutdown(shutdownCtx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if err := node.Close(shutdownCtx); err != nil {
		obs.Error("node close", err, nil)
	}
	obs.Info("stopped", nil)
}
