// Command socialauth-demo is a small web app that signs users in with the
// configured providers and shows their linked accounts.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	if err := run(context.Background()); err != nil {
		slog.Error("socialauth-demo failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	shutdownTracing, err := setupTracing(ctx, cfg.OTELEndpoint)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	a, err := newApp(ctx, cfg, b)
	if err != nil {
		return err
	}
	slog.Info("starting", "app", a.String(), "addr", cfg.Addr)

	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		grpcServer := a.newGRPCServer()
		go func() {
			if err := grpcServer.Serve(lis); err != nil {
				slog.Error("grpc server stopped", "err", err)
			}
		}()
		defer grpcServer.GracefulStop()
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: a.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
