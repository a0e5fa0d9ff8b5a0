// cmd/gateway-service/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"querygate/internal/bootstrap"
	"querygate/internal/queryapi"
	"querygate/pkg/config"
	"querygate/pkg/logger"
	"querygate/pkg/middleware"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env, cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	comps, err := bootstrap.Build(context.Background(), cfg, prometheus.DefaultRegisterer, log)
	if err != nil {
		log.Fatalw("bootstrap", "err", err)
	}
	defer comps.Close()
	if comps.Vault.Insecure() {
		log.Warnw("vault is using the insecure development key")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(log))
	r.Use(middleware.Recover(log))
	r.Use(middleware.Tracing("querygate-gateway", log))

	queryapi.Routes(r, comps.Dispatcher, queryapi.Options{
		Auth: middleware.AuthOptions{
			Prod:     cfg.IsProd(),
			Issuer:   cfg.Issuer,
			Audience: cfg.Audience,
			JWKSURL:  cfg.JWKSURL,
			Skew:     30 * time.Second,
		},
		Guard:    comps.Guard,
		Gatherer: prometheus.DefaultGatherer,
		Log:      log,
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Infow("gateway-service listening", "addr", cfg.HTTPAddr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	fmt.Println("gateway-service stopped")
}
