package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"querygate/internal/adminapi"
	"querygate/internal/bootstrap"
	"querygate/pkg/config"
	"querygate/pkg/logger"
	"querygate/pkg/tenants"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env, cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	comps, err := bootstrap.Build(context.Background(), cfg, nil, log)
	if err != nil {
		log.Fatalw("bootstrap", "err", err)
	}
	defer comps.Close()

	if cfg.AdminJWKSURL == "" {
		if cfg.IsProd() {
			log.Warnw("ADMIN_JWKS_URL not set; admin API will reject every request")
		} else {
			log.Warnw("ADMIN_JWKS_URL not set; admin API is open (non-prod)")
		}
	}

	prov := tenants.NewProvisioner(comps.Cached, comps.Store, comps.Vault, comps.Tokens, log)
	app := adminapi.New(log, comps.Cached, prov, comps.Tokens, adminapi.Config{
		HTTPAddr:     cfg.AdminAddr,
		Production:   cfg.IsProd(),
		OIDCIssuer:   cfg.AdminIssuer,
		OIDCAudience: cfg.AdminAudience,
		JWKSURL:      cfg.AdminJWKSURL,
		CORSOrigins:  corsOrigins(os.Getenv("ADMIN_CORS_ORIGINS")),
	})

	srv := &http.Server{Addr: cfg.AdminAddr, Handler: app.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Infof("admin-api listening at %s", cfg.AdminAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func corsOrigins(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
