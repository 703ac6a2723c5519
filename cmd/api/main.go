package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"careguide/api/internal/app"
	"careguide/api/internal/catalog"
	"careguide/api/internal/config"
	"careguide/api/internal/email"
	"careguide/api/internal/export"
	"careguide/api/internal/gateway"
	"careguide/api/internal/metrics"
	"careguide/api/internal/search"
	"careguide/api/internal/session"
)

func main() {
	cfg := config.Load()
	cat := catalog.Default()

	var sessionStore session.Store
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for session storage")
		redisStore, err := session.NewRedisStore(cfg.RedisURL, cfg.SessionTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		sessionStore = redisStore
	} else {
		log.Printf("Using process memory for session storage")
		sessionStore = session.NewMemoryStore(cfg.SessionTTL)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	sections, forms := search.Records(cat)
	searchService := search.NewService(meiliClient, sections, forms)
	defer searchService.Close()
	searchService.Reindex()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mailer := email.NewService(cfg.EmailConfig())
	if !mailer.IsConfigured() {
		log.Printf("SMTP not configured; manual email is disabled")
	}

	service := app.New(cfg, app.Deps{
		Catalog: cat,
		Store:   sessionStore,
		Gateway: gateway.New(cfg.GatewayURL, cfg.GatewayTimeout),
		Search:  searchService,
		Export:  export.NewService(cfg.PrintDelay, cfg.ExportTimeout),
		Email:   mailer,
		Metrics: metrics.New(registry),
	})

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin).WithMetrics(registry)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.GatewayTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("CareGuide API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	// Let in-flight form generations land in the store before it closes.
	service.Wait()
}
