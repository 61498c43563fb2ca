// Package main boots the cart and stock HTTP service.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/cart-stock-service/internal/config"
	httpapi "github.com/fairyhunter13/cart-stock-service/internal/http"
	"github.com/fairyhunter13/cart-stock-service/internal/notify"
	"github.com/fairyhunter13/cart-stock-service/internal/obs"
	"github.com/fairyhunter13/cart-stock-service/internal/service"
	"github.com/fairyhunter13/cart-stock-service/internal/store"
)

func main() {
	cfg := config.Load()
	obs.InitLogger(cfg.LogLevel)
	obs.Logger.Info("service_starting",
		"store_backend", cfg.StoreBackend,
		"legacy_cart_semantics", cfg.LegacyCartSemantics,
	)
	metrics := obs.NewMetrics()

	st, err := openStore(cfg)
	if err != nil {
		obs.Logger.Error("store_open_failed", "error", err)
		os.Exit(1)
	}
	if cfg.SeedFile != "" {
		seed(st, cfg.SeedFile)
	}

	hub := notify.NewHub(notify.HubOptions{
		SendBuffer:   cfg.WSSendBuffer,
		WriteTimeout: cfg.WSWriteTimeout,
		PingInterval: cfg.WSPingInterval,
	}, metrics)
	sinks := []notify.Sink{hub}
	var kafkaSink *notify.KafkaSink
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink = notify.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		sinks = append(sinks, kafkaSink)
		obs.Logger.Info("kafka_sink_enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	dispatcher := notify.NewDispatcher(cfg.NotifyBuffer, cfg.NotifyHighWatermark, metrics, sinks...)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dispatcher.Start(ctx)

	opts := service.Options{Legacy: cfg.LegacyCartSemantics, Metrics: metrics}
	app := httpapi.NewApp(cfg, st,
		service.NewProductService(st, dispatcher, opts),
		service.NewCartService(st, dispatcher, opts),
		hub, metrics)
	mux := httpapi.NewRouter(app)

	// No WriteTimeout: it would cut long-lived websocket connections.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		obs.Logger.Info("http_listen", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			obs.Logger.Error("http_server_error", "error", err)
			os.Exit(1)
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigc
	obs.Logger.Info("shutdown_signal", "signal", s.String())

	app.StartShutdown()
	dispatcher.CloseIntake()
	obs.Logger.Info("shutdown_drain_begin", "pending", dispatcher.Pending(), "ws_clients", hub.ClientCount())

	ctxDrain, cancelDrain := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelDrain()
	if drained := dispatcher.DrainUntil(ctxDrain); !drained {
		obs.Logger.Warn("shutdown_drain_timeout", "pending", dispatcher.Pending())
	} else {
		obs.Logger.Info("shutdown_drain_complete")
	}
	hub.Close()

	ctxSrv, cancelSrv := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSrv()
	if err := srv.Shutdown(ctxSrv); err != nil {
		obs.Logger.Error("http_shutdown_error", "error", err)
	}
	dispatcher.Stop()
	if kafkaSink != nil {
		if err := kafkaSink.Close(); err != nil {
			obs.Logger.Error("kafka_close_error", "error", err)
		}
	}
	if err := st.Close(ctxSrv); err != nil {
		obs.Logger.Error("store_close_error", "error", err)
	}
	obs.Logger.Info("service_stopped")
}

func openStore(cfg config.Config) (store.Store, error) {
	if cfg.StoreBackend == config.BackendMemory {
		obs.Logger.Warn("store_memory_backend")
		return store.NewMemory(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.MongoConnectTimeout)
	defer cancel()
	m, err := store.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		return nil, err
	}
	obs.Logger.Info("store_connected", "database", cfg.MongoDatabase)
	return m, nil
}

func seed(st store.Store, path string) {
	f, err := os.Open(path)
	if err != nil {
		obs.Logger.Error("seed_open_failed", "path", path, "error", err)
		return
	}
	defer f.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := store.Seed(ctx, st, f)
	if err != nil {
		obs.Logger.Error("seed_failed", "path", path, "inserted", n, "error", err)
		return
	}
	obs.Logger.Info("seed_complete", "path", path, "inserted", n)
}
