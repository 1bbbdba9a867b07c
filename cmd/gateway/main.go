// The gateway binary runs one collaboration gateway node: WebSocket
// termination, OT ingest, presence, rate limiting, the backpressure breaker,
// and the cross-node Redis relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/strandlabs/controlplane/internal/backpressure"
	"github.com/strandlabs/controlplane/internal/collab"
	"github.com/strandlabs/controlplane/internal/config"
	"github.com/strandlabs/controlplane/internal/ratelimit"
)

func main() {
	godotenv.Load()
	cfgPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to YAML config")
	flag.Parse()

	logger := log.New(log.Writer(), "[GatewayNode] ", log.LstdFlags)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Broker.URL,
		Password: cfg.Broker.Password,
		DB:       cfg.Broker.DB,
	})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	relayAvailable := rdb.Ping(pingCtx).Err() == nil
	cancelPing()

	throttler := ratelimit.NewThrottler(ratelimit.ThrottleConfig{
		OperationPerMinute: cfg.Collab.OperationPerMin,
		CursorPerMinute:    cfg.Collab.CursorPerMin,
		GeneralPerMinute:   cfg.Collab.GeneralPerMin,
	})

	monitor := backpressure.NewAdaptiveMonitor(backpressure.DefaultWeights, cfg.Backpressure.AdaptationRate)
	breaker := backpressure.NewBreaker(backpressure.BreakerConfig{
		ActivationThreshold:   cfg.Backpressure.ActivationThreshold,
		DeactivationThreshold: cfg.Backpressure.DeactivationThreshold,
		OpenDuration:          cfg.Backpressure.OpenDuration,
		HalfOpenMaxRequests:   cfg.Backpressure.HalfOpenMaxRequests,
		OnStateChange: func(from, to backpressure.State) {
			logger.Printf("breaker %s -> %s", from, to)
		},
	}, monitor)

	gateway := collab.NewGateway(collab.Config{
		PodName:            cfg.Collab.PodName,
		CheckpointInterval: cfg.Collab.CheckpointInterval,
		IdleTimeout:        cfg.Collab.IdleTimeout,
		StaleTimeout:       cfg.Collab.StaleTimeout,
		ConnectionCap:      cfg.Backpressure.MaxConnections,
		ChannelCap:         cfg.Backpressure.MaxChannels,
		OTQueueCap:         cfg.Backpressure.MaxQueueDepth,
		MemoryCap:          cfg.Backpressure.MaxMemoryBytes,
	}, throttler, breaker, collab.NewMetrics(prometheus.DefaultRegisterer))

	// Single-node deployments run without the relay.
	if relayAvailable {
		if err := gateway.ConnectRelay(rdb); err != nil {
			logger.Fatalf("connect relay: %v", err)
		}
	} else {
		logger.Printf("broker unreachable at %s, running without cross-node relay", cfg.Broker.URL)
	}

	sampler := backpressure.NewSampler(monitor, gateway.Sample, cfg.Backpressure.SampleInterval)
	sampler.Start()
	gateway.Start()

	r := mux.NewRouter()
	r.HandleFunc("/ws", gateway.HandleWebSocket)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","backpressure":%.3f}`, monitor.Value())
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     r,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		logger.Printf("server failed: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	gateway.Stop()
	sampler.Stop()
	logger.Printf("shutdown complete")
}
