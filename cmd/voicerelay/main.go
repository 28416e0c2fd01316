package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/BrownNPC/VoiceRelay/internal/config"
	"github.com/BrownNPC/VoiceRelay/internal/httpserver"
	"github.com/BrownNPC/VoiceRelay/signaling"
	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting voicerelay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"allowed_origins", cfg.AllowedOrigins,
		"strict_payloads", cfg.StrictPayloads,
		"metrics", cfg.Metrics,
	)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	srv := newServer(cfg, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		// Clients reconnect on their own; nothing is drained.
		logger.Info("shutdown signal received")
		_ = srv.Close()
	}
}

func newServer(cfg config.Config, logger *slog.Logger) *httpserver.Server {
	var reg prometheus.Registerer
	registry := prometheus.NewRegistry()
	if cfg.Metrics {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		reg = registry
	}

	hub := signaling.NewHub(logger, signaling.NewMetrics(reg))
	sig := signaling.NewWebsocketSignalingServer(logger, hub, websocket.AcceptOptions{
		OriginPatterns: cfg.AllowedOrigins,
	}, signaling.ServerOptions{
		MaxMessageBytes:   cfg.MaxMessageBytes,
		MessagesPerSecond: cfg.MessagesPerSecond,
		MessageBurst:      cfg.MessageBurst,
		SendQueueSize:     cfg.SendQueueSize,
		WriteTimeout:      cfg.WriteTimeout,
		PingInterval:      cfg.PingInterval,
		StrictPayloads:    cfg.StrictPayloads,
	})

	srv := httpserver.New(cfg, logger)
	srv.Mux().Handle("GET /ws", sig)
	if cfg.Metrics {
		srv.Mux().Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	return srv
}
