package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"wabridge/internal/bus"
	"wabridge/internal/config"
	"wabridge/internal/metrics"
	"wabridge/internal/reasoner"
	"wabridge/internal/relay"
	"wabridge/internal/supervisor"
	"wabridge/internal/whatsapp"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bridge",
		Long: `Opens the WhatsApp session (showing a QR code on first start) and relays
incoming text messages to the reasoning service. Press Ctrl+C to stop.`,
		RunE: runBridge,
	}
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := newLogger(cfg.General, os.Stderr)
	if err != nil {
		return err
	}
	defer closeLog()
	logger = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionStore, err := whatsapp.OpenSessionStore(ctx, cfg.Session.StorePath, logger)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	defer sessionStore.Close()

	transport := whatsapp.NewTransport(whatsapp.TransportConfig{
		Store:      sessionStore,
		DeviceName: cfg.Session.DeviceName,
		Logger:     logger,
	})
	defer transport.Close()

	client, err := reasoner.New(reasoner.Config{
		URL:          cfg.Reasoner.URL,
		InputParam:   cfg.Reasoner.InputParam,
		ReadyMessage: cfg.Reasoner.ReadyMessage,
		Timeout:      cfg.Reasoner.Timeout(),
		Headers:      cfg.Reasoner.Headers,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("reasoner client: %w", err)
	}

	var bridgeMetrics *metrics.Bridge
	registry := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		bridgeMetrics = metrics.New(registry)
	}

	messageRelay := relay.New(relay.Config{
		Asker:   client,
		Sender:  transport,
		Metrics: bridgeMetrics,
		Logger:  logger,
	})

	// Event bus (closed after the run loop returns)
	dispatcher := bus.New(100, logger)
	defer dispatcher.Close()

	sup := supervisor.New(supervisor.Config{
		Transport: transport,
		Store:     sessionStore,
		Relay:     messageRelay,
		Notifier:  client,
		Bus:       dispatcher,
		Backoff: supervisor.Backoff{
			Initial: cfg.Reconnect.InitialDelay(),
			Max:     cfg.Reconnect.MaxDelay(),
			Jitter:  cfg.Reconnect.Jitter,
		},
		MaxConcurrent: cfg.Relay.MaxConcurrent,
		Paired:        sessionStore.Paired(),
		Metrics:       bridgeMetrics,
		Logger:        logger,
	})

	serverDone := make(chan struct{})
	if cfg.Metrics.Enabled {
		go func() {
			defer close(serverDone)
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, metrics.NewRouter(sup, registry), logger); err != nil {
				logger.Error("operator endpoint error", "err", err)
			}
		}()
	} else {
		close(serverDone)
	}

	if err := sup.Start(ctx); err != nil {
		return err
	}
	logger.Info("bridge started. Press Ctrl+C to stop.",
		"reasoner", config.Sanitize(cfg).Reasoner.URL, "store", sessionStore.Path(), "paired", sessionStore.Paired())

	err = sup.Run(ctx)
	stop()
	<-serverDone

	if errors.Is(err, supervisor.ErrLoggedOut) {
		logger.Error("bridge stopped", "err", err)
		return err
	}
	if err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
