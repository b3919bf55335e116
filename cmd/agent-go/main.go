package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"invsync/agent-go/internal/apiclient"
	"invsync/agent-go/internal/collector"
	"invsync/agent-go/internal/config"
	"invsync/agent-go/internal/connectivity"
	"invsync/agent-go/internal/diff"
	"invsync/agent-go/internal/discovery"
	"invsync/agent-go/internal/httpapi"
	"invsync/agent-go/internal/metrics"
	"invsync/agent-go/internal/reporter"
	"invsync/agent-go/internal/uploadqueue"
)

func main() {
	cfg, cfgPath, err := config.Load()
	if err != nil {
		boot := httpapi.NewLogger("info")
		boot.Fatal().Err(err).Str("path", cfgPath).Msg("invalid configuration")
	}

	logger := httpapi.NewLoggerTo(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if cfgPath == "" {
		logger.Info().Msg("no config file found; using defaults and environment")
	} else {
		logger.Info().Str("path", cfgPath).Msg("config loaded")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	client, err := apiclient.New(apiclient.Config{
		BaseURL:      cfg.Backend.BaseURL,
		Timeout:      cfg.Backend.Timeout.Duration(),
		ProbeTimeout: cfg.Backend.ProbeTimeout.Duration(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build backend client")
	}

	deps := reporter.Deps{
		Collector: collector.NewHostCollector(logger.With().Str("component", "collector").Logger(), collector.Options{
			Location: cfg.Inventory.Location,
			DMIDir:   cfg.Inventory.DMIDir,
		}),
		Uploader: client,
		Scanner:  newScanner(logger, cfg.Discovery, m),
	}
	apiDeps := httpapi.Deps{Metrics: m}

	// Unwritable storage disables the affected subsystem only.
	queue, err := uploadqueue.Open(logger.With().Str("component", "queue").Logger(), cfg.Queue.Path, uploadqueue.Options{
		MaxRecords: cfg.Queue.MaxRecords,
		Backend:    cfg.Queue.Backend,
	}, m)
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.Queue.Path).Msg("upload queue disabled; failed uploads will be dropped")
	} else {
		defer queue.Close()
		deps.Queue = queue
		apiDeps.Queue = queue

		monitor := connectivity.New(logger.With().Str("component", "connectivity").Logger(), client, queue, connectivity.Options{
			Interval:    cfg.Monitor.Interval.Duration(),
			BatchSize:   cfg.Monitor.BatchSize,
			UploadDelay: cfg.Monitor.UploadDelay.Duration(),
			Retention:   cfg.Monitor.Retention.Duration(),
			MaxAttempts: cfg.Monitor.MaxAttempts,
		}, m)
		monitor.Start(ctx)
		defer monitor.Stop()
		apiDeps.Monitor = monitor
	}

	engine, err := diff.NewEngine(logger.With().Str("component", "diff").Logger(), diff.EngineOptions{
		BaselinePath:   cfg.Diff.BaselinePath,
		ChangesDir:     cfg.Diff.ChangesDir,
		AuditRetention: cfg.Diff.AuditRetention.Duration(),
	}, m)
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.Diff.BaselinePath).Msg("change tracking disabled")
	} else {
		deps.Differ = engine
	}

	portMode, _ := discovery.ParsePortMode(cfg.Discovery.PortMode)
	rep := reporter.New(logger.With().Str("component", "reporter").Logger(), deps, reporter.Options{
		InventoryInterval:      cfg.Inventory.Interval.Duration(),
		DiscoveryInterval:      cfg.Discovery.Interval.Duration(),
		DiscoveryRanges:        cfg.Discovery.Ranges,
		HostTimeout:            cfg.Discovery.HostTimeout.Duration(),
		PortMode:               portMode,
		QueueDiscoveryFailures: cfg.Queue.QueueDiscoveryFailures,
		BaselinePath:           cfg.Diff.BaselinePath,
	}, m)
	apiDeps.Reporter = rep

	done := make(chan struct{})
	go func() {
		defer close(done)
		rep.Run(ctx)
	}()

	var srv *http.Server
	if cfg.HTTP.Addr != "" {
		h := httpapi.NewHandler(logger.With().Str("component", "httpapi").Logger(), apiDeps)
		srv = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           h.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", cfg.HTTP.Addr).Msg("agent-go status api listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal().Err(err).Msg("http server error")
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("reporter did not stop before shutdown deadline")
	}
	logger.Info().Msg("shutdown complete")
}

func newScanner(logger zerolog.Logger, dc config.DiscoveryConfig, m *metrics.Metrics) *discovery.Scanner {
	s := discovery.New(logger.With().Str("component", "discovery").Logger(), discovery.Options{
		Workers:               dc.Workers,
		MaxTargets:            dc.MaxTargets,
		PortTimeout:           dc.PortTimeout.Duration(),
		ARPTablePath:          dc.ARPTablePath,
		NameResolutionEnabled: dc.NameResolution,
		DNSServer:             dc.DNSServer,
		MDNSEnabled:           dc.MDNS,
		SNMPEnabled:           dc.SNMP.Enabled,
		SNMPCommunity:         dc.SNMP.Community,
		SNMPVersion:           dc.SNMP.Version,
		SNMPPort:              dc.SNMP.Port,
		SNMPTimeout:           dc.SNMP.Timeout.Duration(),
		SNMPRetries:           dc.SNMP.Retries,
	}, m)
	return s.WithPreset(dc.Preset)
}
