package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/clawdeck/internal/bus"
	"github.com/basket/clawdeck/internal/client"
	"github.com/basket/clawdeck/internal/config"
	"github.com/basket/clawdeck/internal/hosts"
	"github.com/basket/clawdeck/internal/identity"
	"github.com/basket/clawdeck/internal/ingest"
	"github.com/basket/clawdeck/internal/normalize"
	otelPkg "github.com/basket/clawdeck/internal/otel"
	"github.com/basket/clawdeck/internal/protocol"
	"github.com/basket/clawdeck/internal/store"
	"github.com/basket/clawdeck/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Attach to configured gateways and mirror
                              their sessions into the local store

SUBCOMMANDS:
  %s status                   Show counts from the materialized store

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CLAWDECK_HOME           Data directory (default: ~/.clawdeck)
  CLAWDECK_GATEWAY_URL    Single-host override, replaces configured hosts
  CLAWDECK_TOKEN          Auth token for the overridden host
  CLAWDECK_ROLE           Role for the overridden host (default: operator)
`)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	os.Exit(runDeck(ctx, *quiet))
}

func runDeck(ctx context.Context, quiet bool) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint(), "hosts", len(cfg.Hosts))

	if len(cfg.Hosts) == 0 {
		logger.Error("no hosts configured", "config", config.ConfigPath(cfg.HomeDir))
		fmt.Fprintln(os.Stderr, "no hosts configured; add one to config.yaml or set CLAWDECK_GATEWAY_URL")
		return 2
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	ident, err := identity.LoadOrCreate(filepath.Join(cfg.HomeDir, "identity"))
	if err != nil {
		fatalStartup(logger, "E_IDENTITY_INIT", err)
	}
	logger.Info("startup phase", "phase", "identity_loaded", "device_id", ident.DeviceID[:16])

	db, err := store.Open(config.DBPath(cfg.HomeDir))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer db.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	eventBus := bus.New()
	registry := hosts.NewRegistry(eventBus, logger)
	hostQueues := make(map[string]*ingest.Queue, len(cfg.Hosts))

	for _, hc := range cfg.Hosts {
		hostAttr := metric.WithAttributes(attribute.String("host", hc.ID))
		conn := client.New(client.Options{
			URL:        hc.URL,
			Role:       hc.Role,
			Scopes:     hc.Scopes,
			ClientID:   cfg.Client.ID,
			ClientMode: cfg.Client.Mode,
			Version:    versionOr(cfg.Client.Version),
			AuthToken:  hc.Token,
			Identity:   ident,
			Logger:     logger.With("host", hc.ID),
		})
		var attempts atomic.Int64
		conn.OnStatusChange(func(st client.Status) {
			if st != client.StatusConnecting {
				return
			}
			if attempts.Add(1) > 1 {
				metrics.Reconnects.Add(context.Background(), 1, hostAttr)
			}
		})
		conn.OnEvent(func(f protocol.Frame) {
			metrics.FramesIngested.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("host", hc.ID), attribute.String("kind", f.Event)))
		})
		h, err := registry.Add(hc.ID, conn, normalize.New(),
			ingest.WithCapacity(cfg.Queue.Capacity),
			ingest.WithLogger(logger.With("host", hc.ID)),
			ingest.WithGapObserver(func(kind string, expected, got int64) {
				metrics.StreamGaps.Add(context.Background(), 1,
					metric.WithAttributes(attribute.String("kind", kind)))
			}),
			ingest.WithDropObserver(func(kind string) {
				metrics.DroppedNoisy.Add(context.Background(), 1,
					metric.WithAttributes(attribute.String("kind", kind)))
			}),
			ingest.WithErrorObserver(func(kind string) {
				metrics.ParserErrors.Add(context.Background(), 1,
					metric.WithAttributes(attribute.String("kind", kind)))
			}),
		)
		if err != nil {
			fatalStartup(logger, "E_HOST_REGISTER", err)
		}
		hostQueues[hc.ID] = h.Queue
	}
	if _, err := otelPkg.RegisterQueueDepthGauge(otelProvider.Meter, func() map[string]int64 {
		depths := make(map[string]int64, len(hostQueues))
		for id, q := range hostQueues {
			depths[id] = int64(q.Stats().Depth)
		}
		return depths
	}); err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}
	if cfg.ActiveHost != "" {
		if err := registry.SetActive(cfg.ActiveHost); err != nil {
			fatalStartup(logger, "E_HOST_SELECT", err)
		}
	}

	unsubApply := registry.OnEnvelope(func(hostID string, env *normalize.Envelope) {
		applyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.Apply(applyCtx, env); err != nil {
			logger.Error("apply envelope", "host", hostID, "error", err)
			metrics.StoreApplyErrors.Add(context.Background(), 1)
			return
		}
		metrics.DeltasApplied.Add(context.Background(), 1)
	})
	defer unsubApply()

	registry.ConnectAll(ctx)
	logger.Info("startup phase", "phase", "hosts_connecting", "active", registry.ActiveID())

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go watchConfig(ctx, watcher, registry, cfg.Fingerprint(), logger)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	registry.DisconnectAll()
	return 0
}

// watchConfig applies the config changes that are safe to pick up live.
// Host edits need a restart; active host switches do not.
func watchConfig(ctx context.Context, w *config.Watcher, registry *hosts.Registry, fingerprint string, logger *slog.Logger) {
	last := fingerprint
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.Events():
			if !ok {
				return
			}
			cfg, err := config.Load()
			if err != nil {
				logger.Warn("config reload failed", "error", err)
				continue
			}
			fp := cfg.Fingerprint()
			if fp == last {
				continue
			}
			last = fp
			if cfg.ActiveHost != "" && cfg.ActiveHost != registry.ActiveID() {
				if err := registry.SetActive(cfg.ActiveHost); err != nil {
					logger.Warn("active host switch failed", "host", cfg.ActiveHost, "error", err)
				} else {
					logger.Info("active host switched", "host", cfg.ActiveHost)
				}
			}
			logger.Info("config changed", "fingerprint", fp, "note", "host list edits require a restart")
		}
	}
}

func versionOr(v string) string {
	if v != "" {
		return v
	}
	return Version
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"deck","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
