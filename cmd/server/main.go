package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stephens/remo-bridge/internal/climate"
	"github.com/stephens/remo-bridge/internal/config"
	"github.com/stephens/remo-bridge/internal/coordinator"
	"github.com/stephens/remo-bridge/internal/entity"
	"github.com/stephens/remo-bridge/internal/hostlink"
	"github.com/stephens/remo-bridge/internal/log"
	"github.com/stephens/remo-bridge/internal/metrics"
	"github.com/stephens/remo-bridge/internal/mqtt"
	"github.com/stephens/remo-bridge/internal/setup"
	"github.com/stephens/remo-bridge/internal/storage"
	"github.com/stephens/remo-bridge/internal/web"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	legacyPath := flag.String("legacy", "", "Path to a legacy YAML configuration to import")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Load configuration
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Error("Failed to load config: %v", err)
			os.Exit(1)
		}
	} else {
		cfg = config.DefaultConfig()
	}
	if *legacyPath != "" {
		cfg.LegacyConfigPath = *legacyPath
	}

	// Set up logging
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetDefaultLevel(level)
	} else {
		log.Warn("Unknown log level %q, using info", cfg.LogLevel)
	}
	log.SetDefaultJSON(cfg.LogJSON)
	if *debug {
		log.SetDefaultLevel(log.LevelDebug)
	}

	log.Info("Starting Nature Remo bridge %s", web.Version)

	if err := cfg.EnsureDataDir(); err != nil {
		log.Error("Failed to create data directory: %v", err)
		os.Exit(1)
	}

	db, err := storage.Open(cfg.DatabasePath())
	if err != nil {
		log.Error("Failed to open database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	log.Info("Database initialized at %s", cfg.DatabasePath())

	encKey, err := storage.LoadOrCreateKey(cfg.EncryptionKeyPath)
	if err != nil {
		log.Error("Failed to load encryption key: %v", err)
		os.Exit(1)
	}

	entries := storage.NewEntryStore(db, encKey)
	flow := setup.NewFlow(entries, setup.RemoValidator{BaseURL: cfg.RemoBaseURL})

	remoCloud := &cloud{}
	registry := entity.NewRegistry(remoCloud, entity.Options{
		Defaults: climate.Defaults{
			climate.ModeCool: cfg.CoolTemperature,
			climate.ModeWarm: cfg.WarmTemperature,
		},
		PendingTimeout: cfg.PendingTimeout(),
	})
	coord := coordinator.New(remoCloud, registry, coordinator.Options{
		Interval: config.DefaultUpdateIntervalSeconds * time.Second,
		Events:   db,
	})
	registry.SetRefreshFunc(coord.RequestRefresh)

	svc := &Service{
		cfg:      cfg,
		db:       db,
		entries:  entries,
		flow:     flow,
		cloud:    remoCloud,
		registry: registry,
		coord:    coord,
		logger:   log.Component("service"),
	}
	coord.AddObserver(svc.onPoll)
	registry.AddListener(svc.saveEntityState)
	registry.OnRemove(svc.deleteEntityState)

	// Metrics
	collector := metrics.NewCollector(registry, remoCloud.RateLimit)
	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(collector)
	coord.AddObserver(func(result coordinator.PollResult) {
		collector.ObservePoll(result.Duration, result.Err)
	})
	registry.OnCommand(collector.ObserveCommand)

	webServer := web.NewServer(cfg.ServerPort, svc, metrics.Handler(metricsRegistry))
	metricsRegistry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "remo_bridge_websocket_clients",
		Help: "Connected websocket clients",
	}, func() float64 {
		return float64(webServer.GetHub().ClientCount())
	}))
	registry.AddListener(webServer.BroadcastState)
	registry.OnRemove(webServer.BroadcastRemoved)
	coord.AddObserver(webServer.BroadcastPoll)

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.ctx = ctx

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("Shutting down...")
		cancel()
	}()

	var publisher *mqtt.Publisher
	if cfg.MQTT.Enabled {
		publisher = mqtt.New(cfg.MQTT, registry, registry)
		registry.AddListener(publisher.PublishState)
		registry.OnRemove(publisher.Remove)
		go func() {
			if err := publisher.Connect(); err != nil {
				log.Error("Failed to connect to MQTT broker: %v", err)
				db.LogEvent(storage.EventSourceMQTT, storage.EventTypeConnection, "MQTT connection failed",
					map[string]interface{}{"broker": cfg.MQTT.Broker, "error": err.Error()})
			}
		}()
	}

	var link *hostlink.Link
	if cfg.HostLink.URL != "" {
		link = hostlink.New(cfg.HostLink.URL, registry, registry)
		registry.AddListener(link.Publish)
		registry.OnRemove(link.Forget)
		link.Start(ctx)
	}

	// Bring the config entry up to date and import the legacy file once
	entry, err := flow.Migrate()
	if err != nil {
		log.Error("Config entry migration failed: %v", err)
	}
	if cfg.LegacyConfigPath != "" {
		svc.importLegacy(ctx, cfg.LegacyConfigPath)
		if entry == nil {
			if entry, err = entries.Load(); err != nil {
				log.Error("Failed to load config entry: %v", err)
			}
		}
	}
	go svc.autoAckNotice(ctx)

	switch {
	case entry == nil:
		log.Info("No Nature Remo account configured; complete setup in the web UI")
	case entry.Failed():
		log.Warn("Config entry is in state %s; reconfigure it in the web UI", entry.State)
	default:
		svc.ApplyEntry(*entry)
	}

	go svc.runMaintenance(ctx)

	if err := webServer.Run(ctx); err != nil {
		log.Error("Web server error: %v", err)
	}

	// Clean up
	cancel()
	if link != nil {
		link.Stop()
	}
	if publisher != nil {
		publisher.Close()
	}
	log.Info("Shutdown complete")
}
