package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"OpenCGM-Host/internal/api"
	"OpenCGM-Host/internal/auth"
	"OpenCGM-Host/internal/builtin"
	"OpenCGM-Host/internal/collector"
	"OpenCGM-Host/internal/config"
	"OpenCGM-Host/internal/observability/alerting"
	"OpenCGM-Host/internal/observability/metrics"
	"OpenCGM-Host/internal/settingsync"
	"OpenCGM-Host/internal/storage/memory"
	"OpenCGM-Host/internal/storage/mysql"
	"OpenCGM-Host/internal/storage/redis"
	"OpenCGM-Host/pkg/event"
	"OpenCGM-Host/pkg/logger"
	"OpenCGM-Host/pkg/plugin"
	pluginlua "OpenCGM-Host/pkg/plugin/lua"
	"OpenCGM-Host/pkg/safety"
)

// main is the entry point of the host daemon.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.App{
		Name:  "cgmhostd",
		Usage: "plugin host for diabetes device integrations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the JSON configuration file",
				EnvVars: []string{"CGMHOST_CONFIG"},
			},
		},
		Action: func(c *cli.Context) error {
			return serve(c.Context, c.String("config"))
		},
		Commands: append([]*cli.Command{
			{
				Name:  "serve",
				Usage: "run the registry, collector and API",
				Action: func(c *cli.Context) error {
					return serve(c.Context, c.String("config"))
				},
			},
			{
				Name:      "validate",
				Usage:     "check a plugin package without loading it into a host",
				ArgsUsage: "<package dir>...",
				Action: func(c *cli.Context) error {
					if c.NArg() == 0 {
						return cli.Exit("at least one package directory is required", 2)
					}
					return validate(c.Args().Slice())
				},
			},
		}, clientCommands()...),
	}
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatalf("cgmhostd: %v", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		return config.Default(wd), nil
	}
	return config.Load(path)
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	lg := logger.L()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	cell, updater := safety.NewCell(safety.Default())
	source, err := newSyncSource(ctx, cfg.Sync)
	if err != nil {
		return err
	}
	syncer := settingsync.New(updater, source)
	defer syncer.Close()

	settings, closeSettings, err := newSettingsBackend(ctx, cfg.Storage.Settings)
	if err != nil {
		return err
	}
	defer closeSettings()

	creds, closeCreds, err := newCredentialBackend(ctx, cfg.Storage.Credentials)
	if err != nil {
		return err
	}
	defer closeCreds()

	regCfg, err := registryConfig(cfg)
	if err != nil {
		return err
	}

	promReg := metrics.NewRegistry()
	bus := event.NewBus()
	defer bus.Close()
	metrics.RegisterBus(promReg, bus)

	registry := plugin.NewRegistry(
		plugin.WithConfig(regCfg),
		plugin.WithBus(bus),
		plugin.WithSafetyLimits(cell),
		plugin.WithSettingsBackend(settings),
		plugin.WithCredentialBackend(creds),
		plugin.WithMetrics(plugin.NewMetrics(promReg)),
	)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := registry.Shutdown(shutdownCtx); err != nil {
			lg.Error("registry shutdown", "error", err)
		}
	}()

	for _, f := range builtin.Factories() {
		if err := registry.Register(ctx, f); err != nil {
			lg.Warn("builtin plugin skipped", "plugin_id", f.Metadata().ID, "error", err)
		}
	}

	installer := plugin.NewInstaller(registry, cfg.Plugins.Dir,
		plugin.WithLoader(plugin.RuntimeLua, pluginlua.Loader{CallTimeout: cfg.Plugins.LuaCallTimeout()}),
	)
	n, err := installer.LoadAll(ctx)
	if err != nil {
		lg.Warn("sideloaded plugins partially loaded", "error", err)
	}
	lg.Info("sideloaded plugins installed", "count", n, "dir", cfg.Plugins.Dir)

	if err := registry.ActivateConfigured(ctx); err != nil {
		lg.Warn("configured activation incomplete", "error", err)
	}

	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}
	coll := collector.New(registry,
		collector.WithInterval(cfg.Collector.Interval()),
		collector.WithWorkerCount(cfg.Collector.Workers),
		collector.WithRateLimit(cfg.Collector.RatePerSecond, cfg.Collector.Burst),
		collector.WithMaxAttempts(cfg.Collector.MaxAttempts),
		collector.WithQueue(collector.NewQueue(cfg.Collector.QueueSize)),
		collector.WithAlertDispatcher(alerting.NewFanout(notifiers...)),
	)
	metrics.RegisterCollector(promReg, coll)

	authSvc, err := auth.NewService(cfg.Auth)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	server := api.NewServer(cfg.Server.Address, registry,
		api.WithInstaller(installer),
		api.WithAuth(authSvc),
		api.WithMetrics(promReg, metrics.NewHTTP(promReg)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return syncer.Run(gctx) })
	g.Go(func() error { return coll.Start(gctx) })
	g.Go(func() error { return server.Start(gctx) })
	if cfg.Plugins.Watch {
		g.Go(func() error { return installer.Watch(gctx) })
	}

	lg.Info("cgmhostd started", "addr", cfg.Server.Address, "limits", cell.Current().String())
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func registryConfig(cfg *config.Config) (plugin.ManagerConfig, error) {
	var regCfg plugin.ManagerConfig
	if cfg.Plugins.RegistryConfig != "" {
		loaded, err := plugin.LoadManagerConfig(cfg.Plugins.RegistryConfig)
		if err != nil {
			return regCfg, err
		}
		regCfg = loaded
	}
	if len(regCfg.Activate) == 0 {
		regCfg.Activate = map[plugin.Capability][]string{
			plugin.CapabilityGlucoseSource:     {builtin.SimulatedCGMID},
			plugin.CapabilityCalibrationTarget: {builtin.SimulatedCGMID},
		}
	}
	regCfg.PluginDir = cfg.Plugins.Dir
	if regCfg.DataDir == "" {
		regCfg.DataDir = filepath.Join(cfg.Runtime.DataDir, "plugins")
	}
	return regCfg, nil
}

func newSyncSource(ctx context.Context, cfg config.SyncConfig) (settingsync.Source, error) {
	switch cfg.Driver {
	case "", "static":
		if cfg.StaticFile == "" {
			return settingsync.NewStaticSource(nil), nil
		}
		return settingsync.NewFileSource(cfg.StaticFile), nil
	case "redis":
		return settingsync.NewRedisSource(ctx, settingsync.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Channel,
		})
	case "rabbitmq":
		return settingsync.NewAMQPSource(settingsync.AMQPConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Exchange: cfg.RabbitMQ.Exchange,
			Prefetch: cfg.RabbitMQ.Prefetch,
		})
	default:
		return nil, fmt.Errorf("unknown sync driver: %s", cfg.Driver)
	}
}

func newSettingsBackend(ctx context.Context, cfg config.SettingsStoreConfig) (plugin.SettingsBackend, func(), error) {
	switch cfg.Driver {
	case "", "memory":
		return memory.NewSettingsStore(), func() {}, nil
	case "redis":
		store, err := redis.NewSettingsStore(ctx, redis.Config{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown settings driver: %s", cfg.Driver)
	}
}

func newCredentialBackend(ctx context.Context, cfg config.CredentialStoreConfig) (plugin.CredentialBackend, func(), error) {
	switch cfg.Driver {
	case "", "memory":
		return memory.NewCredentialStore(), func() {}, nil
	case "mysql":
		key, err := mysql.LoadKeyFile(cfg.KeyFile)
		if err != nil {
			return nil, nil, err
		}
		sealer, err := mysql.NewSealer(key)
		if err != nil {
			return nil, nil, err
		}
		store, err := mysql.NewCredentialStore(ctx, mysql.Config{DSN: cfg.DSN}, sealer)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown credential driver: %s", cfg.Driver)
	}
}

// validate checks manifests and compiles script entries.
func validate(dirs []string) error {
	var errs []error
	for _, dir := range dirs {
		m, err := plugin.LoadManifest(dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dir, err))
			continue
		}
		if m.Runtime == plugin.RuntimeLua {
			src, err := os.ReadFile(filepath.Join(dir, m.Entry))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", dir, err))
				continue
			}
			if _, err := pluginlua.Compile(src, m.Entry); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", dir, err))
				continue
			}
		}
		fmt.Printf("%s\t%s\t%s\t%s\n", dir, m.ID, m.Version, m.Runtime)
	}
	return errors.Join(errs...)
}
