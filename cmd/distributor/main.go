package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	client "go.etcd.io/etcd/client/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/grid/internal/api"
	"github.com/example/grid/internal/assets"
	"github.com/example/grid/internal/audit"
	"github.com/example/grid/internal/config"
	"github.com/example/grid/internal/data"
	"github.com/example/grid/internal/distributor"
	"github.com/example/grid/internal/events"
	"github.com/example/grid/internal/node"
	"github.com/example/grid/internal/observability"
	"github.com/example/grid/internal/sessionmap"
	"github.com/example/grid/internal/sessionqueue"
)

func main() {
	configPath := flag.String("config", os.Getenv("GRID_CONFIG"), "path to the distributor config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	shutdownTrace, err := observability.InitTracingFromEnv("grid-distributor")
	if err != nil {
		logger.Fatal("init tracing", zap.Error(err))
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	bus := events.NewLocalBus(logger)
	defer func() { _ = bus.Close() }()

	queue := sessionqueue.NewLocalQueue(bus, cfg.Scheduling.RetryInterval, logger)

	sessions, err := newSessionMap(cfg, bus, logger)
	if err != nil {
		logger.Fatal("init session map", zap.Error(err))
	}
	defer func() { _ = sessions.Close() }()

	auditLog, err := newAuditLog(cfg, logger)
	if err != nil {
		logger.Fatal("init audit log", zap.Error(err))
	}
	defer func() { _ = auditLog.Close() }()

	dist := distributor.NewLocalDistributor(bus, queue, sessions, data.Secret(cfg.Registration.Secret), distributor.Options{
		RequestTimeout:      cfg.Scheduling.RequestTimeout,
		HealthcheckInterval: cfg.Scheduling.HealthcheckInterval,
		RetryLimit:          cfg.Scheduling.RetryLimit,
		Audit:               auditLog,
	}, logger)
	defer dist.Close()

	if cfg.Node.SlotsFile != "" {
		localNode, err := buildLocalNode(cfg, bus, logger)
		if err != nil {
			logger.Fatal("build local node", zap.Error(err))
		}
		defer localNode.Close()
		if err := dist.Add(localNode); err != nil {
			logger.Fatal("register local node", zap.Error(err))
		}
	}

	if cfg.Registration.UsersFile != "" {
		stopWatch, err := config.Watch(cfg.Registration.UsersFile, func() {
			logger.Info("admin users file reloaded")
		}, logger)
		if err != nil {
			logger.Warn("users file watch unavailable", zap.Error(err))
		} else {
			defer stopWatch()
		}
	}

	server := api.NewServer(dist, sessions, cfg.GridURI, cfg.Registration.UsersFile, logger)
	srv := &http.Server{Addr: cfg.Listen, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		queue.Shutdown()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("grid distributor listening", zap.String("addr", cfg.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("distributor failed", zap.Error(err))
	}
	logger.Info("grid distributor shutting down")
}

func newSessionMap(cfg *config.Config, bus events.Bus, logger *zap.Logger) (sessionmap.Map, error) {
	switch cfg.SessionMap.Backend {
	case "", "local":
		return sessionmap.NewLocalMap(bus, cfg.SessionMap.OrphanTTL, logger), nil
	case "etcd":
		c, err := client.New(client.Config{
			Endpoints:   cfg.SessionMap.Etcd.Endpoints,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return sessionmap.NewEtcdMap(c, bus, cfg.SessionMap.Etcd.Prefix, cfg.SessionMap.OrphanTTL, logger), nil
	default:
		return nil, errUnsupported("session_map.backend", cfg.SessionMap.Backend)
	}
}

func newAuditLog(cfg *config.Config, logger *zap.Logger) (audit.Log, error) {
	switch cfg.Audit.Backend {
	case "", "memory":
		return audit.NewMemoryLog(0), nil
	case "sqlite":
		path := cfg.Audit.Path
		if path == "" {
			path = "grid-audit.db"
		}
		return audit.NewSqliteLog(path, logger)
	default:
		return nil, errUnsupported("audit.backend", cfg.Audit.Backend)
	}
}

func newAssetStore(cfg *config.Config) (assets.Store, error) {
	switch cfg.Assets.Backend {
	case "", "none":
		return nil, nil
	case "local":
		dir := cfg.Assets.LocalDir
		if dir == "" {
			dir = "grid-assets"
		}
		return assets.NewLocalStore(dir)
	case "minio":
		return assets.NewMinioStore(context.Background(), assets.MinioConfig{
			Endpoint:  cfg.Assets.Minio.Endpoint,
			AccessKey: cfg.Assets.Minio.AccessKey,
			SecretKey: cfg.Assets.Minio.SecretKey,
			Bucket:    cfg.Assets.Minio.Bucket,
			UseSSL:    cfg.Assets.Minio.UseSSL,
		})
	default:
		return nil, errUnsupported("assets.backend", cfg.Assets.Backend)
	}
}

func buildLocalNode(cfg *config.Config, bus events.Bus, logger *zap.Logger) (*node.LocalNode, error) {
	specs, err := config.LoadStereotypes(cfg.Node.SlotsFile)
	if err != nil {
		return nil, err
	}
	store, err := newAssetStore(cfg)
	if err != nil {
		return nil, err
	}

	uri := cfg.Node.URI
	if uri == "" {
		uri = cfg.GridURI
	}
	builder := node.NewBuilder(bus, data.NodeID(uuid.NewString()), uri, data.Secret(cfg.Registration.Secret), logger).
		HeartbeatPeriod(cfg.Node.HeartbeatPeriod)

	for _, spec := range specs {
		factory, err := buildFactory(spec, uri, store, logger)
		if err != nil {
			return nil, err
		}
		for i := 0; i < spec.Count; i++ {
			builder.Add(spec.Stereotype, factory)
		}
	}
	return builder.Build(), nil
}

func buildFactory(spec config.SlotSpec, nodeURI string, store assets.Store, logger *zap.Logger) (node.SessionFactory, error) {
	switch spec.Factory.Kind {
	case "test":
		return node.NewTestFactory(spec.Stereotype, nodeURI), nil
	case "process":
		return node.NewProcessFactory(spec.Stereotype, spec.Factory.Driver, nodeURI, nil, logger), nil
	case "container":
		return node.NewContainerFactory(spec.Stereotype, spec.Factory.Image, spec.Factory.Port, store, logger), nil
	default:
		return nil, errUnsupported("factory.kind", spec.Factory.Kind)
	}
}

type unsupportedError struct {
	key   string
	value string
}

func (e unsupportedError) Error() string {
	return "unsupported " + e.key + " value " + e.value
}

func errUnsupported(key, value string) error {
	return unsupportedError{key: key, value: value}
}
