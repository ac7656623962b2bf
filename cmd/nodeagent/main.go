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

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/grid/internal/assets"
	"github.com/example/grid/internal/config"
	"github.com/example/grid/internal/data"
	"github.com/example/grid/internal/events"
	"github.com/example/grid/internal/node"
	"github.com/example/grid/internal/nodeagent"
	"github.com/example/grid/internal/observability"
)

func main() {
	configPath := flag.String("config", os.Getenv("GRID_CONFIG"), "path to the node config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Node.SlotsFile == "" {
		log.Fatalf("node.slots_file is required for the node agent")
	}
	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	shutdownTrace, err := observability.InitTracingFromEnv("grid-node")
	if err != nil {
		logger.Fatal("init tracing", zap.Error(err))
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	// The agent's bus stays local to the process; the distributor learns
	// about this node through registration and heartbeats instead.
	bus := events.NewLocalBus(logger)
	defer func() { _ = bus.Close() }()

	localNode, err := buildNode(cfg, bus, logger)
	if err != nil {
		logger.Fatal("build node", zap.Error(err))
	}
	defer localNode.Close()

	agent := nodeagent.New(cfg.Node.DistributorURL, data.Secret(cfg.Registration.Secret), localNode, cfg.Node.HeartbeatPeriod, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := agent.Register(ctx); err != nil {
		logger.Fatal("register with distributor", zap.Error(err))
	}
	go agent.Run(ctx)

	srv := &http.Server{Addr: cfg.Node.Listen, Handler: nodeagent.Handler(localNode), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("grid node listening", zap.String("addr", cfg.Node.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("node agent failed", zap.Error(err))
	}
	logger.Info("grid node shutting down")
}

func buildNode(cfg *config.Config, bus events.Bus, logger *zap.Logger) (*node.LocalNode, error) {
	specs, err := config.LoadStereotypes(cfg.Node.SlotsFile)
	if err != nil {
		return nil, err
	}
	var store assets.Store
	switch cfg.Assets.Backend {
	case "local":
		dir := cfg.Assets.LocalDir
		if dir == "" {
			dir = "grid-assets"
		}
		store, err = assets.NewLocalStore(dir)
		if err != nil {
			return nil, err
		}
	case "minio":
		store, err = assets.NewMinioStore(context.Background(), assets.MinioConfig{
			Endpoint:  cfg.Assets.Minio.Endpoint,
			AccessKey: cfg.Assets.Minio.AccessKey,
			SecretKey: cfg.Assets.Minio.SecretKey,
			Bucket:    cfg.Assets.Minio.Bucket,
			UseSSL:    cfg.Assets.Minio.UseSSL,
		})
		if err != nil {
			return nil, err
		}
	}

	uri := cfg.Node.URI
	if uri == "" {
		uri = "http://localhost" + cfg.Node.Listen
	}
	builder := node.NewBuilder(bus, data.NodeID(uuid.NewString()), uri, data.Secret(cfg.Registration.Secret), logger)
	for _, spec := range specs {
		var factory node.SessionFactory
		switch spec.Factory.Kind {
		case "process":
			factory = node.NewProcessFactory(spec.Stereotype, spec.Factory.Driver, uri, nil, logger)
		case "container":
			factory = node.NewContainerFactory(spec.Stereotype, spec.Factory.Image, spec.Factory.Port, store, logger)
		default:
			factory = node.NewTestFactory(spec.Stereotype, uri)
		}
		for i := 0; i < spec.Count; i++ {
			builder.Add(spec.Stereotype, factory)
		}
	}
	return builder.Build(), nil
}
