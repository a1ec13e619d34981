// Package main is the msfailab server: a single binary running the managed
// Metasploit container fleet, the per-track chat runtimes, and the
// WebSocket gateway over shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sarnowski/msfailab/internal/common/config"
	"github.com/sarnowski/msfailab/internal/common/httpmw"
	"github.com/sarnowski/msfailab/internal/common/ident"
	"github.com/sarnowski/msfailab/internal/common/logger"

	"github.com/sarnowski/msfailab/internal/events/bus"

	"github.com/sarnowski/msfailab/internal/docker"
	"github.com/sarnowski/msfailab/internal/lab"
	"github.com/sarnowski/msfailab/internal/msfrpc"

	"github.com/sarnowski/msfailab/internal/llm"
	"github.com/sarnowski/msfailab/internal/tools"
	"github.com/sarnowski/msfailab/internal/tools/executor"
	"github.com/sarnowski/msfailab/internal/track"

	"github.com/sarnowski/msfailab/internal/secdb"
	"github.com/sarnowski/msfailab/internal/trace"

	gateway "github.com/sarnowski/msfailab/internal/gateway/websocket"
	ws "github.com/sarnowski/msfailab/pkg/websocket"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting msfailab...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, NATS if configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// 5. Initialize Docker client. The lab cannot run without it.
	dockerClient, err := docker.NewClient(cfg.Docker, cfg.Msgrpc, log)
	if err != nil {
		log.Fatal("Failed to initialize Docker client", zap.Error(err))
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Fatal("Docker daemon not available", zap.Error(err))
	}
	log.Info("Connected to Docker daemon",
		zap.String("network_mode", cfg.Docker.NetworkMode),
		zap.String("image", cfg.Docker.Image))

	// ============================================
	// COMMAND TRACE
	// ============================================
	var traceSink trace.Sink = trace.NopSink{}
	if cfg.Trace.Path != "" {
		traceStore, err := trace.NewStore(cfg.Trace.Path, log)
		if err != nil {
			log.Fatal("Failed to open trace store", zap.Error(err), zap.String("path", cfg.Trace.Path))
		}
		defer traceStore.Close()
		traceSink = traceStore
		log.Info("Command trace enabled", zap.String("path", cfg.Trace.Path))
	} else {
		log.Info("Command trace disabled")
	}
	recorder := trace.NewRecorder(traceSink)

	// ============================================
	// SECURITY DATABASE (read-only Metasploit DB)
	// ============================================
	var secdbStore *secdb.Store
	var toolsDB tools.Database
	if cfg.SecDB.Enabled() {
		secdbStore, err = secdb.NewStore(ctx, cfg.SecDB, log)
		if err != nil {
			log.Fatal("Failed to connect to the security database", zap.Error(err))
		}
		defer secdbStore.Close()
		toolsDB = secdbStore
		log.Info("Security database connected",
			zap.String("host", cfg.SecDB.Host),
			zap.String("db", cfg.SecDB.DBName))
	} else {
		log.Info("Security database disabled")
	}

	// ============================================
	// TOOLS
	// ============================================
	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, cfg.Tools); err != nil {
		log.Fatal("Failed to register built-in tools", zap.Error(err))
	}
	execMgr := executor.New(registry, log)
	log.Info("Tool registry initialized", zap.Int("tools", len(registry.Descriptors())))

	// ============================================
	// LAB (managed container fleet)
	// ============================================
	rpcClient := msfrpc.NewClient(cfg.Msgrpc, log)

	labMgr := lab.NewManager(ctx, lab.Deps{
		Runtime:  dockerClient,
		RPC:      rpcClient,
		Bus:      eventBus,
		Recorder: recorder,
		Logger:   log,
	}, lab.Settings{
		Docker:    cfg.Docker,
		Container: cfg.Container,
		Console:   cfg.Console,
		Msgrpc:    cfg.Msgrpc,
	})

	// Adopt labeled containers a previous process left running.
	if err := labMgr.Reconcile(ctx); err != nil {
		log.Fatal("Failed to reconcile managed containers", zap.Error(err))
	}

	// ============================================
	// TRACKS (chat runtimes)
	// ============================================
	// Streams fail immediately until a provider is wired; tool execution
	// and consoles work regardless.
	llmClient := llm.Disabled()
	log.Info("No LLM provider configured; chat turns will fail fast")

	trackMgr := track.NewManager(ctx, track.ManagerDeps{
		LLM:        llmClient,
		Executor:   execMgr,
		Catalog:    registry,
		DB:         toolsDB,
		Bus:        eventBus,
		Containers: &containerSource{lab: labMgr},
		Logger:     log,
	}, track.Settings{
		Model:      cfg.Chat.Model,
		System:     cfg.Chat.SystemPrompt,
		Autonomous: cfg.Chat.Autonomous,
	})

	// ============================================
	// WEBSOCKET GATEWAY
	// ============================================
	dispatcher := ws.NewDispatcher()
	gateway.RegisterHealthHandler(dispatcher)
	gateway.RegisterAPI(dispatcher, labMgr, trackMgr, log)

	hub := gateway.NewHub(dispatcher, log)
	wsHandler := gateway.NewHandler(hub, log)

	if _, err := gateway.RegisterEventBridge(ctx, eventBus, hub, log); err != nil {
		log.Fatal("Failed to register event bridge", zap.Error(err))
	}

	// ============================================
	// BACKGROUND LOOPS
	// ============================================
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		hub.Run(groupCtx)
		return nil
	})
	if secdbStore != nil {
		watcher := secdb.NewWatcher(secdbStore, eventBus, labMgr, cfg.SecDB.PollIntervalDuration(), log)
		group.Go(func() error {
			return watcher.Run(groupCtx)
		})
	}

	// ============================================
	// HTTP SERVER
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "msfailab"))
	router.Use(corsMiddleware())

	router.GET("/ws", wsHandler.HandleConnection)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "msfailab",
		})
	})

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("WebSocket server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down msfailab...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop the chat runtimes before the container actors so no track is
	// left mid-dispatch, then shut the actors down. The Docker containers
	// keep running; the next process adopts them back.
	trackMgr.StopAll()
	labMgr.StopAll()

	cancel()
	if err := group.Wait(); err != nil {
		log.Error("Background loop error", zap.Error(err))
	}

	log.Info("msfailab stopped")
}

// containerSource adapts the lab manager to the track package's container
// lookup.
type containerSource struct {
	lab *lab.Manager
}

func (s *containerSource) Container(id ident.ContainerID) (track.Container, bool) {
	actor, ok := s.lab.Container(id)
	if !ok {
		return nil, false
	}
	return actor, true
}

// corsMiddleware allows cross-origin WebSocket upgrades and API calls; the
// operator UI is usually served from a different port.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
