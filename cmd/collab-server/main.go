package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/api/websocket"
	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/auth"
	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/cache"
	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/collaboration/conflict"
	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/collaboration/document"
	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/collaboration/session"
	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/config"
	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/coordination"
	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := observability.NewStandardLogger("collab-server")
	metrics := observability.NewInMemoryMetricsClient()
	defer func() { _ = metrics.Close() }()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis unreachable at %s: %v", cfg.Redis.Address, err)
	}
	defer func() { _ = redisClient.Close() }()

	snapshots := cache.NewRedisCacheFromClient(redisClient)

	sessions := session.NewManager(snapshots, session.ManagerConfig{
		NodeID:        cfg.Server.ID,
		IdleTimeout:   cfg.Session.IdleTimeout,
		SweepInterval: cfg.Session.SweepInterval,
		SnapshotTTL:   cfg.Session.SnapshotTTL,
	}, logger, metrics)
	sessions.Start()

	docs := document.NewManager(snapshots, document.ManagerConfig{
		NodeID:        cfg.Server.ID,
		OpsPerMinute:  cfg.Document.OpsPerMinute,
		FlushInterval: cfg.Document.FlushInterval,
		SnapshotTTL:   cfg.Document.SnapshotTTL,
	}, logger, metrics)
	docs.Start()

	detector := conflict.NewDetector(logger, metrics)
	resolver, err := conflict.NewResolver(conflict.StrategyLastWriterWins, logger, metrics)
	if err != nil {
		log.Fatalf("failed to build conflict resolver: %v", err)
	}

	psConfig := coordination.DefaultPubSubConfig(cfg.Server.ID)
	psConfig.ConfirmTTL = cfg.Coordination.ConfirmTTL
	psConfig.ConfirmTimeout = cfg.Coordination.ConfirmTimeout
	psConfig.ConfirmPoll = cfg.Coordination.ConfirmPoll
	psConfig.InitialInterval = cfg.Coordination.InitialInterval
	psConfig.MaxInterval = cfg.Coordination.MaxInterval
	coordinator := coordination.NewPubSubCoordinator(redisClient, psConfig, logger, metrics)
	if err := coordinator.Start(); err != nil {
		log.Fatalf("failed to start coordination: %v", err)
	}

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	gateway := websocket.NewServer(websocket.ServerConfig{
		SendBuffer:      cfg.Gateway.SendBuffer,
		MessageRate:     cfg.Gateway.MessageRate,
		MessageBurst:    cfg.Gateway.MessageBurst,
		PingInterval:    cfg.Gateway.PingInterval,
		WriteTimeout:    cfg.Gateway.WriteTimeout,
		LivenessTimeout: cfg.Gateway.LivenessTimeout,
	}, verifier, sessions, docs, detector, resolver, coordinator, logger, metrics)

	cluster := coordination.NewClusterCoordinator(coordinator, coordination.ClusterConfig{
		ServerID:           cfg.Server.ID,
		Host:               cfg.Server.Host,
		Port:               cfg.Server.Port,
		HeartbeatInterval:  cfg.Cluster.HeartbeatInterval,
		NodeTimeout:        cfg.Cluster.NodeTimeout,
		MonitorInterval:    cfg.Cluster.MonitorInterval,
		ReplicaCount:       cfg.Cluster.ReplicaCount,
		MaxSessionsPerNode: cfg.Cluster.MaxSessionsPerNode,
	}, func() (int, float64) {
		sessionCount := gateway.SessionCount()
		load := float64(sessionCount) / float64(cfg.Cluster.MaxSessionsPerNode)
		return sessionCount, load
	}, logger, metrics)
	cluster.Start()
	gateway.SetPlacer(cluster)
	sessions.OnTerminate(cluster.ReleaseSession)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if len(cfg.Server.TrustedProxies) > 0 {
		if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
			log.Fatalf("invalid trusted proxy configuration: %v", err)
		}
	}

	router.GET("/ws/:tenant_id/:memory_id", gateway.Handle)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"server_id":   cfg.Server.ID,
			"connections": gateway.ConnectionCount(),
			"sessions":    gateway.SessionCount(),
			"nodes":       len(cluster.Nodes()),
		})
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", map[string]interface{}{
			"address":   cfg.Server.ListenAddress,
			"server_id": cfg.Server.ID,
		})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", nil)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()

		gateway.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown incomplete", map[string]interface{}{"error": err.Error()})
		}

		cluster.Stop()
		if err := sessions.Close(shutdownCtx); err != nil {
			logger.Warn("session manager close failed", map[string]interface{}{"error": err.Error()})
		}
		if err := docs.Close(shutdownCtx); err != nil {
			logger.Warn("document manager close failed", map[string]interface{}{"error": err.Error()})
		}
		return coordinator.Close()
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	logger.Info("stopped", nil)
}
