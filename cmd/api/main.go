package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/kgtrace/backend/internal/api/handlers"
	"github.com/kgtrace/backend/internal/cache/redis"
	"github.com/kgtrace/backend/internal/extraction"
	"github.com/kgtrace/backend/internal/graph/neo4j"
	"github.com/kgtrace/backend/internal/identity"
	"github.com/kgtrace/backend/internal/ingestion"
	"github.com/kgtrace/backend/internal/metrics"
	"github.com/kgtrace/backend/internal/provenance"
	"github.com/kgtrace/backend/internal/quality"
	"github.com/kgtrace/backend/internal/reconcile"
	"github.com/kgtrace/backend/internal/refs"
	"github.com/kgtrace/backend/internal/storage"
	"github.com/kgtrace/backend/internal/storage/sqlite"
	"github.com/kgtrace/backend/internal/vector/milvus"
	"github.com/kgtrace/backend/internal/workflow"
	"github.com/kgtrace/backend/pkg/config"
	appLogger "github.com/kgtrace/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting knowledge graph provenance API server")
	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err = sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	neo4jClient, err := neo4j.NewClient(
		cfg.Neo4j.URI,
		cfg.Neo4j.Username,
		cfg.Neo4j.Password,
		cfg.Neo4j.Database,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Neo4j client", zap.Error(err))
	}
	defer neo4jClient.Close(context.Background())

	if err = neo4jClient.InitConstraints(context.Background()); err != nil {
		appLogger.Fatal("Failed to initialize graph constraints", zap.Error(err))
	}

	milvusClient, err := milvus.NewClient(
		cfg.Milvus.Endpoint,
		cfg.Milvus.CollectionName,
		cfg.Milvus.VectorDim,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
	}
	defer milvusClient.Close()

	if err = milvusClient.CreateCollection(context.Background()); err != nil {
		appLogger.Fatal("Failed to create collection", zap.Error(err))
	}

	redisClient, err := redis.NewClient(
		cfg.Redis.Host,
		cfg.Redis.Port,
		cfg.Redis.Password,
		cfg.Redis.DB,
		time.Duration(cfg.Redis.EntityKeyTTLSec)*time.Second,
	)
	if err != nil {
		// The candidate cache is an accelerator; resolution works without it.
		appLogger.Warn("Redis unavailable, entity resolution runs uncached", zap.Error(err))
		redisClient = nil
	} else {
		defer redisClient.Close()
	}

	llmClient := extraction.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.Model,
		cfg.LLM.EmbeddingModel,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
	)

	var extractor extraction.Extractor = llmClient
	extractorID := "llm-extractor"
	if cfg.LLM.APIKey == "" {
		appLogger.Warn("No LLM API key configured, using local extraction")
		extractor = extraction.NewLocalExtractor()
		extractorID = "local-ner"
	}

	resolver := refs.NewResolver(neo4jClient, sqliteClient, milvusClient)
	confidenceRouter := storage.NewConfidenceRouter(neo4jClient, sqliteClient)

	qualityService := quality.NewService(confidenceRouter, resolver, cfg.Quality)
	provenanceService := provenance.NewService(sqliteClient, resolver, qualityService)
	workflowService := workflow.NewService(sqliteClient)

	var cache identity.CandidateCache
	if redisClient != nil {
		cache = redisClient
	}
	identityService := identity.NewService(sqliteClient, neo4jClient, cache, qualityService, provenanceService, qualityService)

	processor := ingestion.NewProcessor(
		sqliteClient,
		milvusClient,
		identityService,
		provenanceService,
		workflowService,
		extractor,
		extractorID,
		llmClient,
		cfg.Ingest.MaxChunkSize,
	)

	reconciler := reconcile.New(
		sqliteClient,
		time.Duration(cfg.Sweep.MaxOperationAgeSec)*time.Second,
		time.Duration(cfg.Sweep.IntervalSec)*time.Second,
	)
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go reconciler.Run(sweepCtx)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	documentHandler := handlers.NewDocumentHandler(processor)
	identityHandler := handlers.NewIdentityHandler(identityService, resolver)
	provenanceHandler := handlers.NewProvenanceHandler(provenanceService)
	qualityHandler := handlers.NewQualityHandler(qualityService)
	workflowHandler := handlers.NewWorkflowHandler(workflowService)
	adminHandler := handlers.NewAdminHandler(reconciler)
	wsHandler := handlers.NewWebSocketHandler(workflowService)

	api := app.Group("/api/v1")

	api.Post("/documents", documentHandler.IngestDocument)

	api.Get("/refs/validate", identityHandler.ValidateRef)
	api.Post("/mentions/resolve", identityHandler.ResolveMention)
	api.Post("/entities/merge", identityHandler.MergeEntities)

	api.Get("/lineage", provenanceHandler.GetLineage)
	api.Get("/tools/:tool_id/stats", provenanceHandler.GetToolStats)

	api.Get("/quality/assess", qualityHandler.AssessQuality)
	api.Post("/quality/propagate", qualityHandler.PropagateQuality)

	api.Get("/workflows/:workflow_id", workflowHandler.GetStatus)

	api.Post("/admin/reconcile", adminHandler.RunReconciliation)

	app.Get("/metrics", metrics.MetricsHandler())

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/workflows/:workflow_id", websocket.New(wsHandler.HandleConnection))

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	stopSweep()
	app.Shutdown()
	appLogger.Info("Server stopped")
}
