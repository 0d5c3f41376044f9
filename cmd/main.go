package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/zks-assess/auth"
	"github.com/zks-assess/config"
	"github.com/zks-assess/handlers"
	"github.com/zks-assess/models"
	"github.com/zks-assess/services"
	"github.com/zks-assess/services/impl"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	db, err := initDB(cfg)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	if err := migrate(db); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	// Redis backs the search cache and the ingestion queue; without it the
	// service degrades to no caching and an in-process queue.
	redisClient := connectRedis(cfg)

	var cacheService services.CacheService
	var queue services.IngestionQueue
	if redisClient != nil {
		cacheService = impl.NewSearchCacheWithRedis(redisClient, &cfg.Redis)
		queue = impl.NewRedisIngestionQueue(redisClient, cfg.Ingestion.QueueKey)
	} else {
		cacheService = impl.NewSearchCache(nil)
		queue = impl.NewInlineIngestionQueue(0)
	}

	// Retrieval pipeline.
	chunkStore := impl.NewChunkStore(db)
	embedder := impl.NewEmbeddingClient(&cfg.Embedder)
	generator := impl.NewGenerationClient(&cfg.Generator)
	searchService := impl.NewSearchService(chunkStore, embedder, cacheService, retrievalConfig(cfg))
	answerService := impl.NewAnswerService(searchService, generator)

	// Ingestion pipeline.
	extractor := impl.NewTextExtractor()
	chunker := impl.NewChunker(models.ChunkOptions{
		MaxChunkSize: cfg.Ingestion.MaxChunkSize,
		MinChunkSize: cfg.Ingestion.MinChunkSize,
	})
	ingestionService := impl.NewIngestionService(db, chunkStore, extractor, chunker, embedder, cacheService)
	worker := impl.NewIngestionWorker(queue, ingestionService, cfg.Ingestion)
	worker.Start()

	// Assessment core.
	auditService := impl.NewAuditService(db)
	documentService := impl.NewDocumentService(db, chunkStore, queue, auditService, cfg.Ingestion.StorageDir)
	questionnaireService := impl.NewQuestionnaireService(db, auditService)
	if err := questionnaireService.Refresh(context.Background()); err != nil {
		log.Printf("Warning: no active questionnaire loaded yet: %v", err)
	}
	scoringService := impl.NewScoringService(db)
	insightsService := impl.NewInsightsService(db, scoringService, generator)
	recommendationService := impl.NewRecommendationService(db, generator, searchService)
	assessmentService := impl.NewAssessmentService(db, scoringService, questionnaireService, auditService, insightsService)

	assessmentHandlers := handlers.NewAssessmentHandlers(assessmentService, insightsService, recommendationService, auditService)
	searchHandlers := handlers.NewSearchHandlers(searchService, answerService)
	documentHandlers := handlers.NewDocumentHandlers(documentService)
	questionnaireHandlers := handlers.NewQuestionnaireHandlers(questionnaireService)

	router := setupRouter(cfg, assessmentHandlers, searchHandlers, documentHandlers, questionnaireHandlers)

	srv := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	go func() {
		log.Printf("Compliance assessment server starting on %s", cfg.GetServerAddress())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server:", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}
	worker.Stop()

	log.Println("Server exited")
}

func initDB(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.GetDatabaseDSN()), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.Database.MaxLifetime) * time.Second)

	return db, nil
}

func migrate(db *gorm.DB) error {
	if err := db.Exec("CREATE SCHEMA IF NOT EXISTS compliance").Error; err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	if err := db.AutoMigrate(
		&models.Organization{},
		&models.QuestionnaireVersion{},
		&models.Measure{},
		&models.Submeasure{},
		&models.Control{},
		&models.ControlSubmeasureMapping{},
		&models.ControlRequirement{},
		&models.Assessment{},
		&models.AssessmentAnswer{},
		&models.SubmeasureScore{},
		&models.MeasureScore{},
		&models.ComplianceScore{},
		&models.ProcessedDocument{},
		&models.DocumentChunk{},
		&models.AssessmentInsights{},
		&models.AIRecommendation{},
		&models.AuditLog{},
	); err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}

	return impl.EnsureSearchObjects(db)
}

func connectRedis(cfg *config.Config) *redis.Client {
	if cfg.Redis.Host == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.GetRedisAddress(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if _, err := client.Ping(context.Background()).Result(); err != nil {
		log.Printf("Warning: Redis unavailable, using in-process cache and queue: %v", err)
		return nil
	}
	log.Println("Redis connection established")
	return client
}

func retrievalConfig(cfg *config.Config) models.RetrievalConfig {
	rc := models.DefaultRetrievalConfig()
	if cfg.Retrieval.Tier1Limit > 0 {
		rc.Tier1Limit = cfg.Retrieval.Tier1Limit
	}
	if cfg.Retrieval.Tier2Limit > 0 {
		rc.Tier2Limit = cfg.Retrieval.Tier2Limit
	}
	if cfg.Retrieval.RerankTopN > 0 {
		rc.RerankTopN = cfg.Retrieval.RerankTopN
	}
	if cfg.Retrieval.FinalK > 0 {
		rc.FinalK = cfg.Retrieval.FinalK
	}
	rc.ControlPrefixExpansion = cfg.Retrieval.ControlPrefixExpansion
	return rc
}

func setupRouter(
	cfg *config.Config,
	assessments *handlers.AssessmentHandlers,
	search *handlers.SearchHandlers,
	documents *handlers.DocumentHandlers,
	questionnaire *handlers.QuestionnaireHandlers,
) *gin.Engine {
	if os.Getenv("ENVIRONMENT") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.Auth.AllowedOrigins
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"service":   "zks-assess",
		})
	})

	validator := auth.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.AllowedIssuers, cfg.Auth.JWKSURL)

	v1 := router.Group("/api/v1")
	v1.Use(auth.Middleware(validator))

	assessmentRoutes := v1.Group("/assessments")
	{
		assessmentRoutes.POST("", assessments.CreateAssessment)
		assessmentRoutes.GET("", assessments.ListAssessments)
		assessmentRoutes.GET("/:id", assessments.GetAssessment)
		assessmentRoutes.DELETE("/:id", assessments.DeleteAssessment)
		assessmentRoutes.PUT("/:id/status", assessments.UpdateStatus)
		assessmentRoutes.PUT("/:id/answers", assessments.UpdateAnswer)
		assessmentRoutes.POST("/:id/submit", assessments.Submit)
		assessmentRoutes.GET("/:id/compliance", assessments.GetCompliance)
		assessmentRoutes.GET("/:id/progress", assessments.GetProgress)
		assessmentRoutes.GET("/:id/insights", assessments.GetInsights)
		assessmentRoutes.POST("/:id/recommendations", assessments.GenerateRecommendations)
		assessmentRoutes.GET("/:id/recommendations", assessments.ListRecommendations)
		assessmentRoutes.GET("/:id/audit", assessments.GetAuditLog)
	}

	v1.POST("/search", search.Search)
	v1.POST("/answers", search.Answer)
	v1.POST("/answers/stream", search.AnswerStream)

	documentRoutes := v1.Group("/documents")
	{
		documentRoutes.POST("", documents.UploadDocument)
		documentRoutes.GET("", documents.ListDocuments)
		documentRoutes.GET("/:id", documents.GetDocument)
		documentRoutes.DELETE("/:id", documents.DeleteDocument)
		documentRoutes.POST("/:id/reprocess", documents.ReprocessDocument)
	}

	questionnaireRoutes := v1.Group("/questionnaire")
	{
		questionnaireRoutes.GET("/active", questionnaire.GetActiveQuestionnaire)
		questionnaireRoutes.POST("/import", questionnaire.ImportQuestionnaire)
	}

	return router
}
