package bootstrap

import (
	"context"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"medreport-ai/internal/ai"
	appsvc "medreport-ai/internal/app"
	"medreport-ai/internal/cache"
	"medreport-ai/internal/config"
	"medreport-ai/internal/engine"
	"medreport-ai/internal/index"
	"medreport-ai/internal/model"
	"medreport-ai/internal/ocr"
	mysqlClient "medreport-ai/internal/platform/mysql"
	rabbitmqClient "medreport-ai/internal/platform/rabbitmq"
	redisClient "medreport-ai/internal/platform/redis"
	"medreport-ai/internal/repository"
	"medreport-ai/internal/worker"
)

// App wires every component together. MySQL, Redis and RabbitMQ are
// optional: when one is unreachable at startup the service runs without it
// and logs what got degraded.
type App struct {
	Config *config.Config

	Engine *engine.Engine
	Index  *index.Index

	RAGService    *appsvc.RAGService
	ReportService *appsvc.ReportService
	AuthService   *appsvc.AuthService
	OCRClient     *ocr.Client

	MySQL        *gorm.DB
	Redis        *redis.Client
	MQConn       *amqp.Connection
	IngestWorker *worker.IngestPersistWorker

	StartedAt time.Time
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}

	app := &App{
		Config:    cfg,
		StartedAt: time.Now(),
	}

	app.Engine = engine.New(engine.Config{
		ModelPath:          cfg.Engine.ModelPath,
		QuantizedModelPath: cfg.Engine.QuantizedModelPath,
		VocabPath:          cfg.Engine.VocabPath,
		MergesPath:         cfg.Engine.MergesPath,
		ONNXLibPath:        cfg.Engine.ONNXSharedLibPath,
		MaxContext:         cfg.Engine.MaxContext,
		DisableGPU:         cfg.Engine.DisableGPU,
	})
	if cfg.Engine.Warmup {
		// load in the background so a slow model file does not block startup;
		// a failed warmup is retried lazily on the first generation call
		go app.Engine.Warmup()
	}

	app.Index = index.New()
	if cfg.RAG.IndexPath != "" {
		if err := app.Index.Load(cfg.RAG.IndexPath); err != nil {
			log.Printf("load vector index from %s failed, starting empty: %v", cfg.RAG.IndexPath, err)
		}
	}

	var (
		docRepo   appsvc.DocumentStore
		chunkRepo appsvc.ChunkStore
	)
	if cfg.MySQL.Enabled {
		mysqlDB, err := mysqlClient.New(ctx, cfg.MySQLDSN())
		if err != nil {
			log.Printf("mysql unavailable, running without document persistence: %v", err)
		} else if err := mysqlDB.AutoMigrate(&model.Document{}, &model.StoredChunk{}); err != nil {
			log.Printf("auto migrate tables failed, running without document persistence: %v", err)
		} else {
			app.MySQL = mysqlDB
			docRepo = repository.NewDocumentRepository(mysqlDB)
			chunkRepo = repository.NewChunkRepository(mysqlDB)
		}
	}

	var embCache appsvc.EmbeddingCache
	if cfg.Redis.Enabled {
		redisCli, err := redisClient.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Printf("redis unavailable, running without embedding cache: %v", err)
		} else {
			app.Redis = redisCli
			embCache = cache.NewEmbeddingCache(redisCli, cfg.Embedding.Model,
				time.Duration(cfg.Embedding.CacheTTLSeconds)*time.Second)
		}
	}

	var publisher appsvc.AsyncIngestPublisher
	if cfg.RabbitMQ.Enabled {
		mqConn, err := rabbitmqClient.New(ctx, cfg.RabbitMQ.URL, cfg.RabbitMQ.IngestPersistQueue)
		if err != nil {
			log.Printf("rabbitmq unavailable, persisting ingests synchronously: %v", err)
		} else {
			app.MQConn = mqConn
			publisher = rabbitmqClient.NewIngestPublisher(mqConn, cfg.RabbitMQ.IngestPersistQueue)
			if app.MySQL != nil {
				ingestWorker := worker.NewIngestPersistWorker(
					mqConn,
					repository.NewDocumentRepository(app.MySQL),
					repository.NewChunkRepository(app.MySQL),
					cfg.RabbitMQ.IngestPersistQueue,
				)
				if err := ingestWorker.Start(ctx); err != nil {
					log.Printf("start ingest worker failed: %v", err)
				} else {
					app.IngestWorker = ingestWorker
				}
			}
		}
	}

	embedder := ai.NewEmbeddingClient(ai.EmbeddingConfig{
		BaseURL: cfg.Embedding.BaseURL,
		APIKey:  cfg.Embedding.APIKey,
		Model:   cfg.Embedding.Model,
	})

	app.RAGService = appsvc.NewRAGService(
		app.Index,
		embedder,
		app.Engine,
		publisher,
		embCache,
		docRepo,
		chunkRepo,
		appsvc.RAGConfig{
			ChunkSize:      cfg.RAG.ChunkSize,
			ChunkOverlap:   cfg.RAG.ChunkOverlap,
			TopK:           cfg.RAG.TopK,
			MaxPromptChars: cfg.RAG.MaxPromptChars,
			Dedupe:         cfg.RAG.Dedupe,
			IndexPath:      cfg.RAG.IndexPath,
		},
	)
	app.ReportService = appsvc.NewReportService(app.Engine)
	app.AuthService = appsvc.NewAuthService(
		cfg.Auth.APIKeyHash,
		cfg.Auth.JWTSecret,
		time.Duration(cfg.Auth.JWTExpireMinute)*time.Minute,
	)
	if cfg.OCR.BaseURL != "" {
		app.OCRClient = ocr.NewClient(ocr.Config{
			BaseURL: cfg.OCR.BaseURL,
			APIKey:  cfg.OCR.APIKey,
			Timeout: time.Duration(cfg.OCR.TimeoutSeconds) * time.Second,
		})
	}

	return app, nil
}

func (a *App) Close() error {
	var closeErr error
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.IngestWorker != nil {
		a.IngestWorker.Close()
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MySQL != nil {
		sqlDB, err := a.MySQL.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				closeErr = err
			}
		}
	}
	if a.Engine != nil {
		if err := a.Engine.Close(); err != nil {
			closeErr = err
		}
	}
	return closeErr
}
