package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"docchat/internal/api"
	"docchat/internal/chat"
	"docchat/internal/config"
	"docchat/internal/logger"
	"docchat/internal/pipeline"
	"docchat/internal/redis"
	"docchat/internal/report"
	"docchat/internal/service/ai"
	"docchat/internal/service/conversation"
	"docchat/internal/service/document"
	"docchat/internal/service/embedding"
	"docchat/internal/service/extract"
	"docchat/internal/service/retrieval"
	"docchat/internal/service/vector"
	"docchat/internal/storage"
	"docchat/internal/worker"
)

func main() {
	app := &cli.App{
		Name:  "docchat",
		Usage: "PDF ingestion pipeline and retrieval-augmented chat server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the JSON or YAML config file",
				Value:   "config.json",
				EnvVars: []string{"DOCCHAT_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-mode",
				Usage: "Logger mode (development, production)",
				Value: "development",
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "Database driver (sqlite3, mysql)",
				Value:   "sqlite3",
				EnvVars: []string{"DOCCHAT_DB"},
			},
		},
		Action: serveCommand,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP server and the document pipeline",
				Action: serveCommand,
			},
			{
				Name:   "migrate",
				Usage:  "Create database tables and exit",
				Action: migrateCommand,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("docchat: %v", err)
	}
}

func setup(c *cli.Context) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	mode := c.String("log-mode")
	if !c.IsSet("log-mode") && cfg.BasicConfig.Environment != "" {
		mode = cfg.BasicConfig.Environment
	}
	lg, err := logger.New(mode)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, lg, nil
}

func migrateCommand(c *cli.Context) error {
	cfg, lg, err := setup(c)
	if err != nil {
		return err
	}
	defer lg.Sync()

	dbType := c.String("db")
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	lg.Info("database migrated", "driver", dbType)
	return nil
}

func serveCommand(c *cli.Context) error {
	cfg, lg, err := setup(c)
	if err != nil {
		return err
	}
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbType := c.String("db")
	lg.Info("opening database", "driver", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	// Create necessary tables: documents, document_texts, conversations, messages
	if err := storage.Migrate(db, dbType); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		defer rdb.Close()
	}

	vectors, err := newVectorStore(ctx, cfg, lg)
	if err != nil {
		return err
	}
	embedder, err := embedding.NewOpenAIEmbedder(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("init embedder: %w", err)
	}
	indexer, err := embedding.NewIndexer(embedder, vectors, embedding.Options{
		ChunkSize:    cfg.Pipeline.ChunkSize,
		ChunkOverlap: cfg.Pipeline.ChunkOverlap,
		BatchSize:    cfg.Pipeline.EmbedBatchSize,
		Concurrency:  cfg.Pipeline.EmbedConcurrency,
	}, lg)
	if err != nil {
		return fmt.Errorf("init indexer: %w", err)
	}
	defer indexer.Close()

	provider := cfg.Chat.Provider
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return fmt.Errorf("provider %s is not configured", provider)
	}
	chatModel, err := ai.NewChatModel(ctx, provider, provCfg)
	if err != nil {
		return fmt.Errorf("init chat model: %w", err)
	}
	generator, err := ai.NewGenerator(chatModel, cfg.Chat.DefaultTitle, lg)
	if err != nil {
		return fmt.Errorf("init generator: %w", err)
	}

	files, err := document.NewFileStore(cfg.BasicConfig.FileBaseDir)
	if err != nil {
		return fmt.Errorf("init file store: %w", err)
	}
	dispatcher := worker.NewDispatcher(worker.DispatcherConfig{
		MinWorkers:        cfg.BasicConfig.MinWorkers,
		MaxWorkers:        cfg.BasicConfig.MaxWorkers,
		QueueSize:         cfg.BasicConfig.QueueSize,
		WorkerIdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	}, lg)

	var (
		notifier pipeline.Notifier
		cache    chat.SnapshotCache
	)
	if rdb != nil {
		notifier = pipeline.NewRedisNotifier(rdb, lg)
		cache = chat.NewRedisCache(rdb, lg)
	}

	pipe, err := pipeline.NewOrchestrator(pipeline.Dependencies{
		Documents:  document.NewStore(db),
		Files:      files,
		Extractor:  extract.NewExtractor(lg),
		Indexer:    indexer,
		Dispatcher: dispatcher,
		Notifier:   notifier,
		Logger:     lg,
	}, time.Duration(cfg.Pipeline.StageTimeoutSeconds)*time.Second)
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}
	if err := pipe.Recover(ctx); err != nil {
		return fmt.Errorf("recover pipeline: %w", err)
	}
	pipe.StartOrphanCleaner(ctx, time.Duration(cfg.BasicConfig.OrphanCleanInterval)*time.Minute)

	searcher := retrieval.NewService(embedder, vectors)
	chatOrch, err := chat.NewOrchestrator(chat.Dependencies{
		Conversations: conversation.NewStore(db),
		Retriever:     searcher,
		Generator:     generator,
		Renderer:      report.NewRenderer(),
		Dispatcher:    dispatcher,
		Cache:         cache,
		Logger:        lg,
	}, cfg.Chat)
	if err != nil {
		return fmt.Errorf("init chat: %w", err)
	}

	if cfg.BasicConfig.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	handler := api.NewHandler(api.Services{
		Pipeline: pipe,
		Chat:     chatOrch,
		Search:   searcher,
		Vectors:  vectors,
		Events:   rdb,
		Logger:   lg,
	}, api.Options{
		MaxUploadBytes: cfg.BasicConfig.MaxUploadBytes,
		CORSOrigins:    cfg.BasicConfig.CORSOrigins,
	})
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		lg.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			lg.Warn("http shutdown", "error", err)
		}
		if err := dispatcher.Close(shutdownCtx); err != nil {
			lg.Warn("dispatcher shutdown", "error", err)
		}
		return nil
	})
	return g.Wait()
}

func newVectorStore(ctx context.Context, cfg *config.Config, lg *logger.Logger) (vector.Store, error) {
	var store vector.Store
	switch cfg.VectorStore.Type {
	case "memory":
		lg.Warn("using in-memory vector store, vectors are lost on restart")
		store = vector.NewMemoryStore()
	default:
		qs, err := vector.NewQdrantStore(vector.QdrantConfig{
			URL:        cfg.VectorStore.URL,
			APIKey:     cfg.VectorStore.APIKey,
			Collection: cfg.VectorStore.Collection,
			Timeout:    time.Duration(cfg.VectorStore.TimeoutSeconds) * time.Second,
		}, lg)
		if err != nil {
			return nil, fmt.Errorf("init qdrant: %w", err)
		}
		store = qs
	}
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := store.EnsureCollection(initCtx, cfg.Embedding.Dimensions); err != nil {
		return nil, fmt.Errorf("ensure vector collection: %w", err)
	}
	return store, nil
}
