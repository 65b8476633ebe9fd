package main

import (
	"context"
	"log"
	"os"
	"time"

	"agentdesk/internal/api"
	"agentdesk/internal/auth"
	"agentdesk/internal/config"
	"agentdesk/internal/redis"
	"agentdesk/internal/service/agents"
	"agentdesk/internal/service/ai"
	"agentdesk/internal/service/conversation"
	"agentdesk/internal/service/moderator"
	"agentdesk/internal/service/workspace"
	"agentdesk/internal/storage"
	"agentdesk/internal/stream"
	"agentdesk/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("AGENTDESK_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("AGENTDESK_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// Create necessary tables: users, tokens, projects, agents, conversations, messages
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	var rdb *redis.Client
	if redis.Enabled(cfg) {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			log.Fatalf("create redis client: %v", err)
		}
		defer rdb.Close()
	} else {
		log.Printf("redis not configured, history cache stays in process")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	authService := auth.NewService(db, rdb, 24*time.Hour)
	registry := agents.NewRegistry(db)
	workspaceService, err := workspace.NewService(db, registry)
	if err != nil {
		log.Fatalf("init workspace service: %v", err)
	}
	store := conversation.NewStore(db)
	generator := ai.NewService(cfg, workspaceService)
	feed := stream.NewBroadcaster()
	defer feed.Close()

	dispatcher := worker.NewDispatcher(store, generator, worker.DispatcherConfig{
		MinWorkers:     cfg.BasicConfig.MinWorkers,
		MaxWorkers:     cfg.BasicConfig.MaxWorkers,
		QueueSize:      cfg.BasicConfig.QueueSize,
		IdleTimeout:    time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
		RequestTimeout: time.Duration(cfg.BasicConfig.RequestTimeout) * time.Second,
		Provider:       cfg.BasicConfig.DefaultProvider,
	}, rdb, feed)
	defer dispatcher.Close()
	if rdb != nil {
		go func() {
			if err := dispatcher.Listen(ctx); err != nil && ctx.Err() == nil {
				log.Printf("history invalidation listener stopped: %v", err)
			}
		}()
	}

	cleanInterval := time.Duration(cfg.BasicConfig.AttachmentCleanup) * time.Minute
	workspaceService.StartCleaner(ctx, cleanInterval, authService.PurgeExpired)

	fileBase := cfg.BasicConfig.FileBaseDir
	if fileBase == "" {
		fileBase = "./data/uploads"
	}
	handlers := api.NewHandler(api.Deps{
		Workspace: workspaceService,
		Auth:      authService,
		Agents:    registry,
		Store:     store,
		Moderator: moderator.New(generator, cfg.Routing.Provider, cfg.Routing.Model),
		Gate: moderator.Gate{
			Threshold:     cfg.Routing.HighConfidenceThreshold,
			ClusterMargin: cfg.Routing.ClusterMargin,
		},
		Dispatcher: dispatcher,
		Feed:       feed,
		FileBase:   fileBase,
		FileTTL:    time.Duration(cfg.BasicConfig.AttachmentTTL) * time.Minute,
	})

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}

	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
