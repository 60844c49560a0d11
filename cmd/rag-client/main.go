package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/krishbadri/rag-project/internal/adapters/driven/backend"
	"github.com/krishbadri/rag-project/internal/adapters/driven/ids"
	"github.com/krishbadri/rag-project/internal/adapters/driven/memory"
	redisadapter "github.com/krishbadri/rag-project/internal/adapters/driven/redis"
	"github.com/krishbadri/rag-project/internal/adapters/driving/console"
	"github.com/krishbadri/rag-project/internal/config"
	"github.com/krishbadri/rag-project/internal/core/domain"
	"github.com/krishbadri/rag-project/internal/core/ports/driven"
	"github.com/krishbadri/rag-project/internal/core/services"
	"github.com/krishbadri/rag-project/internal/worker"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Logs go to stderr so they do not interleave with streamed answers
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	log.Printf("rag-client %s starting (backend=%s, store=%s, processing=%s)",
		version, cfg.BackendURL, cfg.StoreBackend, cfg.ProcessingMode)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutdown signal received, stopping...")
		cancel()
	}()

	if err := run(ctx, cfg, os.Args[1:]); err != nil {
		log.Fatalf("rag-client: %v", err)
	}
}

// run wires the client and blocks in the console. args may hold a batch link to open.
func run(ctx context.Context, cfg *config.Config, args []string) error {
	// ===== Batch store =====
	store, err := openBatchStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	// ===== Backend =====
	client, err := backend.NewClient(backend.Config{
		BaseURL: cfg.BackendURL,
		Timeout: cfg.HTTPTimeout,
		Logger:  slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("create backend client: %w", err)
	}
	defer client.Close()

	idGen := ids.UUID{}
	viewID := cfg.ViewID
	if viewID == "" {
		viewID = idGen.NewID()
	}

	// ===== Batch views =====
	// Uploads and chat are separate views of the same store, as separately mounted screens are
	uploadView, err := services.NewBatchContext(ctx, services.BatchContextConfig{
		ViewID:  viewID + ":upload",
		Store:   store,
		Backend: client,
		IDs:     idGen,
		Logger:  slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("create upload view: %w", err)
	}
	defer uploadView.Close()

	chatView, err := services.NewBatchContext(ctx, services.BatchContextConfig{
		ViewID:  viewID + ":chat",
		Store:   store,
		Backend: client,
		IDs:     idGen,
		Logger:  slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("create chat view: %w", err)
	}
	defer chatView.Close()

	// ===== Processing watcher =====
	checks := map[string]console.HealthCheck{
		"store": store.Ping,
	}

	var watcher driven.ProcessingWatcher
	switch cfg.ProcessingMode {
	case config.ProcessingSettle:
		watcher = worker.SettleDelay(cfg.SettleDelay)
		log.Printf("Processing completion: fixed settle delay of %s", cfg.SettleDelay)
	default:
		poller := worker.NewStatusPoller(worker.StatusPollerConfig{
			Backend:     client,
			Logger:      slog.Default(),
			Interval:    cfg.PollInterval,
			Timeout:     cfg.ProcessingTimeout,
			Concurrency: cfg.UploadConcurrency,
		})
		if err := poller.Start(ctx); err != nil {
			return fmt.Errorf("start status poller: %w", err)
		}
		defer poller.Stop()
		watcher = poller

		checks["status poller"] = func(context.Context) error {
			if !poller.Health().Running {
				return worker.ErrPollerStopped
			}
			return nil
		}
	}

	// ===== Services =====
	printer := console.NewPrinter(os.Stdout)

	uploads, err := services.NewUploadController(services.UploadControllerConfig{
		Backend:     client,
		Batch:       uploadView,
		Watcher:     watcher,
		IDs:         idGen,
		Logger:      slog.Default(),
		Concurrency: cfg.UploadConcurrency,
		OnChange:    printer.Upload,
	})
	if err != nil {
		return fmt.Errorf("create upload controller: %w", err)
	}

	chat, err := services.NewChatSession(services.ChatSessionConfig{
		Backend:     client,
		Batch:       chatView,
		IDs:         idGen,
		Logger:      slog.Default(),
		DefaultTopK: cfg.DefaultTopK,
		OnUpdate:    printer.Message,
	})
	if err != nil {
		return fmt.Errorf("create chat session: %w", err)
	}

	// A batch link on the command line opens the chat pinned to that batch
	if len(args) > 0 {
		if batchID := domain.BatchIDFromLink(args[0]); batchID != "" {
			snap, err := chatView.OpenBatch(ctx, batchID)
			if err != nil {
				return fmt.Errorf("open batch %s: %w", batchID, err)
			}
			log.Printf("Opened batch %s with %d document(s)", snap.BatchID, len(snap.DocumentIDs))
		}
	}

	shell, err := console.New(console.Config{
		In:           os.Stdin,
		Printer:      printer,
		Logger:       slog.Default(),
		Chat:         chat,
		Uploads:      uploads,
		UploadView:   uploadView,
		ChatView:     chatView,
		Checks:       checks,
		ShareBaseURL: cfg.ShareBaseURL,
		ShowSources:  cfg.ShowSources,
	})
	if err != nil {
		return fmt.Errorf("create console: %w", err)
	}
	return shell.Run(ctx)
}

// openBatchStore uses Redis when configured so several processes share one batch,
// and an in-process store otherwise.
func openBatchStore(ctx context.Context, cfg *config.Config) (driven.BatchStore, error) {
	if cfg.StoreBackend != config.StoreRedis {
		log.Println("Using in-memory batch store")
		return memory.NewBatchStore(slog.Default()), nil
	}

	log.Println("Connecting to Redis...")
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse Redis URL: %w", err)
	}
	redisClient := redis.NewClient(opts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("connect to Redis: %w", err)
	}
	log.Println("Redis connected")

	return &ownedRedisStore{
		BatchStore: redisadapter.NewBatchStore(redisClient, cfg.RedisNamespace, slog.Default()),
		client:     redisClient,
	}, nil
}

// ownedRedisStore closes the client it was given
type ownedRedisStore struct {
	*redisadapter.BatchStore
	client *redis.Client
}

func (s *ownedRedisStore) Close() error {
	_ = s.BatchStore.Close()
	return s.client.Close()
}
