package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jonathan/bid-assistant/internal/config"
	"github.com/jonathan/bid-assistant/internal/db"
	"github.com/jonathan/bid-assistant/internal/executor"
	"github.com/jonathan/bid-assistant/internal/extract"
	"github.com/jonathan/bid-assistant/internal/llm"
	"github.com/jonathan/bid-assistant/internal/pipeline"
	"github.com/jonathan/bid-assistant/internal/progress"
	"github.com/jonathan/bid-assistant/internal/rendering"
	"github.com/jonathan/bid-assistant/internal/schemas"
	"github.com/jonathan/bid-assistant/internal/storage"
	"github.com/jonathan/bid-assistant/internal/tasks"
	"github.com/jonathan/bid-assistant/internal/workspace"
)

// loadConfig reads --config when given, otherwise defaults plus the environment
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readConfig is loadConfig without validation
func readConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		fileCfg, err := config.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg.MergeWithDefaults(cfg)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// app is the wired object graph shared by serve, worker and the operator commands
type app struct {
	cfg       *config.Config
	store     db.Store
	progress  *progress.Service
	tasks     *tasks.Tracker
	runner    *executor.Runner
	workspace *workspace.Manager
	pipeline  *pipeline.Deps
	files     *storage.LocalFS
	llm       llm.Client
}

// openStore connects to the configured database and applies the schema
func openStore(ctx context.Context, cfg *config.Config) (db.Store, error) {
	store, err := db.Open(ctx, cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Database.Driver, err)
	}
	return store, nil
}

// newLedgerApp opens only what the project and progress commands need
func newLedgerApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:       cfg,
		store:     store,
		progress:  progress.NewService(store),
		tasks:     tasks.NewTracker(store),
		workspace: workspace.NewManager(cfg.Workspace.Root),
	}, nil
}

// newApp wires the store, the ledgers, the runner and the step pipeline
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a, err := newLedgerApp(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := a.store
	a.runner = executor.NewRunner(store, a.progress, a.tasks, executor.Options{
		Timeout:        cfg.Execution.StepTimeout(),
		ValidateResult: schemas.ValidateResult,
	})

	blob, err := a.newBlob()
	if err != nil {
		store.Close()
		return nil, err
	}
	client, err := a.newLLM(ctx)
	if err != nil {
		store.Close()
		return nil, err
	}
	a.llm = client

	a.pipeline = &pipeline.Deps{
		Store:              store,
		Workspace:          a.workspace,
		Extractor:          extract.NewFileExtractor(cfg.Workspace.PDFTextCommand),
		LLM:                client,
		PDF:                rendering.NewChromePDF(cfg.Server.ChromePath),
		Blob:               blob,
		ContentConcurrency: cfg.Execution.ContentConcurrency,
	}
	pipeline.Register(a.runner, a.pipeline)
	return a, nil
}

func (a *app) newBlob() (storage.Blob, error) {
	sc := a.cfg.Storage
	if sc.Backend == config.StorageMinIO {
		blob, err := storage.NewMinIO(storage.MinIOConfig{
			Endpoint:  sc.MinIO.Endpoint,
			AccessKey: sc.MinIO.AccessKey,
			SecretKey: sc.MinIO.SecretKey,
			Bucket:    sc.MinIO.Bucket,
			UseSSL:    sc.MinIO.UseSSL,
			URLExpiry: sc.MinIO.URLExpiry(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create MinIO storage: %w", err)
		}
		log.Printf("[storage] exports go to bucket %s at %s", sc.MinIO.Bucket, sc.MinIO.Endpoint)
		return blob, nil
	}
	a.files = &storage.LocalFS{Root: sc.Root, BaseURL: sc.BaseURL}
	log.Printf("[storage] exports go to %s", sc.Root)
	return *a.files, nil
}

func (a *app) newLLM(ctx context.Context) (llm.Client, error) {
	if a.cfg.LLM.Offline() {
		log.Printf("[pipeline] fast mode: drafting with the offline client")
		return llm.NewOfflineClient(), nil
	}
	llmCfg := llm.DefaultConfig()
	for tier, model := range a.cfg.LLM.Models {
		llmCfg = llmCfg.WithModel(llm.ModelTier(tier), model)
	}
	if a.cfg.LLM.Temperature > 0 {
		llmCfg.Temperature = a.cfg.LLM.Temperature
	}
	client, err := llm.NewClient(ctx, llmCfg, a.cfg.LLM.APIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	return client, nil
}

func (a *app) queueConfig() executor.QueueConfig {
	return executor.QueueConfig{
		Addr:        a.cfg.Queue.RedisAddr,
		Password:    a.cfg.Queue.RedisPassword,
		DB:          a.cfg.Queue.RedisDB,
		Concurrency: a.cfg.Queue.Concurrency,
		Timeout:     a.cfg.Execution.StepTimeout(),
	}
}

// Close releases the LLM client and the store
func (a *app) Close() {
	if a.llm != nil {
		if err := a.llm.Close(); err != nil {
			log.Printf("[pipeline] failed to close LLM client: %v", err)
		}
	}
	a.store.Close()
}
