// mirad is the Mira agent runtime daemon: it wires the memory store, the
// model router and the operation engine, then serves requests from stdin
// as a minimal local transport. Heavier transports live outside the core.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/ConaryLabs/mira/internal/config"
	"github.com/ConaryLabs/mira/internal/embeddings"
	"github.com/ConaryLabs/mira/internal/llm"
	"github.com/ConaryLabs/mira/internal/llm/router"
	"github.com/ConaryLabs/mira/internal/memory"
	"github.com/ConaryLabs/mira/internal/observability"
	"github.com/ConaryLabs/mira/internal/operations"
	"github.com/ConaryLabs/mira/internal/persistence"
	"github.com/ConaryLabs/mira/internal/recall"
	"github.com/ConaryLabs/mira/internal/watcher"
	"github.com/ConaryLabs/mira/internal/workers"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	projectPath := flag.String("project", "", "workspace root to attach")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		cfg = config.Default()
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *projectPath); err != nil {
		log.Fatal().Err(err).Msg("mirad_exit")
	}
}

func run(ctx context.Context, cfg *config.Config, projectPath string) error {
	pool, err := persistence.Open(ctx, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()

	embedder := embeddings.NewClient(
		cfg.Embeddings.Host, cfg.Embeddings.APIKey, cfg.Embeddings.Model,
		cfg.Embeddings.Dimensions, cfg.Embeddings.BatchSize, cfg.Embeddings.CacheSize)

	var store *memory.MultiStore
	if cfg.Vector.Enabled {
		store, err = memory.NewMultiStore(cfg.Vector.URL, cfg.Vector.CollectionBase, cfg.Embeddings.Dimensions)
		if err != nil {
			log.Warn().Err(err).Msg("vector_store_unavailable")
			store = nil
		} else {
			defer store.Close()
		}
	}

	service := memory.NewService(pool, embedder, store)
	pipeline := recall.NewPipeline(embedder, pool, store, recall.Options{
		RecentCount:   cfg.Recall.RecentCount,
		SemanticCount: cfg.Recall.SemanticCount,
		HalfLifeHours: cfg.Recall.HalfLifeHours,
	})

	providers := buildProviders(cfg.Router)
	classifier := router.NewClassifier(embedder)
	modelRouter := router.New(cfg.Router, classifier, providers)

	lifecycle := operations.NewLifecycle(pool, service)
	artifacts := operations.NewArtifacts(pool, lifecycle)
	delegation := operations.NewDelegation(modelRouter, service)
	builder := operations.NewContextBuilder(pool, recall.NewBudgetManager(cfg.Budget.MaxChars))
	orchestrator := operations.NewOrchestrator(
		lifecycle, delegation, artifacts, builder, modelRouter, pipeline, service,
		cfg.Operations.MaxIterations)
	engine := operations.NewEngine(pool, lifecycle, orchestrator)

	if err := engine.Recover(ctx); err != nil {
		return fmt.Errorf("recover operations: %w", err)
	}

	var projectID *int64
	if projectPath != "" {
		id, err := pool.GetOrCreateProject(ctx, projectPath, "")
		if err != nil {
			return fmt.Errorf("attach project: %w", err)
		}
		projectID = &id
	}

	// Background workers.
	decay := workers.NewDecay(pool, cfg.Decay)
	go decay.Start(ctx)
	summarizer := workers.NewSummarizer(pool, service, modelRouter.Fast(), cfg.Summarizer)
	go runPeriodic(ctx, 2*time.Minute, summarizer.RunOnce)
	repair := workers.NewRepair(pool, service)
	go repair.Start(ctx, 5*time.Minute)

	// Filesystem processor; the debouncing collector feeds this channel.
	fileEvents := make(chan watcher.FileChangeEvent, 256)
	processor := watcher.NewProcessor(pool, service, watcher.NewRegistry(), cfg.Watcher)
	go processor.Run(ctx, fileEvents)

	return serveStdin(ctx, engine, projectID)
}

func buildProviders(cfg config.RouterConfig) map[router.Tier]llm.Provider {
	providers := make(map[router.Tier]llm.Provider)
	for tier, pc := range map[router.Tier]config.ProviderConfig{
		router.TierFast:    cfg.Fast,
		router.TierVoice:   cfg.Voice,
		router.TierThinker: cfg.Thinker,
	} {
		if pc.Model == "" {
			continue
		}
		switch pc.Backend {
		case "anthropic":
			providers[tier] = llm.NewAnthropicClient(pc.APIKey, pc.Model)
		default:
			providers[tier] = llm.NewOpenAIClient(pc.Host, pc.APIKey, pc.Model)
		}
	}
	return providers
}

// serveStdin runs a line-per-prompt loop against one session, printing
// streamed text. It is deliberately minimal; real transports are external.
func serveStdin(ctx context.Context, engine *operations.Engine, projectID *int64) error {
	sessionID := fmt.Sprintf("cli-%d", time.Now().Unix())
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil
		}

		events := make(chan operations.Event, 256)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for ev := range events {
				switch e := ev.(type) {
				case operations.Streaming:
					fmt.Print(e.Content)
				case operations.Completed:
					fmt.Println()
				case operations.Failed:
					fmt.Printf("\n[failed: %s]\n", e.Error)
				}
			}
		}()

		if _, err := engine.Execute(ctx, sessionID, line, projectID, events); err != nil {
			log.Error().Err(err).Msg("operation_failed")
		}
		close(events)
		<-done
	}
}

func runPeriodic(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
