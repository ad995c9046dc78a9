// DataSleuth investigation server — runs the worker pool that drives
// autonomous root-cause investigations of data-quality anomalies.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/datasleuth/datasleuth/pkg/config"
	"github.com/datasleuth/datasleuth/pkg/database"
	"github.com/datasleuth/datasleuth/pkg/datasource"
	"github.com/datasleuth/datasleuth/pkg/datasource/localfs"
	"github.com/datasleuth/datasleuth/pkg/datasource/mongodb"
	dspostgres "github.com/datasleuth/datasleuth/pkg/datasource/postgres"
	"github.com/datasleuth/datasleuth/pkg/datasource/restapi"
	"github.com/datasleuth/datasleuth/pkg/datasource/sqlite"
	"github.com/datasleuth/datasleuth/pkg/judge"
	"github.com/datasleuth/datasleuth/pkg/lineage"
	"github.com/datasleuth/datasleuth/pkg/lineage/marquez"
	"github.com/datasleuth/datasleuth/pkg/lineage/sqllineage"
	"github.com/datasleuth/datasleuth/pkg/llm"
	"github.com/datasleuth/datasleuth/pkg/models"
	"github.com/datasleuth/datasleuth/pkg/service"
	"github.com/datasleuth/datasleuth/pkg/store"
	"github.com/datasleuth/datasleuth/pkg/version"
	"github.com/datasleuth/datasleuth/pkg/worker"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// registerSources is the explicit registration table for the
// process-wide registries. Adding an adapter means adding a line here.
func registerSources() {
	dspostgres.Register(datasource.Default())
	sqlite.Register(datasource.Default())
	mongodb.Register(datasource.Default())
	restapi.Register(datasource.Default())
	localfs.Register(datasource.Default())

	sqllineage.Register(lineage.Default())
	marquez.Register(lineage.Default())
}

func main() {
	configPath := flag.String("config",
		getEnv("DATASLEUTH_CONFIG", "./datasleuth.yaml"),
		"Path to the configuration file")
	alertPath := flag.String("alert", "",
		"Investigate one AnomalyAlert JSON file and exit")
	tenantID := flag.String("tenant", "default",
		"Tenant whose data source the one-shot investigation uses")
	flag.Parse()

	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	slog.Info("Starting DataSleuth",
		"version", version.Full(),
		"config", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	registerSources()
	slog.Info("Registries populated",
		"source_types", len(datasource.Default().Definitions()),
		"lineage_providers", len(lineage.Default().Definitions()))

	// Without database credentials the server runs on the in-memory
	// store: useful for local runs, useless for multi-replica setups.
	var investigationStore store.Store
	if cfg.Database.Password != "" {
		dbClient, err := database.NewClient(ctx, cfg.Database)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}()
		investigationStore = store.NewPostgresStore(dbClient.DB())
		slog.Info("Connected to PostgreSQL store",
			"host", cfg.Database.Host, "database", cfg.Database.Database)
	} else {
		investigationStore = store.NewMemoryStore()
		slog.Warn("No database password configured, using in-memory store")
	}

	apiKey := os.Getenv(cfg.LLM.APIKeyEnv)
	if apiKey == "" {
		slog.Error("LLM API key not set", "env", cfg.LLM.APIKeyEnv)
		os.Exit(1)
	}
	llmClient := llm.NewAnthropicClient(apiKey, slog.Default(),
		llm.WithModel(cfg.LLM.Model),
		llm.WithMaxTokens(cfg.LLM.MaxTokens),
		llm.WithTemperature(cfg.LLM.Temperature))

	var scorer *judge.Judge
	if cfg.Judge.IsEnabled() {
		scorer = judge.New(llmClient, slog.Default(),
			judge.WithPassThreshold(cfg.Judge.PassThreshold))
	} else {
		slog.Warn("Quality judge disabled, interpretations are accepted unscored")
	}

	configStore := config.NewStore(cfg)
	resolver := service.NewResolver(configStore, datasource.Default(), lineage.Default(), slog.Default())
	defer resolver.Close(context.WithoutCancel(ctx))

	pool := worker.NewPool("investigations", cfg.Worker, slog.Default())
	pool.Start()

	deps := service.Deps{
		Store:    investigationStore,
		Pool:     pool,
		LLM:      llmClient,
		Configs:  configStore,
		Adapters: resolver,
		Lineage:  resolver,
		Logger:   slog.Default(),
	}
	if scorer != nil {
		deps.Judge = scorer
	}
	svc, err := service.New(deps)
	if err != nil {
		slog.Error("Failed to wire investigation service", "error", err)
		os.Exit(1)
	}

	slog.Info("DataSleuth ready",
		"workers", cfg.Worker.WorkerCount,
		"tenants", len(cfg.Tenants),
		"model", cfg.LLM.Model)

	if *alertPath != "" {
		if err := investigateOnce(ctx, svc, *tenantID, *alertPath); err != nil {
			slog.Error("Investigation failed", "error", err)
			pool.Stop()
			os.Exit(1)
		}
		pool.Stop()
		return
	}

	// server mode: the transport layer (out of scope here) consumes
	// svc.Start/State/Stream/Cancel; this process runs the pool
	<-ctx.Done()
	slog.Info("Shutdown signal received, draining worker pool")
	pool.Stop()
	slog.Info("DataSleuth stopped")
}

// investigateOnce runs a single investigation from an alert file,
// logging each event as it happens and printing the finding as JSON.
func investigateOnce(ctx context.Context, svc *service.Service, tenantID, alertPath string) error {
	raw, err := os.ReadFile(alertPath)
	if err != nil {
		return fmt.Errorf("reading alert: %w", err)
	}
	var alert models.AnomalyAlert
	if err := json.Unmarshal(raw, &alert); err != nil {
		return fmt.Errorf("parsing alert: %w", err)
	}

	id, err := svc.Start(ctx, tenantID, alert)
	if err != nil {
		return err
	}

	events, err := svc.Stream(ctx, id, -1)
	if err != nil {
		return err
	}
	for e := range events {
		slog.Info("event",
			"investigation_id", e.InvestigationID,
			"sequence", e.Sequence,
			"type", e.Type)
	}

	finding, err := svc.Finding(ctx, id)
	if err != nil {
		return fmt.Errorf("no finding recorded: %w", err)
	}
	out, err := json.MarshalIndent(finding, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
