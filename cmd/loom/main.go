// Loom engine demo runner — wires the full engine against a built-in
// scripted model provider, executes one request from the command line, and
// streams the execution's events as NDJSON to stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/loomctl/loom/pkg/checkpoint"
	"github.com/loomctl/loom/pkg/config"
	"github.com/loomctl/loom/pkg/events"
	"github.com/loomctl/loom/pkg/llm"
	"github.com/loomctl/loom/pkg/models"
	"github.com/loomctl/loom/pkg/orchestrator"
	"github.com/loomctl/loom/pkg/tools"
	"github.com/loomctl/loom/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "."),
		"Path to configuration directory")
	agentID := flag.String("agent", "assistant", "Agent to execute")
	input := flag.String("input", "What time is it?", "User input for the execution")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	slog.Info("Starting loom", "version", version.Full(), "agent", *agentID)

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Resolved configuration",
		"tool_timeout", cfg.ToolTimeout,
		"delegation_timeout", cfg.DelegationTimeout,
		"max_delegation_depth", cfg.MaxDelegationDepth,
		"interrupt_ttl", cfg.InterruptTTL,
		"registry_capacity", cfg.RegistryCapacity)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, cleanup, err := buildStore(ctx)
	if err != nil {
		slog.Error("Failed to initialize checkpoint store", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	registry, agents := demoAgents()
	engine := orchestrator.New(cfg, orchestrator.Options{}, agents, &demoProvider{}, registry, store)
	engine.Start(ctx)
	defer engine.Stop()

	// Mirror everything the execution emits onto stdout.
	sub := engine.Subscribe(events.Filter{UserID: "demo"})
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		_ = events.StreamNDJSON(ctx, sub, os.Stdout)
	}()

	res, err := engine.Execute(ctx, orchestrator.Request{
		AgentID: *agentID,
		UserID:  "demo",
		Input:   *input,
	})
	if err != nil {
		slog.Error("Execution rejected", "error", err)
		os.Exit(1)
	}

	sub.Close()
	<-streamDone

	slog.Info("Execution finished",
		"execution_id", res.ExecutionID,
		"status", res.Status,
		"tokens", res.Usage.TotalTokens,
		"cost_usd", res.CostUSD)
	fmt.Println(res.FinalContent)
	if res.Err != nil {
		slog.Error("Execution error", "kind", res.Err.Kind, "message", res.Err.Message)
		os.Exit(1)
	}
}

// buildStore returns a Postgres-backed checkpoint store when DATABASE_URL
// is set, otherwise the in-memory store.
func buildStore(ctx context.Context) (checkpoint.Store, func(), error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return checkpoint.NewMemoryStore(), func() {}, nil
	}
	pg, err := checkpoint.NewPostgresStore(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("Checkpoints persisted to PostgreSQL")
	return pg, pg.Close, nil
}

// demoAgents registers a single specialist with a clock tool.
func demoAgents() (*tools.Registry, orchestrator.StaticAgents) {
	registry := tools.NewRegistry()
	if err := registry.Register(tools.Definition{
		Name:        "current_time",
		Description: "Returns the current time in RFC 3339 form.",
		Handler: func(_ tools.Context, _ json.RawMessage) (string, error) {
			return time.Now().Format(time.RFC3339), nil
		},
	}); err != nil {
		slog.Error("Failed to register tool", "error", err)
		os.Exit(1)
	}
	registry.Freeze()

	agents := orchestrator.StaticAgents{
		"assistant": {
			ID:           "assistant",
			Role:         models.RoleSpecialist,
			Model:        "demo-model",
			SystemPrompt: "You answer questions about the current time.",
			ToolNames:    []string{"current_time"},
			Revision:     1,
		},
	}
	return registry, agents
}

// demoProvider is a deterministic stand-in for a real model provider: the
// first turn calls the clock tool, the second reports its result.
type demoProvider struct{}

var _ llm.Provider = (*demoProvider)(nil)

func (*demoProvider) NewClient(string, llm.Options) (llm.Client, error) {
	return &demoClient{}, nil
}

func (*demoProvider) SupportsNativeTools(string) bool { return true }

type demoClient struct{}

func (*demoClient) Invoke(_ context.Context, messages []models.Message, schemas []llm.ToolSchema) (*llm.Completion, error) {
	usage := models.TokenUsage{InputTokens: 12, OutputTokens: 6, TotalTokens: 18}

	last := messages[len(messages)-1]
	if last.Role == models.RoleTool {
		return &llm.Completion{
			Content: "The current time is " + last.Content + ".",
			Usage:   usage,
		}, nil
	}
	if len(schemas) > 0 {
		return &llm.Completion{
			ToolCalls: []models.ToolCall{{
				ID:   "call-1",
				Name: schemas[0].Name,
				Args: json.RawMessage(`{}`),
			}},
			Usage: usage,
		}, nil
	}
	return &llm.Completion{Content: "I have no tools to consult.", Usage: usage}, nil
}
