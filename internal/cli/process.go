package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/courier/internal/classifier"
	"github.com/opencode-ai/courier/internal/db"
	"github.com/opencode-ai/courier/internal/ledger"
	"github.com/opencode-ai/courier/internal/memory"
	"github.com/opencode-ai/courier/internal/models"
	"github.com/opencode-ai/courier/internal/orchestrator"
	"github.com/opencode-ai/courier/internal/permissions"
	"github.com/opencode-ai/courier/internal/tools"
)

var (
	processProvider string
	processUserID   string
	processContent  string
	processKey      string
	processScore    float64
)

func init() {
	rootCmd.AddCommand(processCmd)

	processCmd.Flags().StringVar(&processProvider, "provider", "web", "origin platform (discord, telegram, slack, web)")
	processCmd.Flags().StringVar(&processUserID, "user", "", "platform-scoped user id")
	processCmd.Flags().StringVar(&processContent, "content", "", "message text")
	processCmd.Flags().StringVar(&processKey, "key", "", "idempotency key for this delivery attempt")
	processCmd.Flags().Float64Var(&processScore, "score", -1, "pre-computed routing score in [0,1]; omit for the lexical fallback chain")
	_ = processCmd.MarkFlagRequired("user")
	_ = processCmd.MarkFlagRequired("content")
	_ = processCmd.MarkFlagRequired("key")
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Route one request through the pipeline",
	Long: "Classify, authorize, budget-check, and dispatch a single request, " +
		"then print the terminal response as JSON.",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		o, err := buildOrchestrator(cmd, database)
		if err != nil {
			return err
		}

		req := &models.Request{
			Identity: models.Identity{
				Provider: models.Provider(processProvider),
				ID:       processUserID,
			},
			Content:        processContent,
			IdempotencyKey: processKey,
		}

		resp, err := o.Process(context.Background(), req)
		if err != nil {
			return err
		}

		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(resp)
	},
}

// fixedScorer serves the --score flag as the routing score source.
type fixedScorer struct {
	score float64
}

func (s fixedScorer) Score(context.Context, *models.Request) (float64, bool) {
	return s.score, true
}

// buildOrchestrator wires the full pipeline from configuration.
func buildOrchestrator(cmd *cobra.Command, database *db.DB) (*orchestrator.Orchestrator, error) {
	if err := database.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	eventRepo := db.NewEventRepository(database)
	ledgerService := ledger.NewService(db.NewLedgerRepository(database), eventRepo, ledger.Config{
		BudgetWindowDays: cfg.Quota.BudgetWindowDays,
		RetentionDays:    cfg.Quota.RetentionDays,
	})

	gate := permissions.NewGate(
		permissions.NewStaticChecker(cfg.Permissions.Levels()),
		cfg.DevUIEnabled,
	)

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry); err != nil {
		return nil, err
	}
	dispatcher := tools.NewDispatcher(registry, tools.Config{
		MaxInFlightPerTool:  cfg.Dispatch.MaxInFlightPerTool,
		Timeout:             cfg.Dispatch.Timeout,
		RejectWhenSaturated: cfg.Dispatch.RejectWhenSaturated,
	}, eventRepo)

	opts := []orchestrator.Option{
		orchestrator.WithEvents(eventRepo),
		orchestrator.WithMemory(memory.Noop{}),
	}
	if cmd.Flags().Changed("score") {
		opts = append(opts, orchestrator.WithScorer(fixedScorer{score: processScore}))
	}

	return orchestrator.New(
		classifier.New(),
		gate,
		ledgerService,
		dispatcher,
		orchestrator.Config{
			DailyBudgets:          cfg.Quota.DailyBudgets,
			IdempotencyTTL:        cfg.Idempotency.TTL,
			IdempotencyMaxEntries: cfg.Idempotency.MaxEntries,
		},
		opts...,
	), nil
}
