// Package config loads Courier configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/opencode-ai/courier/internal/models"
)

// QuotaConfig controls usage metering and retention.
type QuotaConfig struct {
	// DailyBudgets caps usage per lane over the budget window. A missing
	// lane means unlimited.
	DailyBudgets map[models.Lane]int64

	// BudgetWindowDays is the trailing window budget checks aggregate over.
	// Default: 1 (current day).
	BudgetWindowDays int

	// RetentionDays is the compaction horizon. Buckets older than this may
	// be dropped. Default: 90.
	RetentionDays int
}

// DispatchConfig controls tool dispatch concurrency.
type DispatchConfig struct {
	// MaxInFlightPerTool bounds concurrent calls into a single tool.
	// Default: 4.
	MaxInFlightPerTool int64

	// Timeout is the maximum time allowed for a single tool execution.
	// Default: 30 seconds.
	Timeout time.Duration

	// RejectWhenSaturated rejects excess calls instead of queueing them.
	// Default: false (queue).
	RejectWhenSaturated bool
}

// IdempotencyConfig controls the replay cache.
type IdempotencyConfig struct {
	// TTL is how long a terminal response is retained for replay.
	// Default: 10 minutes.
	TTL time.Duration

	// MaxEntries bounds the cache size. Default: 10000.
	MaxEntries int
}

// Config is the full Courier configuration.
// PermissionsConfig seeds the static permission checker. User keys are
// provider-qualified, e.g. "discord:123".
type PermissionsConfig struct {
	// Admins hold the admin level.
	Admins []string

	// SubAdmins hold the sub_admin level.
	SubAdmins []string
}

type Config struct {
	// DBPath is the sqlite database path.
	DBPath string

	// LogLevel is trace, debug, info, warn, or error.
	LogLevel string

	// LogPretty enables human-readable console logging.
	LogPretty bool

	// DevUIEnabled allows agent-band entry without a verified admin
	// identity, for trusted development contexts.
	DevUIEnabled bool

	Quota       QuotaConfig
	Dispatch    DispatchConfig
	Idempotency IdempotencyConfig
	Permissions PermissionsConfig
}

// Levels returns the permission level map seeded from the admin lists.
func (c PermissionsConfig) Levels() map[string]models.PermissionLevel {
	levels := make(map[string]models.PermissionLevel, len(c.Admins)+len(c.SubAdmins))
	for _, user := range c.SubAdmins {
		levels[user] = models.LevelSubAdmin
	}
	for _, user := range c.Admins {
		levels[user] = models.LevelAdmin
	}
	return levels
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		DBPath:   "courier.db",
		LogLevel: "info",
		Quota: QuotaConfig{
			DailyBudgets: map[models.Lane]int64{
				models.LaneChat:       500,
				models.LaneVoiceAudio: 50,
				models.LaneWebSurfing: 100,
				models.LaneImageGen:   25,
			},
			BudgetWindowDays: 1,
			RetentionDays:    90,
		},
		Dispatch: DispatchConfig{
			MaxInFlightPerTool: 4,
			Timeout:            30 * time.Second,
		},
		Idempotency: IdempotencyConfig{
			TTL:        10 * time.Minute,
			MaxEntries: 10000,
		},
	}
}

// Load reads configuration from the given file path (optional) and the
// COURIER_* environment, layered over defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	def := DefaultConfig()
	v.SetDefault("db_path", def.DBPath)
	v.SetDefault("log.level", def.LogLevel)
	v.SetDefault("log.pretty", def.LogPretty)
	v.SetDefault("dev_ui_enabled", def.DevUIEnabled)
	v.SetDefault("quota.budget_window_days", def.Quota.BudgetWindowDays)
	v.SetDefault("quota.retention_days", def.Quota.RetentionDays)
	for lane, limit := range def.Quota.DailyBudgets {
		v.SetDefault("quota.daily_budgets."+string(lane), limit)
	}
	v.SetDefault("dispatch.max_in_flight_per_tool", def.Dispatch.MaxInFlightPerTool)
	v.SetDefault("dispatch.timeout", def.Dispatch.Timeout)
	v.SetDefault("dispatch.reject_when_saturated", def.Dispatch.RejectWhenSaturated)
	v.SetDefault("idempotency.ttl", def.Idempotency.TTL)
	v.SetDefault("idempotency.max_entries", def.Idempotency.MaxEntries)
	v.SetDefault("permissions.admins", []string{})
	v.SetDefault("permissions.sub_admins", []string{})

	v.SetEnvPrefix("courier")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		DBPath:       v.GetString("db_path"),
		LogLevel:     v.GetString("log.level"),
		LogPretty:    v.GetBool("log.pretty"),
		DevUIEnabled: v.GetBool("dev_ui_enabled"),
		Quota: QuotaConfig{
			DailyBudgets:     make(map[models.Lane]int64),
			BudgetWindowDays: v.GetInt("quota.budget_window_days"),
			RetentionDays:    v.GetInt("quota.retention_days"),
		},
		Dispatch: DispatchConfig{
			MaxInFlightPerTool:  v.GetInt64("dispatch.max_in_flight_per_tool"),
			Timeout:             v.GetDuration("dispatch.timeout"),
			RejectWhenSaturated: v.GetBool("dispatch.reject_when_saturated"),
		},
		Idempotency: IdempotencyConfig{
			TTL:        v.GetDuration("idempotency.ttl"),
			MaxEntries: v.GetInt("idempotency.max_entries"),
		},
		Permissions: PermissionsConfig{
			Admins:    v.GetStringSlice("permissions.admins"),
			SubAdmins: v.GetStringSlice("permissions.sub_admins"),
		},
	}

	for lane := range v.GetStringMap("quota.daily_budgets") {
		cfg.Quota.DailyBudgets[models.Lane(lane)] = v.GetInt64("quota.daily_budgets." + lane)
	}

	if cfg.Quota.BudgetWindowDays <= 0 {
		cfg.Quota.BudgetWindowDays = def.Quota.BudgetWindowDays
	}
	if cfg.Quota.RetentionDays <= 0 {
		cfg.Quota.RetentionDays = def.Quota.RetentionDays
	}
	if cfg.Dispatch.MaxInFlightPerTool <= 0 {
		cfg.Dispatch.MaxInFlightPerTool = def.Dispatch.MaxInFlightPerTool
	}
	if cfg.Dispatch.Timeout <= 0 {
		cfg.Dispatch.Timeout = def.Dispatch.Timeout
	}
	if cfg.Idempotency.TTL <= 0 {
		cfg.Idempotency.TTL = def.Idempotency.TTL
	}
	if cfg.Idempotency.MaxEntries <= 0 {
		cfg.Idempotency.MaxEntries = def.Idempotency.MaxEntries
	}

	return cfg, nil
}
