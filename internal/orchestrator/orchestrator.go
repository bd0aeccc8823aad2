// Package orchestrator composes classification, authorization, quota, and
// tool dispatch into the per-request pipeline.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/courier/internal/classifier"
	"github.com/opencode-ai/courier/internal/events"
	"github.com/opencode-ai/courier/internal/ledger"
	"github.com/opencode-ai/courier/internal/logging"
	"github.com/opencode-ai/courier/internal/memory"
	"github.com/opencode-ai/courier/internal/models"
	"github.com/opencode-ai/courier/internal/permissions"
	"github.com/opencode-ai/courier/internal/tools"
)

// State is a stage of the request pipeline.
type State string

const (
	StateReceived      State = "received"
	StateClassified    State = "classified"
	StateAuthorized    State = "authorized"
	StateBudgetChecked State = "budget_checked"
	StateDispatched    State = "dispatched"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateDenied        State = "denied"
)

// Scorer is the upstream routing-score collaborator. The score is consumed,
// never computed, by this core; ok is false when no usable score exists.
type Scorer interface {
	Score(ctx context.Context, req *models.Request) (score float64, ok bool)
}

// Planner selects the capability that will serve a classified request.
type Planner interface {
	Plan(req *models.Request, decision classifier.Decision) (toolName string, args map[string]any)
}

// defaultPlanner routes every request to the echo tool. Real deployments
// install a generation-backend planner.
type defaultPlanner struct{}

func (defaultPlanner) Plan(req *models.Request, _ classifier.Decision) (string, map[string]any) {
	return "echo", map[string]any{"text": req.Content}
}

// Config contains orchestrator configuration.
type Config struct {
	// DailyBudgets caps usage per lane; missing lanes are unlimited.
	DailyBudgets map[models.Lane]int64

	// IdempotencyTTL is how long terminal responses are retained for
	// replay. Default: 10 minutes.
	IdempotencyTTL time.Duration

	// IdempotencyMaxEntries bounds the replay cache. Default: 10000.
	IdempotencyMaxEntries int

	// MemoryRecallLimit caps context snippets fetched per request.
	// Default: 5.
	MemoryRecallLimit int
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		IdempotencyTTL:        10 * time.Minute,
		IdempotencyMaxEntries: 10000,
		MemoryRecallLimit:     5,
	}
}

// ErrAttemptAborted is returned to a duplicate caller whose shared execution
// was cancelled before reaching a terminal response. The key is released, so
// a retry starts a fresh attempt.
var ErrAttemptAborted = errors.New("shared request attempt aborted")

// pending tracks an in-flight request so concurrent duplicates wait for its
// response instead of executing a second time. Exactly one of resp and err
// is set once done is closed.
type pending struct {
	done chan struct{}
	resp *models.Response
	err  error
}

// Orchestrator runs the request pipeline:
// received → classified → authorized → budget_checked → dispatched →
// completed | failed | denied.
type Orchestrator struct {
	classifier *classifier.Classifier
	gate       *permissions.Gate
	ledger     *ledger.Service
	dispatcher *tools.Dispatcher
	memory     memory.Provider
	scorer     Scorer
	planner    Planner
	eventRepo  events.Repository
	config     Config
	logger     zerolog.Logger

	cache *expirable.LRU[string, *models.Response]

	mu       sync.Mutex
	inflight map[string]*pending
}

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithScorer installs the upstream routing-score provider.
func WithScorer(s Scorer) Option {
	return func(o *Orchestrator) { o.scorer = s }
}

// WithPlanner installs the capability planner.
func WithPlanner(p Planner) Option {
	return func(o *Orchestrator) { o.planner = p }
}

// WithMemory installs the context-enrichment provider.
func WithMemory(m memory.Provider) Option {
	return func(o *Orchestrator) { o.memory = m }
}

// WithEvents installs the event repository.
func WithEvents(repo events.Repository) Option {
	return func(o *Orchestrator) { o.eventRepo = repo }
}

// New creates an Orchestrator.
func New(
	cls *classifier.Classifier,
	gate *permissions.Gate,
	ledgerService *ledger.Service,
	dispatcher *tools.Dispatcher,
	config Config,
	opts ...Option,
) *Orchestrator {
	def := DefaultConfig()
	if config.IdempotencyTTL <= 0 {
		config.IdempotencyTTL = def.IdempotencyTTL
	}
	if config.IdempotencyMaxEntries <= 0 {
		config.IdempotencyMaxEntries = def.IdempotencyMaxEntries
	}
	if config.MemoryRecallLimit <= 0 {
		config.MemoryRecallLimit = def.MemoryRecallLimit
	}

	o := &Orchestrator{
		classifier: cls,
		gate:       gate,
		ledger:     ledgerService,
		dispatcher: dispatcher,
		planner:    defaultPlanner{},
		config:     config,
		logger:     logging.Component("orchestrator"),
		cache:      expirable.NewLRU[string, *models.Response](config.IdempotencyMaxEntries, nil, config.IdempotencyTTL),
		inflight:   make(map[string]*pending),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Process routes one inbound request to a terminal response. Replaying a
// request with a previously seen idempotency key returns the cached
// response without re-executing any side effect, including quota
// accounting; two concurrent requests with the same key resolve to a single
// execution.
func (o *Orchestrator) Process(ctx context.Context, req *models.Request) (*models.Response, error) {
	if err := req.Validate(); err != nil {
		return &models.Response{
			ConversationID: req.ConversationID,
			MessageID:      uuid.New().String(),
			Status:         models.RequestStatusFailed,
			Outcome:        models.OutcomeValidationError,
			Error:          err.Error(),
		}, nil
	}

	// Atomic check-then-insert on the idempotency key.
	o.mu.Lock()
	if resp, ok := o.cache.Get(req.IdempotencyKey); ok {
		o.mu.Unlock()
		o.replayed(ctx, resp)
		return resp, nil
	}
	if p, ok := o.inflight[req.IdempotencyKey]; ok {
		o.mu.Unlock()
		select {
		case <-p.done:
			// The executor may have aborted at a cancellation checkpoint
			// without producing a response; its key is already released,
			// so a fresh attempt may retry.
			if p.resp == nil {
				if p.err != nil {
					return nil, fmt.Errorf("%w: %v", ErrAttemptAborted, p.err)
				}
				return nil, ErrAttemptAborted
			}
			o.replayed(ctx, p.resp)
			return p.resp, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p := &pending{done: make(chan struct{})}
	o.inflight[req.IdempotencyKey] = p
	o.mu.Unlock()

	resp, err := o.run(ctx, req)

	o.mu.Lock()
	if resp != nil {
		p.resp = resp
		o.cache.Add(req.IdempotencyKey, resp)
	} else {
		p.err = err
	}
	delete(o.inflight, req.IdempotencyKey)
	o.mu.Unlock()
	close(p.done)

	return resp, err
}

// run executes the pipeline for a single non-duplicate request.
func (o *Orchestrator) run(ctx context.Context, req *models.Request) (*models.Response, error) {
	runID := uuid.New().String()
	resp := &models.Response{
		ConversationID: req.ConversationID,
		MessageID:      uuid.New().String(),
		RunID:          runID,
	}
	userID := req.Identity.Key()
	state := StateReceived
	start := time.Now()

	logger := o.logger.With().Str("run_id", runID).Str("user_id", userID).Logger()
	if o.eventRepo != nil {
		if err := events.LogRequestReceived(ctx, o.eventRepo, runID); err != nil {
			logger.Warn().Err(err).Msg("failed to record received event")
		}
	}

	advance := func(next State) {
		state = next
		logger.Debug().Str("state", string(state)).Msg("state transition")
	}

	// received → classified. The fallback chain guarantees a decision.
	decision := o.classify(ctx, req)
	resp.Band = decision.Band
	advance(StateClassified)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// classified → authorized | denied.
	allowed, err := o.gate.AuthorizeBand(ctx, req.Identity, decision.Band)
	if err != nil {
		return o.unavailable(ctx, resp, logger, "permission lookup failed", err), nil
	}
	if !allowed {
		return o.denied(ctx, resp, logger, models.OutcomePermissionDenied,
			string(decision.Band)+" band requires "+permissions.BandLevel(decision.Band).String()), nil
	}
	advance(StateAuthorized)

	// The profile read runs before any usage recording so an inconsistent
	// consolidation status is repaired first.
	if _, err := o.ledger.GetProfile(ctx, userID); err != nil {
		return o.unavailable(ctx, resp, logger, "ledger profile read failed", err), nil
	}

	// authorized → budget_checked | denied.
	for _, lane := range decision.Lanes {
		limit := o.config.DailyBudgets[lane]
		ok, summary, err := o.ledger.CheckBudget(ctx, userID, lane, limit)
		if err != nil {
			return o.unavailable(ctx, resp, logger, "budget check failed", err), nil
		}
		if !ok {
			o.quotaExceeded(ctx, userID, lane, summary.Total, limit)
			return o.denied(ctx, resp, logger, models.OutcomeQuotaExceeded,
				"usage budget exhausted for lane "+string(lane)), nil
		}
	}
	advance(StateBudgetChecked)

	// Cancellation is honored up to the dispatch boundary.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// budget_checked → dispatched.
	toolName, args := o.planner.Plan(req, decision)
	env := &tools.Env{
		Identity: req.Identity,
		Band:     decision.Band,
		Gate:     o.gate,
		Ledger:   o.ledger,
		Memory:   o.memory,
		Recall:   o.recall(ctx, req),
	}
	call := models.ToolCallRequest{
		ToolName:   toolName,
		Args:       args,
		ToolCallID: uuid.New().String(),
		RunID:      runID,
		ClientType: models.ClientTypeChat,
		Identity:   &req.Identity,
	}

	advance(StateDispatched)
	result, dispatchErr := o.dispatcher.Dispatch(ctx, env, call)
	defer o.dispatcher.ForgetRun(runID)

	if dispatchErr != nil {
		return o.dispatchFailure(ctx, resp, logger, dispatchErr), nil
	}

	// dispatched → completed | failed.
	if result.Status == models.ToolCallStatusFailed {
		resp.Status = models.RequestStatusFailed
		resp.Outcome = models.OutcomeToolExecutionError
		resp.Error = result.Error
		o.failedEvent(ctx, resp, logger)
		logger.Warn().Str("tool", toolName).Str("error", result.Error).Msg("request failed")
		return resp, nil
	}

	// Usage is committed only after the tool succeeded. A commit failure
	// after side effects is surfaced, never silently retracted.
	now := time.Now()
	for _, lane := range decision.Lanes {
		if err := o.ledger.RecordUsage(ctx, userID, lane, 1, now); err != nil {
			return o.unavailable(ctx, resp, logger, "usage commit failed", err), nil
		}
	}

	resp.Status = models.RequestStatusCompleted
	resp.Outcome = models.OutcomeOK
	resp.Result = result.Result
	if o.eventRepo != nil {
		if err := events.LogRequestCompleted(ctx, o.eventRepo, runID, models.RequestCompletedPayload{
			Band:     decision.Band,
			ToolName: toolName,
			Duration: time.Since(start).String(),
		}); err != nil {
			logger.Warn().Err(err).Msg("failed to record completed event")
		}
	}
	logger.Info().Str("tool", toolName).Dur("duration", time.Since(start)).Msg("request completed")

	return resp, nil
}

// classify builds classifier signals from the upstream score (when one
// exists) and the request content.
func (o *Orchestrator) classify(ctx context.Context, req *models.Request) classifier.Decision {
	signals := classifier.Signals{Content: req.Content}
	if o.scorer != nil {
		if score, ok := o.scorer.Score(ctx, req); ok {
			signals.Score = &score
		}
	}
	return o.classifier.Classify(signals)
}

// recall fetches context snippets for the request. Failures degrade to
// empty context.
func (o *Orchestrator) recall(ctx context.Context, req *models.Request) []string {
	if o.memory == nil {
		return nil
	}
	snippets, err := o.memory.Search(ctx, memory.Query{
		Query:  req.Content,
		UserID: req.Identity.Key(),
		Limit:  o.config.MemoryRecallLimit,
	})
	if err != nil {
		o.logger.Warn().Err(err).Msg("memory search failed, continuing without context")
		return nil
	}
	return snippets
}

// dispatchFailure maps pre-execution dispatcher errors to outcomes.
func (o *Orchestrator) dispatchFailure(ctx context.Context, resp *models.Response, logger zerolog.Logger, err error) *models.Response {
	switch {
	case errors.Is(err, tools.ErrToolNotFound):
		resp.Status = models.RequestStatusFailed
		resp.Outcome = models.OutcomeToolNotFound
		resp.Error = err.Error()
	case errors.Is(err, tools.ErrPermissionDenied):
		return o.denied(ctx, resp, logger, models.OutcomePermissionDenied, err.Error())
	case errors.Is(err, tools.ErrDispatchSaturated):
		resp.Status = models.RequestStatusFailed
		resp.Outcome = models.OutcomeServiceUnavailable
		resp.Error = err.Error()
	default:
		resp.Status = models.RequestStatusFailed
		resp.Outcome = models.OutcomeToolExecutionError
		resp.Error = err.Error()
	}

	o.failedEvent(ctx, resp, logger)
	logger.Warn().Str("outcome", string(resp.Outcome)).Str("error", resp.Error).Msg("dispatch rejected")
	return resp
}

// denied finalizes a request with a denial outcome.
func (o *Orchestrator) denied(ctx context.Context, resp *models.Response, logger zerolog.Logger, outcome models.Outcome, reason string) *models.Response {
	resp.Status = models.RequestStatusDenied
	resp.Outcome = outcome
	resp.Error = reason
	if o.eventRepo != nil {
		if err := events.LogRequestDenied(ctx, o.eventRepo, resp.RunID, models.RequestDeniedPayload{
			Outcome: outcome,
			Band:    resp.Band,
			Reason:  reason,
		}); err != nil {
			logger.Warn().Err(err).Msg("failed to record denied event")
		}
	}
	logger.Info().Str("outcome", string(outcome)).Str("reason", reason).Msg("request denied")
	return resp
}

// unavailable finalizes a request after an infrastructure failure.
func (o *Orchestrator) unavailable(ctx context.Context, resp *models.Response, logger zerolog.Logger, msg string, err error) *models.Response {
	resp.Status = models.RequestStatusFailed
	resp.Outcome = models.OutcomeServiceUnavailable
	resp.Error = msg + ": " + err.Error()
	o.failedEvent(ctx, resp, logger)
	logger.Error().Err(err).Msg(msg)
	return resp
}

func (o *Orchestrator) failedEvent(ctx context.Context, resp *models.Response, logger zerolog.Logger) {
	if o.eventRepo == nil {
		return
	}
	if err := events.LogRequestFailed(ctx, o.eventRepo, resp.RunID, models.RequestFailedPayload{
		Band:  resp.Band,
		Error: resp.Error,
	}); err != nil {
		logger.Warn().Err(err).Msg("failed to record failed event")
	}
}

// quotaExceeded records the denial with the same usage figure the budget
// check was decided on, so the event never disagrees with the decision.
func (o *Orchestrator) quotaExceeded(ctx context.Context, userID string, lane models.Lane, used, limit int64) {
	if o.eventRepo == nil {
		return
	}
	if err := events.LogQuotaExceeded(ctx, o.eventRepo, userID, models.QuotaExceededPayload{
		Lane:  lane,
		Used:  used,
		Limit: limit,
	}); err != nil {
		o.logger.Warn().Err(err).Msg("failed to record quota event")
	}
}

func (o *Orchestrator) replayed(ctx context.Context, resp *models.Response) {
	if resp == nil {
		return
	}
	o.logger.Debug().Str("run_id", resp.RunID).Msg("duplicate request served from idempotency cache")
	if o.eventRepo == nil {
		return
	}
	if err := events.LogRequestReplayed(ctx, o.eventRepo, resp.RunID); err != nil {
		o.logger.Warn().Err(err).Msg("failed to record replayed event")
	}
}
