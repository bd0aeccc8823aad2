package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/opencode-ai/courier/internal/events"
	"github.com/opencode-ai/courier/internal/logging"
	"github.com/opencode-ai/courier/internal/models"
)

// Dispatcher errors.
var (
	ErrPermissionDenied  = errors.New("permission denied for tool")
	ErrDispatchSaturated = errors.New("tool concurrency limit reached")
)

// Config contains dispatcher configuration.
type Config struct {
	// MaxInFlightPerTool bounds concurrent calls into a single tool.
	// Default: 4.
	MaxInFlightPerTool int64

	// Timeout is the maximum time allowed for a single tool execution.
	// Default: 30 seconds.
	Timeout time.Duration

	// RejectWhenSaturated rejects excess calls with ErrDispatchSaturated
	// instead of queueing them. Default: false (queue).
	RejectWhenSaturated bool
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxInFlightPerTool: 4,
		Timeout:            30 * time.Second,
	}
}

// Stats contains dispatcher counters.
type Stats struct {
	// Total is the number of dispatch attempts.
	Total int64

	// Succeeded is the number of completed executions.
	Succeeded int64

	// Failed is the number of failed executions.
	Failed int64

	// Deduped is the number of duplicate call ids served from cache.
	Deduped int64

	// Rejected is the number of calls rejected for saturation.
	Rejected int64
}

// call tracks one execution attempt and its eventual result. Waiters block
// on done; the result is immutable once done is closed.
type call struct {
	done   chan struct{}
	result models.ToolCallResult
}

// Dispatcher executes tool calls with at-most-once semantics per call id
// and a bounded number of in-flight executions per tool.
type Dispatcher struct {
	registry  *Registry
	config    Config
	eventRepo events.Repository
	logger    zerolog.Logger

	mu       sync.Mutex
	calls    map[string]*call
	runCalls map[string][]string

	semMu sync.Mutex
	sems  map[string]*semaphore.Weighted

	statsMu sync.Mutex
	stats   Stats
}

// NewDispatcher creates a Dispatcher over the given registry. eventRepo may
// be nil, in which case dispatch outcomes are only logged.
func NewDispatcher(registry *Registry, config Config, eventRepo events.Repository) *Dispatcher {
	def := DefaultConfig()
	if config.MaxInFlightPerTool <= 0 {
		config.MaxInFlightPerTool = def.MaxInFlightPerTool
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}

	return &Dispatcher{
		registry:  registry,
		config:    config,
		eventRepo: eventRepo,
		logger:    logging.Component("dispatcher"),
		calls:     make(map[string]*call),
		runCalls:  make(map[string][]string),
		sems:      make(map[string]*semaphore.Weighted),
	}
}

// Dispatch executes the requested tool. A duplicate tool call id returns
// the already-produced result (waiting for it if the first attempt is still
// in flight) without re-executing side effects. Tool failures, including
// panics, are contained and returned as failed results; the returned error
// is reserved for pre-execution outcomes: validation, unknown tool,
// permission denial, saturation, and context cancellation.
func (d *Dispatcher) Dispatch(ctx context.Context, env *Env, req models.ToolCallRequest) (models.ToolCallResult, error) {
	if err := req.Validate(); err != nil {
		return models.ToolCallResult{}, err
	}

	tool, err := d.registry.Get(req.ToolName)
	if err != nil {
		return models.ToolCallResult{}, err
	}

	// Tool-level gate, in addition to the band-level gate the caller
	// already passed.
	identity := env.Identity
	if req.Identity != nil {
		identity = *req.Identity
	}
	if env.Gate != nil {
		allowed, err := env.Gate.Authorize(ctx, identity, tool.RequiredLevel())
		if err != nil {
			return models.ToolCallResult{}, fmt.Errorf("permission check failed: %w", err)
		}
		if !allowed {
			return models.ToolCallResult{}, fmt.Errorf("%w: %s requires %s", ErrPermissionDenied, tool.Name(), tool.RequiredLevel())
		}
	}

	// Atomic check-then-insert on the call id. Exactly one caller becomes
	// the executor; everyone else waits for its result.
	d.mu.Lock()
	if existing, ok := d.calls[req.ToolCallID]; ok {
		d.mu.Unlock()
		return d.await(ctx, req.ToolCallID, existing)
	}
	c := &call{done: make(chan struct{})}
	d.calls[req.ToolCallID] = c
	d.runCalls[req.RunID] = append(d.runCalls[req.RunID], req.ToolCallID)
	d.mu.Unlock()

	sem := d.toolSem(tool.Name())
	if d.config.RejectWhenSaturated {
		if !sem.TryAcquire(1) {
			d.abandon(req.ToolCallID, c, "tool saturated")
			d.count(func(s *Stats) { s.Rejected++ })
			return models.ToolCallResult{}, fmt.Errorf("%w: %s", ErrDispatchSaturated, tool.Name())
		}
	} else {
		if err := sem.Acquire(ctx, 1); err != nil {
			d.abandon(req.ToolCallID, c, "canceled before execution")
			return models.ToolCallResult{}, err
		}
	}
	defer sem.Release(1)

	start := time.Now()
	payload, execErr := d.execute(ctx, tool, env, req.Args)
	duration := time.Since(start)

	result := models.ToolCallResult{ToolCallID: req.ToolCallID}
	if execErr != nil {
		result.Status = models.ToolCallStatusFailed
		result.Error = execErr.Error()
	} else {
		result.Status = models.ToolCallStatusCompleted
		result.Result = payload
	}

	d.mu.Lock()
	c.result = result
	d.mu.Unlock()
	close(c.done)

	d.record(ctx, tool.Name(), req.ToolCallID, result, duration)

	return result, nil
}

// await blocks until the original execution of the call finishes, then
// returns its cached result.
func (d *Dispatcher) await(ctx context.Context, callID string, c *call) (models.ToolCallResult, error) {
	d.count(func(s *Stats) { s.Deduped++ })
	d.logger.Debug().Str("tool_call_id", callID).Msg("duplicate tool call served from cache")

	if d.eventRepo != nil {
		if err := events.LogToolDeduped(ctx, d.eventRepo, callID); err != nil {
			d.logger.Warn().Err(err).Msg("failed to record dedupe event")
		}
	}

	select {
	case <-c.done:
		d.mu.Lock()
		result := c.result
		d.mu.Unlock()
		return result, nil
	case <-ctx.Done():
		return models.ToolCallResult{ToolCallID: callID, Status: models.ToolCallStatusPending}, ctx.Err()
	}
}

// abandon completes a call entry that never executed, so concurrent waiters
// are released, then forgets it: a retry with the same id may execute.
func (d *Dispatcher) abandon(callID string, c *call, reason string) {
	d.mu.Lock()
	c.result = models.ToolCallResult{
		ToolCallID: callID,
		Status:     models.ToolCallStatusFailed,
		Error:      reason,
	}
	delete(d.calls, callID)
	d.mu.Unlock()
	close(c.done)
}

// execute runs the tool with the configured timeout and panic containment.
func (d *Dispatcher) execute(ctx context.Context, tool Tool, env *Env, args map[string]any) (payload any, err error) {
	execCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Str("tool", tool.Name()).Any("panic", r).Msg("tool panicked")
			payload = nil
			err = fmt.Errorf("tool %s panicked: %v", tool.Name(), r)
		}
	}()

	return tool.Execute(execCtx, env, args)
}

// record updates stats, logs, and events for a finished execution.
func (d *Dispatcher) record(ctx context.Context, toolName, callID string, result models.ToolCallResult, duration time.Duration) {
	if result.Status == models.ToolCallStatusFailed {
		d.count(func(s *Stats) { s.Total++; s.Failed++ })
		d.logger.Warn().
			Str("tool", toolName).
			Str("tool_call_id", callID).
			Dur("duration", duration).
			Str("error", result.Error).
			Msg("tool execution failed")
	} else {
		d.count(func(s *Stats) { s.Total++; s.Succeeded++ })
		d.logger.Info().
			Str("tool", toolName).
			Str("tool_call_id", callID).
			Dur("duration", duration).
			Msg("tool executed")
	}

	if d.eventRepo == nil {
		return
	}

	payload := models.ToolDispatchedPayload{
		ToolCallID: callID,
		ToolName:   toolName,
		Status:     result.Status,
		Duration:   duration.String(),
	}
	var err error
	if result.Status == models.ToolCallStatusFailed {
		err = events.LogToolFailed(ctx, d.eventRepo, toolName, payload)
	} else {
		err = events.LogToolDispatched(ctx, d.eventRepo, toolName, payload)
	}
	if err != nil {
		d.logger.Warn().Err(err).Str("tool", toolName).Msg("failed to record dispatch event")
	}
}

// ForgetRun drops the cached results for all calls of a run. Call identifier
// dedup holds for the lifetime of the run only.
func (d *Dispatcher) ForgetRun(runID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, callID := range d.runCalls[runID] {
		delete(d.calls, callID)
	}
	delete(d.runCalls, runID)
}

// Stats returns a snapshot of dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

func (d *Dispatcher) count(update func(*Stats)) {
	d.statsMu.Lock()
	update(&d.stats)
	d.statsMu.Unlock()
}

// toolSem returns the per-tool semaphore, creating it on first use.
func (d *Dispatcher) toolSem(toolName string) *semaphore.Weighted {
	d.semMu.Lock()
	defer d.semMu.Unlock()

	sem, ok := d.sems[toolName]
	if !ok {
		sem = semaphore.NewWeighted(d.config.MaxInFlightPerTool)
		d.sems[toolName] = sem
	}
	return sem
}
