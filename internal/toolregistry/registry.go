// Package toolregistry provides the uniform capability interface over the
// five canonical tools (§4.5): price lookup, news lookup, general research,
// watchlist mutation, and user-preference read.
//
// Grounded on the teacher's mcphost builtin-tool path (in-process handlers,
// no MCP network round-trip) and internal/resilience.CircuitBreaker for
// per-tool failure isolation — adapted from mcphost's latency-tier gating
// (dropped; dispatch here is deterministic, never LLM-chosen) to a plain
// invoke/retry/cache façade.
package toolregistry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hula0401/marketvoice/internal/cache"
	"github.com/hula0401/marketvoice/internal/resilience"
	"github.com/hula0401/marketvoice/pkg/types"
)

// ErrValidation marks a tool input as malformed. Handlers must wrap this
// sentinel so the registry never retries a validation failure (§4.5,
// §7 taxonomy).
var ErrValidation = errors.New("toolregistry: validation error")

// ErrUnknownTool is returned by Invoke when toolID has no registration.
var ErrUnknownTool = errors.New("toolregistry: unknown tool")

// Input is the tool-input bag passed to a Handler.
type Input map[string]any

// Handler performs the actual tool work. Implementations must respect ctx
// cancellation and return an error wrapping [ErrValidation] for malformed
// input rather than attempting the call.
type Handler func(ctx context.Context, input Input) (types.ToolResult, error)

// Tool is one registration: its public definition, dispatch limits, and
// handler.
type Tool struct {
	// Definition is the public descriptor (name, schema, cacheable seconds).
	Definition types.ToolDefinition

	// Timeout bounds a single attempt. Zero means no per-attempt deadline
	// beyond the caller's context.
	Timeout time.Duration

	// MaxAttempts bounds retries on transient errors (§4.5: ≤3). Zero
	// defaults to 3.
	MaxAttempts int

	// Handler performs the tool's work.
	Handler Handler
}

type registeredTool struct {
	tool    Tool
	breaker *resilience.CircuitBreaker
}

// BreakerMetrics receives a per-tool circuit breaker state transition.
// Satisfied by *internal/observe.Metrics; optional — a nil BreakerMetrics
// on a Registry simply skips the recording.
type BreakerMetrics interface {
	RecordProviderError(ctx context.Context, provider, kind string)
}

// Registry dispatches invoke(tool_id, input) calls to registered tools,
// applying per-tool circuit breaking, bounded retries, and result caching.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*registeredTool
	cache   *cache.Cache
	metrics BreakerMetrics
}

// New returns an empty Registry. c may be nil, in which case caching is
// disabled and every call reaches the handler (§2: cache misses affect
// latency only).
func New(c *cache.Cache) *Registry {
	return &Registry{
		tools: make(map[string]*registeredTool),
		cache: c,
	}
}

// SetMetrics wires a BreakerMetrics sink that records every subsequent
// tool's circuit breaker opening (§4.5: per-tool circuit breaker as a
// health signal). Call before Register so every tool's breaker gets the
// hook; tools already registered keep their existing (metrics-less) breaker.
func (r *Registry) SetMetrics(m BreakerMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// Register adds or replaces the tool identified by tool.Definition.Name.
func (r *Registry) Register(tool Tool) error {
	if tool.Definition.Name == "" {
		return fmt.Errorf("toolregistry: register: tool name must not be empty")
	}
	if tool.Handler == nil {
		return fmt.Errorf("toolregistry: register %q: handler must not be nil", tool.Definition.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Definition.Name
	metrics := r.metrics
	r.tools[name] = &registeredTool{
		tool: tool,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: name,
			OnStateChange: func(toolID string, from, to resilience.State) {
				if metrics != nil && to == resilience.StateOpen {
					metrics.RecordProviderError(context.Background(), toolID, "circuit_open")
				}
			},
		}),
	}
	return nil
}

// Definitions returns every registered tool's public descriptor, sorted by
// name, for startup logging/introspection.
func (r *Registry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ToolDefinition, 0, len(r.tools))
	for _, rt := range r.tools {
		out = append(out, rt.tool.Definition)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke dispatches one call to toolID (§4.5). The returned ToolResult is
// always non-nil and carries Status/Error instead of a Go error — tool
// failures never abort the caller's turn (§7: ToolFailure is recorded, not
// propagated).
func (r *Registry) Invoke(ctx context.Context, toolID string, input Input) types.ToolResult {
	r.mu.RLock()
	rt, ok := r.tools[toolID]
	r.mu.RUnlock()
	if !ok {
		return types.ToolResult{
			ToolID: toolID,
			Status: types.ToolStatusError,
			Error:  fmt.Errorf("%w: %q", ErrUnknownTool, toolID).Error(),
		}
	}

	cacheKey := ""
	cacheable := r.cache != nil && rt.tool.Definition.CacheableSeconds > 0
	if cacheable {
		cacheKey = canonicalKey(input)
		var cached types.ToolResult
		if r.cache.GetToolResult(ctx, toolID, cacheKey, &cached) {
			return cached
		}
	}

	start := time.Now()
	result, err := r.invokeWithRetry(ctx, rt, input)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		return types.ToolResult{
			ToolID:     toolID,
			Status:     types.ToolStatusError,
			Error:      err.Error(),
			DurationMs: elapsed,
		}
	}

	result.ToolID = toolID
	result.Status = types.ToolStatusOK
	result.DurationMs = elapsed

	if cacheable {
		ttl := time.Duration(rt.tool.Definition.CacheableSeconds) * time.Second
		if err := r.cache.SetToolResult(ctx, toolID, cacheKey, result, ttl); err != nil {
			slog.Debug("toolregistry: cache set failed", "tool", toolID, "error", err)
		}
	}
	return result
}

func (r *Registry) invokeWithRetry(ctx context.Context, rt *registeredTool, input Input) (types.ToolResult, error) {
	maxAttempts := rt.tool.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var lastErr error
	var result types.ToolResult

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if rt.tool.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, rt.tool.Timeout)
		}

		err := rt.breaker.Execute(func() error {
			res, herr := rt.tool.Handler(attemptCtx, input)
			result = res
			return herr
		})
		if cancel != nil {
			cancel()
		}

		if err == nil {
			return result, nil
		}
		lastErr = err

		if errors.Is(err, ErrValidation) {
			return types.ToolResult{}, err // never retried
		}
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return types.ToolResult{}, err // breaker open, stop burning attempts
		}
		if ctx.Err() != nil {
			return types.ToolResult{}, ctx.Err() // canceled/turn deadline, not worth retrying
		}
		if attempt < maxAttempts {
			slog.Debug("toolregistry: transient failure, retrying",
				"tool", rt.tool.Definition.Name, "attempt", attempt, "error", err)
		}
	}
	return types.ToolResult{}, lastErr
}

// canonicalKey builds a deterministic cache key from an Input map so that
// equivalent calls (same keys, same values, any insertion order) share a
// cache entry.
func canonicalKey(input Input) string {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v;", k, input[k])
	}
	return b.String()
}
