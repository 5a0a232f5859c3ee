// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package funcserver

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// UnresolvedKey is the stats key shared by every call whose path did not
// resolve, so unknown names from clients cannot grow the key set.
const UnresolvedKey = "<unresolved>"

// Executor runs one call against a Registry. It is the boundary where every
// per-call failure becomes data: Execute never returns an error and never
// lets a panic escape.
type Executor struct {
	registry *Registry
	stats    *Stats
	log      zerolog.Logger
}

// NewExecutor creates an executor. stats may be nil.
func NewExecutor(registry *Registry, stats *Stats, log zerolog.Logger) *Executor {
	if stats == nil {
		stats = NewStats()
	}
	return &Executor{registry: registry, stats: stats, log: log}
}

// Stats returns the collector the executor records into.
func (e *Executor) Stats() *Stats {
	return e.stats
}

// Execute resolves and invokes call, recording its count and elapsed time
// under the call path whether or not it succeeds. Paths that do not resolve
// are recorded under UnresolvedKey.
func (e *Executor) Execute(ctx context.Context, call CallEnvelope) (res ResultEnvelope) {
	start := time.Now()
	fn, resolveErr := e.registry.Resolve(call.Path)
	key := call.Path
	if resolveErr != nil {
		key = UnresolvedKey
	}
	e.stats.Incr("calls."+key, 1)
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().
				Str("fn", call.Path).
				Str("stack", string(debug.Stack())).
				Msgf("panic during rpc call: %v", r)
			res = ResultEnvelope{Success: false, Result: fmt.Sprintf("panic: %v", r)}
		}
		if !res.Success {
			e.stats.Incr("failures."+key, 1)
		}
		e.stats.Timing(key, time.Since(start))
	}()

	if resolveErr != nil {
		e.log.Warn().Str("fn", call.Path).Err(resolveErr).Msg("rpc function not found")
		return ResultEnvelope{Success: false, Result: resolveErr.Error()}
	}
	v, err := fn(ctx, call.Args, call.Kwargs)
	if err != nil {
		e.log.Warn().
			Str("fn", call.Path).
			Interface("args", call.Args).
			Interface("kwargs", call.Kwargs).
			Err(err).
			Msg("exception during rpc call")
		return ResultEnvelope{Success: false, Result: err.Error()}
	}
	return ResultEnvelope{Success: true, Result: v}
}

// ExecuteBatch runs calls strictly in order. The result at position i is the
// value of call i, or nil when it failed; a failure never stops later calls.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []CallEnvelope) []any {
	out := make([]any, len(calls))
	for i, call := range calls {
		res := e.Execute(ctx, call)
		if !res.Success {
			e.log.Debug().Int("index", i).Str("fn", call.Path).Msgf("batch call failed: %v", res.Result)
			continue
		}
		out[i] = res.Result
	}
	return out
}
