// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package funcserver

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Console evaluates interactive input for one connection.
type Console interface {
	Eval(ctx context.Context, code string) string
}

// ConsoleFactory creates the console for a newly seen connection id.
type ConsoleFactory func(entryID string) Console

var assignRe = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9_]*)\s*=([^=].*)$`)

// Session is an expr-lang console. Each session keeps its own variables;
// call(path, args...) invokes the registry and stats() reads the counters.
type Session struct {
	mu       sync.Mutex
	vars     map[string]any
	registry *Registry
	stats    *Stats
}

// NewSession returns an empty session over registry and stats (either may be
// nil, which disables call() or stats()).
func NewSession(registry *Registry, stats *Stats) *Session {
	return &Session{
		vars:     make(map[string]any),
		registry: registry,
		stats:    stats,
	}
}

// SessionFactory returns a ConsoleFactory creating a fresh Session per
// connection.
func SessionFactory(registry *Registry, stats *Stats) ConsoleFactory {
	return func(string) Console {
		return NewSession(registry, stats)
	}
}

// Eval runs one line. "name = expr" stores the value in the session and
// echoes it. Errors come back as text.
func (s *Session) Eval(ctx context.Context, code string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	target := ""
	if m := assignRe.FindStringSubmatch(code); m != nil {
		target, code = m[1], strings.TrimSpace(m[2])
	}

	out, err := s.run(ctx, code)
	if err != nil {
		return "error: " + err.Error()
	}
	if target != "" {
		s.vars[target] = out
	}
	return formatConsoleValue(out)
}

func (s *Session) run(ctx context.Context, code string) (any, error) {
	env := make(map[string]any, len(s.vars))
	for k, v := range s.vars {
		env[k] = v
	}
	program, err := expr.Compile(code, s.exprOpts(ctx, env)...)
	if err != nil {
		return nil, err
	}
	return vm.Run(program, env)
}

func (s *Session) exprOpts(ctx context.Context, env map[string]any) []expr.Option {
	return []expr.Option{
		expr.Env(env),
		expr.Function("call", func(params ...any) (any, error) {
			if s.registry == nil {
				return nil, fmt.Errorf("call: no registry")
			}
			if len(params) == 0 {
				return nil, fmt.Errorf("call: missing path")
			}
			path, ok := params[0].(string)
			if !ok {
				return nil, fmt.Errorf("call: path must be a string, got %T", params[0])
			}
			fn, err := s.registry.Resolve(path)
			if err != nil {
				return nil, err
			}
			args := make([]any, 0, len(params)-1)
			for _, p := range params[1:] {
				n, err := Normalize(p)
				if err != nil {
					return nil, err
				}
				args = append(args, n)
			}
			return fn(ctx, args, nil)
		}),
		expr.Function("stats", func(params ...any) (any, error) {
			if s.stats == nil {
				return map[string]any{}, nil
			}
			out := make(map[string]any)
			for k, v := range s.stats.Totals() {
				out[k] = v
			}
			return out, nil
		}),
	}
}

// Vars returns a copy of the session's variables.
func (s *Session) Vars() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.vars))
	for k, v := range s.vars {
		out[k] = v
	}
	return out
}

func formatConsoleValue(v any) string {
	if n, err := Normalize(v); err == nil {
		var b strings.Builder
		if err := writeLiteral(&b, n); err == nil {
			return b.String()
		}
	}
	return fmt.Sprintf("%v", v)
}
