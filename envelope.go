// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package funcserver

import "fmt"

// BatchPath is the reserved function path that marks a batch envelope.
const BatchPath = "__batch__"

// Wire keys of the call and result envelopes.
const (
	keyFn      = "fn"
	keyArgs    = "args"
	keyKwargs  = "kwargs"
	keyCalls   = "calls"
	keySuccess = "success"
	keyResult  = "result"
)

// CallEnvelope is one remote invocation: a dotted function path plus
// positional and keyword arguments.
type CallEnvelope struct {
	Path   string
	Args   []any
	Kwargs map[string]any
}

// ResultEnvelope is the outcome of one call. When Success is false Result
// holds a diagnostic string.
type ResultEnvelope struct {
	Success bool
	Result  any
}

// Request is a decoded request body: either a single call or a batch.
type Request struct {
	Call  CallEnvelope
	Batch []CallEnvelope
}

// IsBatch reports whether the request carried the batch sentinel.
func (r Request) IsBatch() bool {
	return r.Call.Path == BatchPath
}

func (c CallEnvelope) value() map[string]any {
	args := c.Args
	if args == nil {
		args = []any{}
	}
	kwargs := c.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return map[string]any{keyFn: c.Path, keyArgs: args, keyKwargs: kwargs}
}

func batchValue(calls []CallEnvelope) map[string]any {
	list := make([]any, len(calls))
	for i, c := range calls {
		list[i] = c.value()
	}
	return map[string]any{keyFn: BatchPath, keyCalls: list}
}

func (r ResultEnvelope) value() map[string]any {
	return map[string]any{keySuccess: r.Success, keyResult: r.Result}
}

// parseRequest classifies a decoded body. It never trusts the shape of v.
func parseRequest(v any) (Request, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return Request{}, malformed("envelope is %T, want map", v)
	}
	fn, ok := m[keyFn].(string)
	if !ok {
		return Request{}, malformed("envelope missing %q", keyFn)
	}
	if fn != BatchPath {
		call, err := parseCall(m)
		if err != nil {
			return Request{}, err
		}
		return Request{Call: call}, nil
	}
	raw, ok := m[keyCalls].([]any)
	if !ok {
		return Request{}, malformed("batch missing %q", keyCalls)
	}
	calls := make([]CallEnvelope, len(raw))
	for i, item := range raw {
		cm, ok := item.(map[string]any)
		if !ok {
			return Request{}, malformed("batch call %d is %T", i, item)
		}
		call, err := parseCall(cm)
		if err != nil {
			return Request{}, fmt.Errorf("batch call %d: %w", i, err)
		}
		calls[i] = call
	}
	return Request{Call: CallEnvelope{Path: BatchPath}, Batch: calls}, nil
}

func parseCall(m map[string]any) (CallEnvelope, error) {
	fn, ok := m[keyFn].(string)
	if !ok {
		return CallEnvelope{}, malformed("call missing %q", keyFn)
	}
	call := CallEnvelope{Path: fn}
	switch args := m[keyArgs].(type) {
	case nil:
	case []any:
		call.Args = args
	default:
		return CallEnvelope{}, malformed("args is %T", args)
	}
	switch kwargs := m[keyKwargs].(type) {
	case nil:
	case map[string]any:
		call.Kwargs = kwargs
	default:
		return CallEnvelope{}, malformed("kwargs is %T", kwargs)
	}
	return call, nil
}

func parseResult(v any) (ResultEnvelope, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return ResultEnvelope{}, malformed("result is %T, want map", v)
	}
	success, ok := m[keySuccess].(bool)
	if !ok {
		return ResultEnvelope{}, malformed("result missing %q", keySuccess)
	}
	return ResultEnvelope{Success: success, Result: m[keyResult]}, nil
}
