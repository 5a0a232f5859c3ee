// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package funcserver

import (
	"context"
	"fmt"
	"sync"
)

// Proxy is an immutable node naming one remote path. Attr returns a new node
// with an extended path; nodes derived from a batch root share its buffer.
type Proxy struct {
	client *Client
	path   string
	batch  *batchBuffer
}

type batchBuffer struct {
	mu    sync.Mutex
	calls []CallEnvelope
}

// Attr returns the proxy for path + "." + name.
func (p Proxy) Attr(name string) Proxy {
	p.path = joinPath(p.path, name)
	return p
}

// Path returns the dotted path this proxy calls.
func (p Proxy) Path() string {
	return p.path
}

// Batching reports whether calls through p are buffered.
func (p Proxy) Batching() bool {
	return p.batch != nil
}

// Call invokes the path with positional arguments. In batch mode the call is
// buffered and Call returns (nil, nil).
func (p Proxy) Call(ctx context.Context, args ...any) (any, error) {
	return p.CallKw(ctx, nil, args...)
}

// CallKw invokes the path with keyword and positional arguments.
func (p Proxy) CallKw(ctx context.Context, kwargs map[string]any, args ...any) (any, error) {
	call := CallEnvelope{Path: p.path, Args: args, Kwargs: kwargs}
	if p.batch != nil {
		p.batch.mu.Lock()
		p.batch.calls = append(p.batch.calls, call)
		p.batch.mu.Unlock()
		return nil, nil
	}
	return p.client.call(ctx, call)
}

// Handle pins the node as a reusable function reference.
func (p Proxy) Handle() Func {
	return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return p.CallKw(ctx, kwargs, args...)
	}
}

// StartBatch returns a copy of p that buffers calls in a new batch.
func (p Proxy) StartBatch() Proxy {
	p.batch = &batchBuffer{}
	return p
}

// StopBatch returns a copy of p that calls immediately again. Buffered calls
// not yet executed are kept by the batch and any node still holding it.
func (p Proxy) StopBatch() Proxy {
	p.batch = nil
	return p
}

// Pending returns the number of buffered calls.
func (p Proxy) Pending() int {
	if p.batch == nil {
		return 0
	}
	p.batch.mu.Lock()
	defer p.batch.mu.Unlock()
	return len(p.batch.calls)
}

// Execute sends the buffered calls as one batch and clears the buffer. The
// result at position i belongs to the i-th buffered call; failed calls are
// nil. An empty buffer sends nothing.
func (p Proxy) Execute(ctx context.Context) ([]any, error) {
	if p.batch == nil {
		return nil, fmt.Errorf("execute %q: not batching", p.path)
	}
	p.batch.mu.Lock()
	calls := p.batch.calls
	p.batch.calls = nil
	p.batch.mu.Unlock()

	if len(calls) == 0 {
		return []any{}, nil
	}
	return p.client.batch(ctx, calls)
}

// Index calls <path>.__getitem__(key).
func (p Proxy) Index(ctx context.Context, key any) (any, error) {
	return p.Attr(SuffixGetItem).Call(ctx, key)
}

// SetIndex calls <path>.__setitem__(key, value).
func (p Proxy) SetIndex(ctx context.Context, key, value any) error {
	_, err := p.Attr(SuffixSetItem).Call(ctx, key, value)
	return err
}

// DeleteIndex calls <path>.__delitem__(key).
func (p Proxy) DeleteIndex(ctx context.Context, key any) error {
	_, err := p.Attr(SuffixDelItem).Call(ctx, key)
	return err
}

// Contains calls <path>.__contains__(key). In batch mode it returns false.
func (p Proxy) Contains(ctx context.Context, key any) (bool, error) {
	v, err := p.Attr(SuffixContains).Call(ctx, key)
	if err != nil || v == nil {
		return false, err
	}
	ok, isBool := v.(bool)
	if !isBool {
		return false, malformed("%s returned %T, want bool", SuffixContains, v)
	}
	return ok, nil
}

// Len calls <path>.__len__(). In batch mode it returns 0.
func (p Proxy) Len(ctx context.Context) (int, error) {
	v, err := p.Attr(SuffixLen).Call(ctx)
	if err != nil || v == nil {
		return 0, err
	}
	n, ok := v.(int64)
	if !ok {
		return 0, malformed("%s returned %T, want integer", SuffixLen, v)
	}
	return int(n), nil
}
