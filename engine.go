// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package funcserver

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// DefaultChunkSize bounds each write of a response body.
const DefaultChunkSize = 64 * 1024

// Response is an encoded reply plus the codec that produced it.
type Response struct {
	Body  []byte
	Codec Codec
}

// Engine decodes request bodies, runs them through the Executor on the
// Scheduler, and encodes the reply in the negotiated format. Transports
// (HTTP, stream, gRPC, JSON-RPC) are thin adapters around Dispatch.
type Engine struct {
	formats   *Formats
	exec      *Executor
	sched     *Scheduler
	log       zerolog.Logger
	chunkSize int
	maxBody   int64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithChunkSize sets the bounded write size for response bodies.
func WithChunkSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

// WithScheduler sets the task scheduler calls run on.
func WithScheduler(s *Scheduler) EngineOption {
	return func(e *Engine) { e.sched = s }
}

// WithMaxBody caps request body size for HTTP; 0 means no cap.
func WithMaxBody(n int64) EngineOption {
	return func(e *Engine) { e.maxBody = n }
}

// NewEngine creates an engine.
func NewEngine(formats *Formats, exec *Executor, log zerolog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		formats:   formats,
		exec:      exec,
		log:       log,
		chunkSize: DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.sched == nil {
		e.sched = NewScheduler(0)
	}
	return e
}

// Formats returns the engine's format registry.
func (e *Engine) Formats() *Formats {
	return e.formats
}

// Scheduler returns the scheduler calls run on.
func (e *Engine) Scheduler() *Scheduler {
	return e.sched
}

// Decode parses body with the named format (default on unknown names).
// The only error it returns matches ErrMalformedPayload.
func (e *Engine) Decode(format string, body []byte) (Request, Codec, error) {
	codec := e.formats.Resolve(format)
	v, err := codec.Decode(body)
	if err != nil {
		return Request{}, codec, err
	}
	req, err := parseRequest(v)
	if err != nil {
		return Request{}, codec, err
	}
	return req, codec, nil
}

// Run executes a decoded request and returns its wire value: a result map
// for a single call, a list for a batch.
func (e *Engine) Run(ctx context.Context, req Request) any {
	if req.IsBatch() {
		return e.exec.ExecuteBatch(ctx, req.Batch)
	}
	return e.exec.Execute(ctx, req.Call).value()
}

// Dispatch decodes body synchronously, then hands execution and encoding to
// the scheduler and waits for the result. MalformedPayload and ctx errors are
// the only failures; call failures are inside the encoded reply.
func (e *Engine) Dispatch(ctx context.Context, format string, body []byte) (Response, error) {
	req, codec, err := e.Decode(format, body)
	if err != nil {
		e.log.Warn().Str("format", codec.Name()).Err(err).Msg("rpc decode failed")
		return Response{Codec: codec}, err
	}
	fut := Submit(e.sched, ctx, func(ctx context.Context) []byte {
		return e.encodeReply(codec, e.Run(ctx, req))
	})
	out, err := fut.Wait(ctx)
	if err != nil {
		return Response{Codec: codec}, err
	}
	return Response{Body: out, Codec: codec}, nil
}

// encodeReply encodes v; values the format cannot carry are replaced so the
// caller always gets a well-formed reply.
func (e *Engine) encodeReply(codec Codec, v any) []byte {
	b, err := codec.Encode(v)
	if err == nil {
		return b
	}
	e.log.Warn().Str("format", codec.Name()).Err(err).Msg("rpc reply not encodable")
	switch x := v.(type) {
	case []any:
		fixed := make([]any, len(x))
		for i, item := range x {
			if _, err := codec.Encode(item); err == nil {
				fixed[i] = item
			}
		}
		b, err = codec.Encode(fixed)
	default:
		b, err = codec.Encode(ResultEnvelope{
			Success: false,
			Result:  fmt.Sprintf("result not encodable as %s: %v", codec.Name(), err),
		}.value())
	}
	if err != nil {
		// unreachable for the builtin codecs
		panic(fmt.Sprintf("funcserver: encoding fallback reply: %v", err))
	}
	return b
}
