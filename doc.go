// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package funcserver exposes an in-process API object as a tree of dotted
// function paths and serves it over several transports, together with a live
// event channel for log lines and an interactive console.
//
// # Formats
//
// Every request and reply is one value in a negotiated format:
//
//	msgpack   application/x-msgpack  (default)
//	json      application/json
//	expr      text/x-expr            (expr-lang literals, never evaluated)
//
// A call is {"fn": path, "args": [...], "kwargs": {...}} and answers
// {"success": bool, "result": v}. A batch is {"fn": "__batch__", "calls": [...]}
// and answers a list aligned with the calls, nil where a call failed.
//
// # Usage
//
// Server usage:
//
//	logging := funcserver.NewLogging("calc", cfg.Log)
//	srv, err := funcserver.NewServer(cfg, logging)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv.Mount("", calc.New(false))
//	srv.Run(ctx)
//
// Client usage:
//
//	client, err := funcserver.Dial(ctx, "http://localhost:9345")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	sum, err := client.Attr("add").Call(ctx, 10, 20)
//	diff, err := client.Path("ns.sub").CallKw(ctx, map[string]any{"a": 5, "b": 2})
//
//	b := client.StartBatch()
//	b.Attr("add").Call(ctx, 1, 2)
//	b.Attr("div").Call(ctx, 1, 0)
//	results, err := b.Execute(ctx) // [3, nil]
//
// A failed call returns a *RemoteError; errors.Is(err, ErrRemoteCallFailed)
// holds for all of them.
//
// # Transports
//
//   - http.go: POST /rpc and /rpc/{format}
//   - stream.go: length-prefixed frames over TCP, multiplexed by request id
//   - grpc.go: funcserver.RPC/Call with a pass-through codec
//   - jsonrpc.go: JSON-RPC 2.0 at /jsonrpc (RPC.Call, RPC.Batch)
//   - websocket.go: /ws event channel and console
//
// Dial picks the client transport from the target scheme: http(s)://,
// tcp://, grpc:// or jsonrpc+http(s)://.
package funcserver
