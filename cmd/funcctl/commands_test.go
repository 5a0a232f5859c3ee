// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"errors"
	"testing"

	"github.com/scott-cotton/cli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	args, kwargs, err := parseArgs([]string{"5", `"x"`, "b=2.5", "flag=true", "[1, 2]"})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(5), "x", []any{int64(1), int64(2)}}, args)
	assert.Equal(t, map[string]any{"b": 2.5, "flag": true}, kwargs)

	args, kwargs, err = parseArgs(nil)
	require.NoError(t, err)
	assert.Empty(t, args)
	assert.Nil(t, kwargs)

	_, _, err = parseArgs([]string{"a=1 +"})
	assert.True(t, errors.Is(err, cli.ErrUsage))
}

func TestParseCallExpr(t *testing.T) {
	path, args, err := parseCallExpr(" ns.sub(5, 2) ")
	require.NoError(t, err)
	assert.Equal(t, "ns.sub", path)
	assert.Equal(t, []any{int64(5), int64(2)}, args)

	path, args, err = parseCallExpr(`memory.__getitem__("k")`)
	require.NoError(t, err)
	assert.Equal(t, "memory.__getitem__", path)
	assert.Equal(t, []any{"k"}, args)

	for _, bad := range []string{"add", "(1, 2)", "add(1, 2", "add(x)"} {
		_, _, err := parseCallExpr(bad)
		assert.True(t, errors.Is(err, cli.ErrUsage), bad)
	}
}

func TestEventsURL(t *testing.T) {
	tests := []struct {
		target   string
		override string
		want     string
	}{
		{"http://localhost:9345", "", "ws://localhost:9345/ws"},
		{"https://calc.example.com/v2/rpc", "", "wss://calc.example.com/ws"},
		{"jsonrpc+http://127.0.0.1:9345", "", "ws://127.0.0.1:9345/ws"},
		{"localhost:9345/", "", "ws://localhost:9345/ws"},
		{"tcp://localhost:9346", "ws://localhost:9345/ws", "ws://localhost:9345/ws"},
	}
	for _, tt := range tests {
		got, err := eventsURL(tt.target, tt.override)
		require.NoError(t, err, tt.target)
		assert.Equal(t, tt.want, got, tt.target)
	}

	_, err := eventsURL("grpc://localhost:9347", "")
	assert.True(t, errors.Is(err, cli.ErrUsage))
}

func TestLiteral(t *testing.T) {
	assert.Equal(t, "3", literal(int64(3)))
	assert.Equal(t, `"x"`, literal("x"))
	assert.Equal(t, "[1, nil]", literal([]any{int64(1), nil}))
}
