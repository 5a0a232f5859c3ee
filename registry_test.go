// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package funcserver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testStore struct {
	items map[string]any
}

func newTestStore() *testStore {
	return &testStore{items: make(map[string]any)}
}

func (s *testStore) GetItem(key any) (any, error) {
	k := fmt.Sprint(key)
	v, ok := s.items[k]
	if !ok {
		return nil, fmt.Errorf("key error: %q", k)
	}
	return v, nil
}

func (s *testStore) SetItem(key, value any) error {
	s.items[fmt.Sprint(key)] = value
	return nil
}

func (s *testStore) DelItem(key any) error {
	delete(s.items, fmt.Sprint(key))
	return nil
}

func (s *testStore) Contains(key any) (bool, error) {
	_, ok := s.items[fmt.Sprint(key)]
	return ok, nil
}

func (s *testStore) Len() (int, error) {
	return len(s.items), nil
}

// Keys is an ordinary method on a mapping namespace.
func (s *testStore) Keys() []string {
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type testPair struct {
	A int64 `json:"a"`
	B int64 `json:"b"`
}

type testInner struct {
	calls int
}

func (n *testInner) Sub(p testPair) int64 {
	n.calls++
	return p.A - p.B
}

type testAPI struct {
	Inner   *testInner `funcserver:"ns"`
	Store   *testStore
	Hidden  *testInner `funcserver:"-"`
	private *testInner
	Count   int
}

func newTestAPI() *testAPI {
	return &testAPI{
		Inner:   &testInner{},
		Store:   newTestStore(),
		Hidden:  &testInner{},
		private: &testInner{},
	}
}

func (*testAPI) ParamNames() map[string][]string {
	return map[string][]string{
		"Add":   {"a", "b"},
		"Greet": {"name"},
	}
}

func (*testAPI) Add(a, b int64) int64 { return a + b }

func (*testAPI) Sum(xs ...float64) float64 {
	var total float64
	for _, x := range xs {
		total += x
	}
	return total
}

func (*testAPI) Greet(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if name == "" {
		return "", errors.New("name required")
	}
	return "hello " + name, nil
}

func (*testAPI) Fail() error { return errors.New("always fails") }

func (*testAPI) Boom() int { panic("kaboom") }

func (*testAPI) Nothing() {}

func (*testAPI) Tags(tags []string, opts map[string]int) map[string]any {
	return map[string]any{"tags": tags, "opts": opts}
}

func (*testAPI) Scale(p *testPair, factor float64) []float64 {
	return []float64{float64(p.A) * factor, float64(p.B) * factor}
}

func (*testAPI) DumpStacks() string { return "stacks" }

func invoke(t *testing.T, r *Registry, path string, args []any, kwargs map[string]any) (any, error) {
	t.Helper()
	fn, err := r.Resolve(path)
	require.NoError(t, err, path)
	return fn(context.Background(), args, kwargs)
}

func TestMountPaths(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Mount("", newTestAPI()))

	assert.Equal(t, []string{
		"add", "boom", "dump_stacks", "fail", "greet", "nothing",
		"ns.sub", "scale", "store.keys", "sum", "tags",
	}, r.Paths())

	_, err := r.Resolve("param_names")
	assert.ErrorIs(t, err, ErrFunctionNotFound)
	_, err = r.Resolve("hidden.sub")
	assert.ErrorIs(t, err, ErrFunctionNotFound)
	_, err = r.Resolve("store.get_item")
	assert.ErrorIs(t, err, ErrFunctionNotFound)
}

func TestMountUnderPrefix(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Mount("v1", newTestAPI()))

	v, err := invoke(t, r, "v1.add", []any{int64(1), int64(2)}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = invoke(t, r, "v1.store.__len__", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	_, err = r.Resolve("add")
	assert.ErrorIs(t, err, ErrFunctionNotFound)
}

func TestRemountSwapsSubtree(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Mount("math", newTestAPI()))
	require.NoError(t, r.Register("ping", func(context.Context, []any, map[string]any) (any, error) {
		return "pong", nil
	}))

	inner := &testInner{}
	require.NoError(t, r.Mount("math", struct {
		Only *testInner `funcserver:"only"`
	}{Only: inner}))

	_, err := r.Resolve("math.add")
	assert.ErrorIs(t, err, ErrFunctionNotFound)
	_, err = r.Resolve("math.store.__len__")
	assert.ErrorIs(t, err, ErrFunctionNotFound)

	v, err := invoke(t, r, "math.only.sub", []any{int64(9), int64(4)}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
	assert.Equal(t, 1, inner.calls)

	v, err = invoke(t, r, "ping", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", v)

	r.Unmount("math")
	assert.Equal(t, []string{"ping"}, r.Paths())
}

func TestMountRejectsOverlap(t *testing.T) {
	r := NewRegistry()
	inner := &testInner{}
	require.NoError(t, r.Mount("ns", inner))
	require.NoError(t, r.Register("add", func(context.Context, []any, map[string]any) (any, error) {
		return "registered", nil
	}))

	// the root mount would claim ns.sub and add
	err := r.Mount("", newTestAPI())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
	assert.Equal(t, []string{"add", "ns.sub"}, r.Paths())

	v, err := invoke(t, r, "ns.sub", []any{int64(3), int64(1)}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
	assert.Equal(t, 1, inner.calls)

	// unmounting the failed prefix leaves the other owners alone
	r.Unmount("")
	assert.Equal(t, []string{"add", "ns.sub"}, r.Paths())

	// a different object under the same prefix is a swap, not an overlap
	require.NoError(t, r.Mount("ns", &testInner{}))
	assert.Equal(t, 1, inner.calls)

	// a mapping registered on its own is protected too
	require.NoError(t, r.RegisterMapping("store", newTestStore()))
	err = r.Mount("", struct {
		Store *testStore
	}{Store: newTestStore()})
	assert.ErrorContains(t, err, "mapping")
}

func TestPrivateSegmentsRejected(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Mount("", newTestAPI()))

	noop := func(context.Context, []any, map[string]any) (any, error) { return nil, nil }
	assert.Error(t, r.Register("_secret", noop))
	assert.Error(t, r.Register("ns._secret", noop))
	assert.Error(t, r.Register("a..b", noop))
	assert.Error(t, r.Mount("_hidden", newTestAPI()))

	// bypass registration checks: resolution must still refuse
	r.mu.Lock()
	r.funcs["_secret"] = noop
	r.funcs["ns._secret"] = noop
	r.funcs["__len__"] = noop
	r.mu.Unlock()

	for _, path := range []string{
		"_secret", "ns._secret", "__len__", "__class__",
		"store.__class__", "store.__len__.x", "store._keys",
		"ns.__getitem__", "", "add.", ".add",
	} {
		_, err := r.Resolve(path)
		assert.ErrorIs(t, err, ErrFunctionNotFound, path)
	}
}

func TestMappingSuffixes(t *testing.T) {
	r := NewRegistry()
	api := newTestAPI()
	require.NoError(t, r.Mount("", api))

	_, err := invoke(t, r, "store.__setitem__", []any{"pi", 3.14}, nil)
	require.NoError(t, err)
	_, err = invoke(t, r, "store.__setitem__", []any{"list", []any{int64(1)}}, nil)
	require.NoError(t, err)

	v, err := invoke(t, r, "store.__getitem__", []any{"pi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3.14, v)

	v, err = invoke(t, r, "store.__contains__", []any{"list"}, nil)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = invoke(t, r, "store.__len__", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	v, err = invoke(t, r, "store.keys", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"list", "pi"}, v)

	_, err = invoke(t, r, "store.__delitem__", []any{"pi"}, nil)
	require.NoError(t, err)
	v, err = invoke(t, r, "store.__contains__", []any{"pi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, false, v)

	_, err = invoke(t, r, "store.__getitem__", []any{"pi"}, nil)
	assert.ErrorContains(t, err, "key error")
	_, err = invoke(t, r, "store.__getitem__", nil, nil)
	assert.ErrorContains(t, err, "takes 1 arguments")
	_, err = invoke(t, r, "store.__len__", nil, map[string]any{"x": int64(1)})
	assert.ErrorContains(t, err, "no keyword arguments")

	require.NoError(t, r.RegisterMapping("extra", newTestStore()))
	v, err = invoke(t, r, "extra.__len__", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestBindPositionalAndKeyword(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Mount("", newTestAPI()))

	tests := []struct {
		name   string
		path   string
		args   []any
		kwargs map[string]any
		want   any
		errMsg string
	}{
		{name: "positional", path: "add", args: []any{int64(10), int64(20)}, want: int64(30)},
		{name: "whole float as int", path: "add", args: []any{2.0, int64(1)}, want: int64(3)},
		{name: "keywords", path: "add", kwargs: map[string]any{"a": int64(5), "b": int64(2)}, want: int64(7)},
		{name: "mixed", path: "add", args: []any{int64(5)}, kwargs: map[string]any{"b": int64(1)}, want: int64(6)},
		{name: "variadic empty", path: "sum", want: 0.0},
		{name: "variadic", path: "sum", args: []any{int64(1), 2.5}, want: 3.5},
		{name: "context param", path: "greet", args: []any{"lux"}, want: "hello lux"},
		{name: "context keyword", path: "greet", kwargs: map[string]any{"name": "lux"}, want: "hello lux"},
		{name: "struct param keywords", path: "ns.sub", kwargs: map[string]any{"a": int64(5), "b": int64(2)}, want: int64(3)},
		{name: "struct param positional", path: "ns.sub", args: []any{int64(5), int64(2)}, want: int64(3)},
		{name: "pointer struct", path: "scale", args: []any{map[string]any{"a": int64(1), "b": int64(2)}, 1.5}, want: []any{1.5, 3.0}},
		{name: "no result", path: "nothing", want: nil},
		{name: "snake case", path: "dump_stacks", want: "stacks"},
		{
			name: "containers",
			path: "tags",
			args: []any{[]any{"x", "y"}, map[string]any{"n": int64(1)}},
			want: map[string]any{"tags": []any{"x", "y"}, "opts": map[string]any{"n": int64(1)}},
		},

		{name: "too many", path: "add", args: []any{int64(1), int64(2), int64(3)}, errMsg: "takes 2 positional arguments but 3 were given"},
		{name: "missing", path: "add", args: []any{int64(1)}, errMsg: `missing argument "b"`},
		{name: "duplicate", path: "add", args: []any{int64(1)}, kwargs: map[string]any{"a": int64(1), "b": int64(2)}, errMsg: `multiple values for argument "a"`},
		{name: "unknown keyword", path: "add", args: []any{int64(1), int64(2)}, kwargs: map[string]any{"c": int64(3)}, errMsg: `unexpected keyword argument "c"`},
		{name: "no keywords", path: "sum", kwargs: map[string]any{"x": int64(1)}, errMsg: "takes no keyword arguments"},
		{name: "type mismatch", path: "add", args: []any{"1", int64(2)}, errMsg: "cannot use string as int64"},
		{name: "fractional int", path: "add", args: []any{1.5, int64(2)}, errMsg: "cannot use float64 as int64"},
		{name: "struct unknown keyword", path: "ns.sub", kwargs: map[string]any{"c": int64(1)}, errMsg: `unexpected keyword argument "c"`},
		{name: "method error", path: "greet", args: []any{""}, errMsg: "name required"},
		{name: "error only", path: "fail", errMsg: "always fails"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := invoke(t, r, tt.path, tt.args, tt.kwargs)
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBindRejectsBadShapes(t *testing.T) {
	r := NewRegistry()
	err := r.Mount("", &badNames{})
	assert.ErrorContains(t, err, "parameter names")

	err = r.Mount("", badResults{})
	assert.ErrorContains(t, err, "second result must be error")

	assert.Error(t, r.Mount("x", nil))
}

type badNames struct{}

func (*badNames) ParamNames() map[string][]string {
	return map[string][]string{"Add": {"a"}}
}

func (*badNames) Add(a, b int64) int64 { return a + b }

type badResults struct{}

func (badResults) Pair() (int, int) { return 1, 2 }

func TestSnakeCase(t *testing.T) {
	for in, want := range map[string]string{
		"Add":        "add",
		"DumpStacks": "dump_stacks",
		"HTTPAddr":   "http_addr",
		"GetV2Item":  "get_v2_item",
		"ID":         "id",
	} {
		assert.Equal(t, want, snakeCase(in), in)
	}
}
