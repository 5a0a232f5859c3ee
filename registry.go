// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package funcserver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Func is the uniform shape every exposed function is adapted to.
type Func func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Mapping lets a namespace answer the reserved index/containment/length
// suffixes (__getitem__, __setitem__, __delitem__, __contains__, __len__).
type Mapping interface {
	GetItem(key any) (any, error)
	SetItem(key, value any) error
	DelItem(key any) error
	Contains(key any) (bool, error)
	Len() (int, error)
}

// Reserved mapping suffixes.
const (
	SuffixGetItem  = "__getitem__"
	SuffixSetItem  = "__setitem__"
	SuffixDelItem  = "__delitem__"
	SuffixContains = "__contains__"
	SuffixLen      = "__len__"
)

// Registry maps dotted paths to callables. Paths are resolved on every call,
// so mounting a new object under a prefix takes effect for the next call.
type Registry struct {
	mu     sync.RWMutex
	funcs  map[string]Func
	maps   map[string]Mapping
	mounts map[string][]string // prefix -> paths added by Mount
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		funcs:  make(map[string]Func),
		maps:   make(map[string]Mapping),
		mounts: make(map[string][]string),
	}
}

// Register binds path to fn, replacing any previous binding.
func (r *Registry) Register(path string, fn Func) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("register %q: nil func", path)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[path] = fn
	return nil
}

// RegisterMapping exposes m's mapping operations under path.
func (r *Registry) RegisterMapping(path string, m Mapping) error {
	if err := validatePath(path); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maps[path] = m
	return nil
}

// Mount introspects obj and exposes its exported methods and namespace
// fields under prefix (empty prefix mounts at the root). A later Mount with
// the same prefix swaps the whole subtree in one step; a Mount whose paths
// belong to a different prefix or to Register fails and changes nothing.
func (r *Registry) Mount(prefix string, obj any) error {
	if prefix != "" {
		if err := validatePath(prefix); err != nil {
			return err
		}
	}
	funcs, maps, err := introspect(prefix, obj)
	if err != nil {
		return fmt.Errorf("mount %q: %w", prefix, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOverlapLocked(prefix, funcs, maps); err != nil {
		return err
	}
	r.unmountLocked(prefix)
	added := make([]string, 0, len(funcs)+len(maps))
	for path, fn := range funcs {
		r.funcs[path] = fn
		added = append(added, path)
	}
	for path, m := range maps {
		r.maps[path] = m
		added = append(added, path)
	}
	r.mounts[prefix] = added
	return nil
}

// checkOverlapLocked rejects a mount that would take over paths owned by
// another mount or by Register. Paths owned by the same prefix are swapped.
func (r *Registry) checkOverlapLocked(prefix string, funcs map[string]Func, maps map[string]Mapping) error {
	owned := make(map[string]bool, len(r.mounts[prefix]))
	for _, path := range r.mounts[prefix] {
		owned[path] = true
	}
	for _, path := range sortedKeys(funcs) {
		if _, ok := r.funcs[path]; ok && !owned[path] {
			return fmt.Errorf("mount %q: path %q is already registered", prefix, path)
		}
	}
	for _, path := range sortedKeys(maps) {
		if _, ok := r.maps[path]; ok && !owned[path] {
			return fmt.Errorf("mount %q: mapping %q is already registered", prefix, path)
		}
	}
	return nil
}

// Unmount removes everything a previous Mount added under prefix.
func (r *Registry) Unmount(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unmountLocked(prefix)
}

func (r *Registry) unmountLocked(prefix string) {
	for _, path := range r.mounts[prefix] {
		delete(r.funcs, path)
		delete(r.maps, path)
	}
	delete(r.mounts, prefix)
}

// Resolve returns the callable for path or an error matching
// ErrFunctionNotFound. Segments starting with '_' never resolve, except the
// reserved mapping suffixes in final position below a public namespace.
func (r *Registry) Resolve(path string) (Func, error) {
	segs := strings.Split(path, ".")
	last := len(segs) - 1
	for i, seg := range segs {
		if seg == "" {
			return nil, notFound(path, "empty segment")
		}
		if !strings.HasPrefix(seg, "_") {
			continue
		}
		if i == 0 || i != last || !isReservedSuffix(seg) {
			return nil, notFound(path, "private segment "+seg)
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if isReservedSuffix(segs[last]) {
		ns := strings.Join(segs[:last], ".")
		m, ok := r.maps[ns]
		if !ok {
			return nil, notFound(path, ns+" is not a mapping")
		}
		return mappingFunc(m, segs[last]), nil
	}
	fn, ok := r.funcs[path]
	if !ok {
		return nil, notFound(path, "")
	}
	return fn, nil
}

// Paths returns every registered callable path, sorted.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	paths := make([]string, 0, len(r.funcs))
	for p := range r.funcs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrFunctionNotFound)
	}
	for _, seg := range strings.Split(path, ".") {
		if seg == "" || strings.HasPrefix(seg, "_") {
			return fmt.Errorf("invalid path %q: segment %q", path, seg)
		}
	}
	return nil
}

func isReservedSuffix(seg string) bool {
	switch seg {
	case SuffixGetItem, SuffixSetItem, SuffixDelItem, SuffixContains, SuffixLen:
		return true
	}
	return false
}

func mappingFunc(m Mapping, suffix string) Func {
	return func(_ context.Context, args []any, kwargs map[string]any) (any, error) {
		if len(kwargs) > 0 {
			return nil, fmt.Errorf("%s takes no keyword arguments", suffix)
		}
		want := map[string]int{
			SuffixGetItem:  1,
			SuffixSetItem:  2,
			SuffixDelItem:  1,
			SuffixContains: 1,
			SuffixLen:      0,
		}[suffix]
		if len(args) != want {
			return nil, fmt.Errorf("%s takes %d arguments (%d given)", suffix, want, len(args))
		}
		switch suffix {
		case SuffixGetItem:
			v, err := m.GetItem(args[0])
			if err != nil {
				return nil, err
			}
			return Normalize(v)
		case SuffixSetItem:
			return nil, m.SetItem(args[0], args[1])
		case SuffixDelItem:
			return nil, m.DelItem(args[0])
		case SuffixContains:
			return m.Contains(args[0])
		default:
			n, err := m.Len()
			return int64(n), err
		}
	}
}
