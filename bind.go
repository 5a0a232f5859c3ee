// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package funcserver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"slices"
)

// ParamNamer lets an API object name the parameters of its methods so
// callers can pass them as keyword arguments. Keys are Go method names.
type ParamNamer interface {
	ParamNames() map[string][]string
}

var (
	ctxType     = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType     = reflect.TypeOf((*error)(nil)).Elem()
	mappingType = reflect.TypeOf((*Mapping)(nil)).Elem()
	namerType   = reflect.TypeOf((*ParamNamer)(nil)).Elem()
)

// introspect walks obj once and returns the callables and mappings it exposes.
func introspect(prefix string, obj any) (map[string]Func, map[string]Mapping, error) {
	if obj == nil {
		return nil, nil, errors.New("nil object")
	}
	w := &walker{
		funcs: make(map[string]Func),
		maps:  make(map[string]Mapping),
		seen:  make(map[uintptr]bool),
	}
	if err := w.walk(prefix, reflect.ValueOf(obj)); err != nil {
		return nil, nil, err
	}
	return w.funcs, w.maps, nil
}

type walker struct {
	funcs map[string]Func
	maps  map[string]Mapping
	seen  map[uintptr]bool
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

func (w *walker) walk(prefix string, rv reflect.Value) error {
	if rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		if w.seen[rv.Pointer()] {
			return nil
		}
		w.seen[rv.Pointer()] = true
	}

	t := rv.Type()
	isMapping := t.Implements(mappingType)
	if isMapping && prefix != "" {
		w.maps[prefix] = rv.Interface().(Mapping)
	}
	var names map[string][]string
	if t.Implements(namerType) {
		names = rv.Interface().(ParamNamer).ParamNames()
	}

	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if skipMethod(m.Name, isMapping) {
			continue
		}
		fn, err := bindMethod(rv.Method(i), m.Name, names[m.Name])
		if err != nil {
			return fmt.Errorf("%s: %w", joinPath(prefix, m.Name), err)
		}
		w.funcs[joinPath(prefix, snakeCase(m.Name))] = fn
	}

	sv := rv
	if sv.Kind() == reflect.Pointer {
		sv = sv.Elem()
	}
	if sv.Kind() != reflect.Struct {
		return nil
	}
	st := sv.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if !f.IsExported() || f.Anonymous {
			continue
		}
		name := snakeCase(f.Name)
		if tag, ok := f.Tag.Lookup("funcserver"); ok {
			if tag == "-" {
				continue
			}
			name = tag
		}
		switch f.Type.Kind() {
		case reflect.Pointer, reflect.Interface, reflect.Struct:
		default:
			continue
		}
		if err := w.walk(joinPath(prefix, name), sv.Field(i)); err != nil {
			return err
		}
	}
	return nil
}

func skipMethod(name string, isMapping bool) bool {
	if name == "ParamNames" {
		return true
	}
	if !isMapping {
		return false
	}
	switch name {
	case "GetItem", "SetItem", "DelItem", "Contains", "Len":
		return true
	}
	return false
}

type methodShape struct {
	name     string
	fn       reflect.Value
	hasCtx   bool
	params   []reflect.Type // excluding ctx
	variadic bool
	names    []string
	structIn bool
	errOnly  bool
	nOut     int
}

// bindMethod adapts a bound method value to Func.
func bindMethod(fn reflect.Value, name string, names []string) (Func, error) {
	t := fn.Type()
	s := &methodShape{name: snakeCase(name), fn: fn, variadic: t.IsVariadic(), names: names}
	for i := 0; i < t.NumIn(); i++ {
		if i == 0 && t.In(0) == ctxType {
			s.hasCtx = true
			continue
		}
		s.params = append(s.params, t.In(i))
	}
	switch t.NumOut() {
	case 0:
	case 1:
		s.errOnly = t.Out(0) == errType
	case 2:
		if t.Out(1) != errType {
			return nil, errors.New("second result must be error")
		}
	default:
		return nil, fmt.Errorf("%d results", t.NumOut())
	}
	s.nOut = t.NumOut()
	if len(s.params) == 1 && !s.variadic {
		p := s.params[0]
		if p.Kind() == reflect.Pointer {
			p = p.Elem()
		}
		s.structIn = p.Kind() == reflect.Struct
	}
	if len(names) > 0 && len(names) != len(s.params) {
		return nil, fmt.Errorf("%d parameter names for %d parameters", len(names), len(s.params))
	}
	return s.call, nil
}

func (s *methodShape) call(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	var in []reflect.Value
	var err error
	if s.structIn {
		in, err = s.bindStruct(args, kwargs)
	} else {
		in, err = s.bindPositional(args, kwargs)
	}
	if err != nil {
		return nil, err
	}
	if s.hasCtx {
		in = append([]reflect.Value{reflect.ValueOf(&ctx).Elem()}, in...)
	}
	out := s.fn.Call(in)

	switch {
	case s.nOut == 0:
		return nil, nil
	case s.errOnly:
		return nil, asError(out[0])
	case s.nOut == 2:
		if err := asError(out[1]); err != nil {
			return nil, err
		}
	}
	v, err := Normalize(out[0].Interface())
	if err != nil {
		return nil, fmt.Errorf("%s: result: %w", s.name, err)
	}
	return v, nil
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}

func (s *methodShape) bindPositional(args []any, kwargs map[string]any) ([]reflect.Value, error) {
	fixed := len(s.params)
	if s.variadic {
		fixed--
	}
	if len(args) > fixed && !s.variadic {
		return nil, fmt.Errorf("%s() takes %d positional arguments but %d were given", s.name, fixed, len(args))
	}
	if len(kwargs) > 0 && len(s.names) == 0 {
		return nil, fmt.Errorf("%s() takes no keyword arguments", s.name)
	}

	used := 0
	in := make([]reflect.Value, 0, len(args))
	for i := 0; i < fixed; i++ {
		var raw any
		switch {
		case i < len(args):
			raw = args[i]
			if len(s.names) > 0 {
				if _, dup := kwargs[s.names[i]]; dup {
					return nil, fmt.Errorf("%s() got multiple values for argument %q", s.name, s.names[i])
				}
			}
		case len(s.names) > 0:
			v, ok := kwargs[s.names[i]]
			if !ok {
				return nil, fmt.Errorf("%s() missing argument %q", s.name, s.names[i])
			}
			raw = v
			used++
		default:
			return nil, fmt.Errorf("%s() missing positional argument %d", s.name, i)
		}
		v, err := convertValue(raw, s.params[i])
		if err != nil {
			return nil, fmt.Errorf("%s() argument %d: %w", s.name, i, err)
		}
		in = append(in, v)
	}
	if used != len(kwargs) {
		for k := range kwargs {
			if !slices.Contains(s.names[:fixed], k) {
				return nil, fmt.Errorf("%s() got an unexpected keyword argument %q", s.name, k)
			}
		}
	}
	if s.variadic {
		elem := s.params[len(s.params)-1].Elem()
		for i := fixed; i < len(args); i++ {
			v, err := convertValue(args[i], elem)
			if err != nil {
				return nil, fmt.Errorf("%s() argument %d: %w", s.name, i, err)
			}
			in = append(in, v)
		}
	}
	return in, nil
}

func (s *methodShape) bindStruct(args []any, kwargs map[string]any) ([]reflect.Value, error) {
	pt := s.params[0]
	st := pt
	if st.Kind() == reflect.Pointer {
		st = st.Elem()
	}
	sv := reflect.New(st).Elem()

	type field struct {
		index int
		name  string
	}
	var fields []field
	for i := 0; i < st.NumField(); i++ {
		if name, ok := fieldName(st.Field(i)); ok {
			fields = append(fields, field{i, name})
		}
	}
	if len(args) > len(fields) {
		return nil, fmt.Errorf("%s() takes %d positional arguments but %d were given", s.name, len(fields), len(args))
	}
	set := make(map[string]bool, len(fields))
	for i, a := range args {
		f := fields[i]
		v, err := convertValue(a, st.Field(f.index).Type)
		if err != nil {
			return nil, fmt.Errorf("%s() argument %q: %w", s.name, f.name, err)
		}
		sv.Field(f.index).Set(v)
		set[f.name] = true
	}
	for k, a := range kwargs {
		idx := -1
		for _, f := range fields {
			if f.name == k {
				idx = f.index
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("%s() got an unexpected keyword argument %q", s.name, k)
		}
		if set[k] {
			return nil, fmt.Errorf("%s() got multiple values for argument %q", s.name, k)
		}
		v, err := convertValue(a, st.Field(idx).Type)
		if err != nil {
			return nil, fmt.Errorf("%s() argument %q: %w", s.name, k, err)
		}
		sv.Field(idx).Set(v)
	}
	if pt.Kind() == reflect.Pointer {
		return []reflect.Value{sv.Addr()}, nil
	}
	return []reflect.Value{sv}, nil
}

// convertValue converts a canonical wire value to t.
func convertValue(v any, t reflect.Type) (reflect.Value, error) {
	if t.Kind() == reflect.Interface {
		if v == nil {
			return reflect.Zero(t), nil
		}
		rv := reflect.ValueOf(v)
		if !rv.Type().Implements(t) {
			return reflect.Value{}, fmt.Errorf("cannot use %T as %s", v, t)
		}
		return rv.Convert(t), nil
	}
	if v == nil {
		switch t.Kind() {
		case reflect.Pointer, reflect.Slice, reflect.Map:
			return reflect.Zero(t), nil
		}
		return reflect.Value{}, fmt.Errorf("cannot use nil as %s", t)
	}

	out := reflect.New(t).Elem()
	mismatch := fmt.Errorf("cannot use %T as %s", v, t)
	switch t.Kind() {
	case reflect.Pointer:
		e, err := convertValue(v, t.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		p := reflect.New(t.Elem())
		p.Elem().Set(e)
		return p, nil
	case reflect.Bool:
		b, ok := v.(bool)
		if !ok {
			return reflect.Value{}, mismatch
		}
		out.SetBool(b)
	case reflect.String:
		s, ok := v.(string)
		if !ok {
			return reflect.Value{}, mismatch
		}
		out.SetString(s)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, ok := integral(v)
		if !ok || out.OverflowInt(i) {
			return reflect.Value{}, mismatch
		}
		out.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		i, ok := integral(v)
		if !ok || i < 0 || out.OverflowUint(uint64(i)) {
			return reflect.Value{}, mismatch
		}
		out.SetUint(uint64(i))
	case reflect.Float32, reflect.Float64:
		switch x := v.(type) {
		case int64:
			out.SetFloat(float64(x))
		case float64:
			out.SetFloat(x)
		default:
			return reflect.Value{}, mismatch
		}
	case reflect.Slice:
		if s, ok := v.(string); ok && t.Elem().Kind() == reflect.Uint8 {
			out.SetBytes([]byte(s))
			break
		}
		list, ok := v.([]any)
		if !ok {
			return reflect.Value{}, mismatch
		}
		out = reflect.MakeSlice(t, len(list), len(list))
		for i, e := range list {
			ev, err := convertValue(e, t.Elem())
			if err != nil {
				return reflect.Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			out.Index(i).Set(ev)
		}
	case reflect.Map:
		m, ok := v.(map[string]any)
		if !ok || t.Key().Kind() != reflect.String {
			return reflect.Value{}, mismatch
		}
		out = reflect.MakeMapWithSize(t, len(m))
		for k, e := range m {
			ev, err := convertValue(e, t.Elem())
			if err != nil {
				return reflect.Value{}, fmt.Errorf("%s: %w", k, err)
			}
			out.SetMapIndex(reflect.ValueOf(k).Convert(t.Key()), ev)
		}
	case reflect.Struct:
		m, ok := v.(map[string]any)
		if !ok {
			return reflect.Value{}, mismatch
		}
		seen := 0
		for i := 0; i < t.NumField(); i++ {
			name, ok := fieldName(t.Field(i))
			if !ok {
				continue
			}
			e, present := m[name]
			if !present {
				continue
			}
			seen++
			ev, err := convertValue(e, t.Field(i).Type)
			if err != nil {
				return reflect.Value{}, fmt.Errorf("%s: %w", name, err)
			}
			out.Field(i).Set(ev)
		}
		if seen != len(m) {
			return reflect.Value{}, fmt.Errorf("unknown fields for %s", t)
		}
	default:
		return reflect.Value{}, mismatch
	}
	return out, nil
}

// integral accepts int64 and whole float64 values.
func integral(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case float64:
		if x != math.Trunc(x) || x < math.MinInt64 || x >= math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	}
	return 0, false
}
