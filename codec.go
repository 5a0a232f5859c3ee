// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package funcserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/vmihailenko/msgpack/v5"
)

// Format names.
const (
	FormatMsgpack = "msgpack"
	FormatJSON    = "json"
	FormatExpr    = "expr"
)

// DefaultFormat is used when neither side names a format.
const DefaultFormat = FormatMsgpack

// Codec encodes/decodes wire values for one negotiated format.
type Codec interface {
	Name() string
	MIME() string
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// Formats resolves format names to codecs. The set of formats is closed;
// only the default is configurable.
type Formats struct {
	mu     sync.RWMutex
	codecs map[string]Codec
	def    string
}

// NewFormats returns the builtin formats with def as the fallback.
func NewFormats(def string) (*Formats, error) {
	f := &Formats{codecs: make(map[string]Codec)}
	f.register(MsgpackCodec{})
	f.register(JSONCodec{})
	f.register(ExprCodec{})
	if def == "" {
		def = DefaultFormat
	}
	if _, ok := f.codecs[def]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, def)
	}
	f.def = def
	return f, nil
}

// MustFormats is NewFormats for statically known names.
func MustFormats(def string) *Formats {
	f, err := NewFormats(def)
	if err != nil {
		panic(err)
	}
	return f
}

func (f *Formats) register(c Codec) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codecs[c.Name()] = c
}

// Lookup returns the codec for name or ErrUnknownFormat.
func (f *Formats) Lookup(name string) (Codec, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.codecs[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
	return c, nil
}

// Resolve returns the codec for name, falling back to the default when the
// name is empty or unknown.
func (f *Formats) Resolve(name string) Codec {
	if c, err := f.Lookup(name); err == nil {
		return c
	}
	return f.Default()
}

// Default returns the fallback codec.
func (f *Formats) Default() Codec {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.codecs[f.def]
}

// Names returns the available format names, sorted.
func (f *Formats) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.codecs))
	for name := range f.codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MsgpackCodec is the compact binary map format.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return FormatMsgpack }
func (MsgpackCodec) MIME() string { return "application/x-msgpack" }

func (MsgpackCodec) Encode(v any) ([]byte, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	enc.UseCompactInts(true)
	if err := enc.Encode(n); err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Decode(data []byte) (any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	v, err := dec.DecodeInterface()
	if err != nil {
		return nil, malformed("msgpack: %v", err)
	}
	if _, err := dec.PeekCode(); !errors.Is(err, io.EOF) {
		return nil, malformed("msgpack: trailing data")
	}
	n, err := Normalize(v)
	if err != nil {
		return nil, malformed("msgpack: %v", err)
	}
	return n, nil
}

// JSONCodec is the text JSON format. Integers and floats stay distinct:
// floats are always written with a fraction or exponent.
type JSONCodec struct{}

func (JSONCodec) Name() string { return FormatJSON }
func (JSONCodec) MIME() string { return "application/json" }

func (JSONCodec) Encode(v any) ([]byte, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	j, err := jsonValue(n)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(j); err != nil {
		return nil, fmt.Errorf("json encode: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

func (JSONCodec) Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, malformed("json: %v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, malformed("json: trailing data")
	}
	n, err := Normalize(v)
	if err != nil {
		return nil, malformed("json: %v", err)
	}
	return n, nil
}

// jsonValue swaps float64 for json.Number so whole floats keep their fraction.
func jsonValue(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		s, err := formatFloat(x)
		if err != nil {
			return nil, err
		}
		return json.Number(s), nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			j, err := jsonValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = j
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			j, err := jsonValue(e)
			if err != nil {
				return nil, err
			}
			out[k] = j
		}
		return out, nil
	}
	return v, nil
}

// formatFloat renders f in its shortest exact form, always with a '.' or an
// exponent so decoders read it back as a float.
func formatFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedValue, f)
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s, nil
}
