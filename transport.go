// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package funcserver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
)

// Transport moves one encoded request body to the server and returns the
// encoded reply. A MalformedPayload rejection from the server is returned as
// an error matching ErrMalformedPayload.
type Transport interface {
	RoundTrip(ctx context.Context, format string, body []byte) ([]byte, error)
	Close() error
}

// Transport schemes understood by Dial.
const (
	SchemeHTTP     = "http"
	SchemeHTTPS    = "https"
	SchemeStream   = "tcp"
	SchemeGRPC     = "grpc"
	SchemeJSONRPC  = "jsonrpc+http"
	SchemeJSONRPCS = "jsonrpc+https"
)

// DialFunc opens a transport for a parsed target URL.
type DialFunc func(ctx context.Context, target *url.URL, o *DialConfig) (Transport, error)

var (
	transportsMu sync.RWMutex
	transports   = map[string]DialFunc{
		SchemeHTTP:     dialHTTP,
		SchemeHTTPS:    dialHTTP,
		SchemeStream:   dialStream,
		SchemeGRPC:     dialGRPC,
		SchemeJSONRPC:  dialJSONRPC,
		SchemeJSONRPCS: dialJSONRPC,
	}
)

// RegisterTransport adds or replaces the dialer for a URL scheme.
func RegisterTransport(scheme string, dial DialFunc) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[scheme] = dial
}

// AvailableTransports returns the registered schemes, sorted.
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	slices.Sort(result)
	return result
}

// HasTransport checks if a scheme is available.
func HasTransport(scheme string) bool {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	_, ok := transports[scheme]
	return ok
}

func lookupTransport(scheme string) (DialFunc, bool) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	d, ok := transports[scheme]
	return d, ok
}

// httpTransport posts bodies to <base>/<format>.
type httpTransport struct {
	client  *http.Client
	base    string
	formats *Formats
}

func dialHTTP(_ context.Context, target *url.URL, o *DialConfig) (Transport, error) {
	u := *target
	if u.Path == "" || u.Path == "/" {
		u.Path = "/rpc"
	}
	return &httpTransport{
		client:  o.HTTPClient,
		base:    strings.TrimSuffix(u.String(), "/"),
		formats: o.Formats,
	}, nil
}

func (t *httpTransport) RoundTrip(ctx context.Context, format string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+"/"+url.PathEscape(format), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if codec, err := t.formats.Lookup(format); err == nil {
		req.Header.Set("Content-Type", codec.MIME())
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to issue request: %w", err)
	}
	defer CleanlyCloseBody(resp.Body)

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("%w: %s", ErrMalformedPayload, strings.TrimSpace(string(out)))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("received status code: %d", resp.StatusCode)
	}
	return out, nil
}

func (t *httpTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func dialStream(ctx context.Context, target *url.URL, _ *DialConfig) (Transport, error) {
	return DialStream(ctx, target.Host)
}

func dialGRPC(_ context.Context, target *url.URL, _ *DialConfig) (Transport, error) {
	return DialGRPC(target.Host)
}

func dialJSONRPC(_ context.Context, target *url.URL, o *DialConfig) (Transport, error) {
	u := *target
	u.Scheme = strings.TrimPrefix(u.Scheme, "jsonrpc+")
	if u.Path == "" || u.Path == "/" {
		u.Path = "/jsonrpc"
	}
	return &jsonRPCTransport{client: o.HTTPClient, url: u.String()}, nil
}
