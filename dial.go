// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package funcserver

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// DialOption configures client connections.
type DialOption func(*DialConfig)

// DialConfig is the resolved set of dial options handed to a DialFunc.
type DialConfig struct {
	Format     string
	Formats    *Formats
	HTTPClient *http.Client
	Transport  Transport
}

// WithFormat selects the wire format used for every call. Unknown names fall
// back to the default format.
func WithFormat(name string) DialOption {
	return func(o *DialConfig) { o.Format = name }
}

// WithHTTPClient sets the HTTP client used by the http and jsonrpc schemes.
func WithHTTPClient(c *http.Client) DialOption {
	return func(o *DialConfig) { o.HTTPClient = c }
}

// WithTransport bypasses scheme selection and uses t directly.
func WithTransport(t Transport) DialOption {
	return func(o *DialConfig) { o.Transport = t }
}

func newDialConfig(opts []DialOption) *DialConfig {
	o := &DialConfig{
		Formats:    MustFormats(DefaultFormat),
		HTTPClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Dial connects to a server. The target's scheme picks the transport:
//
//	http://host:9345        POST /rpc/<format>
//	tcp://host:9346         framed stream
//	grpc://host:9347        funcserver.RPC/Call
//	jsonrpc+http://host:9345  JSON-RPC 2.0 at /jsonrpc (json format only)
//
// A bare host:port dials http.
func Dial(ctx context.Context, target string, opts ...DialOption) (*Client, error) {
	o := newDialConfig(opts)
	if o.Transport != nil {
		return newClient(o.Transport, o), nil
	}

	u, err := parseTarget(target)
	if err != nil {
		return nil, err
	}
	dial, ok := lookupTransport(u.Scheme)
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", u.Scheme)
	}
	if u.Scheme == SchemeJSONRPC || u.Scheme == SchemeJSONRPCS {
		o.Format = FormatJSON
	}
	t, err := dial(ctx, u, o)
	if err != nil {
		return nil, err
	}
	return newClient(t, o), nil
}

func parseTarget(target string) (*url.URL, error) {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		u, err = url.Parse(SchemeHTTP + "://" + target)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid target %q: %w", target, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid target %q: missing host", target)
	}
	return u, nil
}
