// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package funcserver

import (
	"context"
	"fmt"
)

// Client owns a transport and the codec every call is encoded with. Proxies
// returned by Attr and Path share it.
type Client struct {
	transport Transport
	codec     Codec
}

// NewClient wraps an already-open transport.
func NewClient(t Transport, opts ...DialOption) *Client {
	return newClient(t, newDialConfig(opts))
}

func newClient(t Transport, o *DialConfig) *Client {
	return &Client{transport: t, codec: o.Formats.Resolve(o.Format)}
}

// Format returns the name of the format calls are encoded in.
func (c *Client) Format() string {
	return c.codec.Name()
}

// Root returns the proxy for the empty path.
func (c *Client) Root() Proxy {
	return Proxy{client: c}
}

// Attr returns the proxy for a top-level name.
func (c *Client) Attr(name string) Proxy {
	return c.Root().Attr(name)
}

// Path returns the proxy for a full dotted path.
func (c *Client) Path(path string) Proxy {
	return Proxy{client: c, path: path}
}

// StartBatch returns a root proxy whose calls are buffered until Execute.
func (c *Client) StartBatch() Proxy {
	return c.Root().StartBatch()
}

// Close closes the transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

// roundTrip encodes v, sends it, and decodes the reply.
func (c *Client) roundTrip(ctx context.Context, v any) (any, error) {
	body, err := c.codec.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out, err := c.transport.RoundTrip(ctx, c.codec.Name(), body)
	if err != nil {
		return nil, err
	}
	reply, err := c.codec.Decode(out)
	if err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	return reply, nil
}

func (c *Client) call(ctx context.Context, call CallEnvelope) (any, error) {
	reply, err := c.roundTrip(ctx, call.value())
	if err != nil {
		return nil, err
	}
	res, err := parseResult(reply)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, &RemoteError{Path: call.Path, Message: fmt.Sprint(res.Result)}
	}
	return res.Result, nil
}

func (c *Client) batch(ctx context.Context, calls []CallEnvelope) ([]any, error) {
	reply, err := c.roundTrip(ctx, batchValue(calls))
	if err != nil {
		return nil, err
	}
	list, ok := reply.([]any)
	if !ok {
		return nil, malformed("batch reply is %T, want list", reply)
	}
	if len(list) != len(calls) {
		return nil, malformed("batch reply has %d results for %d calls", len(list), len(calls))
	}
	return list, nil
}
