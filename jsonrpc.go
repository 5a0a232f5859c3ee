// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package funcserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
)

// JSONRPCService exposes the engine to JSON-RPC 2.0 clients as RPC.Call
// (params: one call envelope) and RPC.Batch (params: a list of envelopes).
// Replies are the same wire values the other transports return.
type JSONRPCService struct {
	engine *Engine
}

// Call runs a single call envelope.
func (s *JSONRPCService) Call(r *http.Request, args *json.RawMessage, reply *json.RawMessage) error {
	return s.dispatch(r.Context(), *args, reply)
}

// Batch runs a list of call envelopes in order.
func (s *JSONRPCService) Batch(r *http.Request, args *json.RawMessage, reply *json.RawMessage) error {
	body := make([]byte, 0, len(*args)+32)
	body = append(body, `{"fn":"`+BatchPath+`","calls":`...)
	body = append(body, *args...)
	body = append(body, '}')
	return s.dispatch(r.Context(), body, reply)
}

func (s *JSONRPCService) dispatch(ctx context.Context, body []byte, reply *json.RawMessage) error {
	resp, err := s.engine.Dispatch(ctx, FormatJSON, body)
	if err != nil {
		if errors.Is(err, ErrMalformedPayload) {
			return &json2.Error{Code: json2.E_BAD_PARAMS, Message: err.Error()}
		}
		return err
	}
	*reply = resp.Body
	return nil
}

// NewJSONRPCHandler returns the HTTP handler serving the JSON-RPC endpoint.
func NewJSONRPCHandler(engine *Engine) (http.Handler, error) {
	s := rpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.RegisterService(&JSONRPCService{engine: engine}, "RPC"); err != nil {
		return nil, fmt.Errorf("register jsonrpc service: %w", err)
	}
	return s, nil
}

// CleanlyCloseBody drains and closes an HTTP response body so the underlying
// connection can be reused.
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// jsonRPCTransport speaks JSON-RPC 2.0 to a NewJSONRPCHandler endpoint.
// Request bodies must be json-format envelopes.
type jsonRPCTransport struct {
	client *http.Client
	url    string
}

func (t *jsonRPCTransport) RoundTrip(ctx context.Context, format string, body []byte) ([]byte, error) {
	if format != FormatJSON {
		return nil, fmt.Errorf("jsonrpc transport: %w: %q (only %q)", ErrUnknownFormat, format, FormatJSON)
	}
	var head struct {
		Fn    string          `json:"fn"`
		Calls json.RawMessage `json:"calls"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return nil, malformed("jsonrpc request: %v", err)
	}
	method, params := "RPC.Call", json.RawMessage(body)
	if head.Fn == BatchPath {
		method, params = "RPC.Batch", head.Calls
	}

	var reply json.RawMessage
	if err := sendJSONRequest(ctx, t.client, t.url, method, params, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (t *jsonRPCTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func sendJSONRequest(
	ctx context.Context,
	client *http.Client,
	uri string,
	method string,
	params any,
	reply any,
) error {
	requestBodyBytes, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(requestBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("failed to issue request: %w", err)
	}
	defer CleanlyCloseBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("received status code: %d", resp.StatusCode)
	}
	if err := json2.DecodeClientResponse(resp.Body, reply); err != nil {
		var rpcErr *json2.Error
		if errors.As(err, &rpcErr) && (rpcErr.Code == json2.E_BAD_PARAMS || rpcErr.Code == json2.E_INVALID_REQ) {
			return fmt.Errorf("%w: %s", ErrMalformedPayload, rpcErr.Message)
		}
		return fmt.Errorf("failed to decode client response: %w", err)
	}
	return nil
}
