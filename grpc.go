// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package funcserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	grpcServiceName = "funcserver.RPC"
	grpcCallMethod  = "/" + grpcServiceName + "/Call"

	// FormatMetadataKey carries the format name of a gRPC call.
	FormatMetadataKey = "x-funcserver-format"
)

// rawFrame is an already-encoded message body; gRPC moves it untouched.
type rawFrame struct {
	data []byte
}

// rawCodec lets request and reply bodies keep their negotiated format
// instead of being wrapped in protobuf.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch f := v.(type) {
	case *rawFrame:
		return f.data, nil
	case []byte:
		return f, nil
	default:
		return nil, fmt.Errorf("grpc raw codec: cannot marshal %T", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*rawFrame)
	if !ok {
		return fmt.Errorf("grpc raw codec: cannot unmarshal into %T", v)
	}
	f.data = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Name() string {
	return "funcserver"
}

var rpcServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*StreamHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: grpcCallHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "funcserver.proto",
}

func grpcCallHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(rawFrame)
	if err := dec(in); err != nil {
		return nil, err
	}
	var format string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(FormatMetadataKey); len(v) > 0 {
			format = v[0]
		}
	}
	handler := func(ctx context.Context, req any) (any, error) {
		out, err := srv.(StreamHandler).HandleStream(ctx, format, req.(*rawFrame).data)
		if err != nil {
			if errors.Is(err, ErrMalformedPayload) {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}
			return nil, status.FromContextError(err).Err()
		}
		return &rawFrame{data: out}, nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: grpcCallMethod}
	return interceptor(ctx, in, info, handler)
}

// NewGRPCServer returns a gRPC server exposing handler as funcserver.RPC/Call.
func NewGRPCServer(handler StreamHandler, log zerolog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ForceServerCodec(rawCodec{}),
		grpc.ChainUnaryInterceptor(grpcLogInterceptor(log)),
	}, opts...)
	s := grpc.NewServer(opts...)
	s.RegisterService(&rpcServiceDesc, handler)
	return s
}

func grpcLogInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		event := log.Debug()
		if err != nil {
			event = log.Warn().Err(err)
		}
		event.
			Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("grpc_request")
		return resp, err
	}
}

// grpcTransport is the client side of funcserver.RPC/Call.
type grpcTransport struct {
	conn *grpc.ClientConn
}

// DialGRPC creates a gRPC client transport for addr (host:port).
func DialGRPC(addr string, opts ...grpc.DialOption) (Transport, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	return &grpcTransport{conn: conn}, nil
}

func (t *grpcTransport) RoundTrip(ctx context.Context, format string, body []byte) ([]byte, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, FormatMetadataKey, format)
	out := new(rawFrame)
	err := t.conn.Invoke(ctx, grpcCallMethod, &rawFrame{data: body}, out, grpc.ForceCodec(rawCodec{}))
	if err != nil {
		if status.Code(err) == codes.InvalidArgument {
			return nil, fmt.Errorf("%w: %s", ErrMalformedPayload, status.Convert(err).Message())
		}
		return nil, fmt.Errorf("grpc call: %w", err)
	}
	return out.data, nil
}

func (t *grpcTransport) Close() error {
	return t.conn.Close()
}
