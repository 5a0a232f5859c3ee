// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package funcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// Server wires one process's registry, engine, hub and listeners together.
// Handlers get their collaborators from it; nothing is looked up globally.
type Server struct {
	cfg      Config
	log      zerolog.Logger
	registry *Registry
	stats    *Stats
	engine   *Engine
	hub      *Hub
	metrics  *PrometheusSink
	mux      *http.ServeMux
	handler  http.Handler
}

// NewServer builds a server from cfg. Log lines written through the returned
// server's Logger are also broadcast to /ws observers.
func NewServer(cfg Config, logging *Logging) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	formats, err := NewFormats(cfg.Format)
	if err != nil {
		return nil, err
	}

	stats := NewStats()
	registry := NewRegistry()
	hub := NewHub(
		logging.Base.With().Str("component", "hub").Logger(),
		WithConsoles(SessionFactory(registry, stats)),
	)
	log := logging.Attach(hub)

	exec := NewExecutor(registry, stats, log)
	engine := NewEngine(formats, exec, log,
		WithChunkSize(cfg.ChunkSize),
		WithMaxBody(cfg.MaxBody),
		WithScheduler(NewScheduler(cfg.Workers)),
	)
	if err := registry.Mount("debug", &DebugAPI{stats: stats}); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		log:      log,
		registry: registry,
		stats:    stats,
		engine:   engine,
		hub:      hub,
		metrics:  NewPrometheusSink(cfg.MetricsNamespace),
	}
	jsonrpc, err := NewJSONRPCHandler(engine)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/rpc", engine)
	mux.Handle("/rpc/{format}", engine)
	mux.Handle("/jsonrpc", jsonrpc)
	mux.Handle("/ws", NewWebsocketHandler(hub, log))
	mux.Handle("GET /metrics", s.metrics.Handler())
	s.mux = mux
	s.handler = RequestLogger(log, stats, mux)
	return s, nil
}

// Mount exposes api under prefix; remounting replaces the previous object.
func (s *Server) Mount(prefix string, api any) error {
	return s.registry.Mount(prefix, api)
}

// Handle adds an extra HTTP route next to the builtin endpoints.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Registry returns the server's registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) Stats() *Stats {
	return s.stats
}

func (s *Server) Engine() *Engine {
	return s.engine
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Logger returns the logger whose lines reach /ws observers.
func (s *Server) Logger() zerolog.Logger {
	return s.log
}

// Handler returns the HTTP handler for all endpoints.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run listens on the configured addresses and serves until ctx ends, then
// shuts every listener down.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(ctx, lis)
}

// Serve is Run on an existing HTTP listener.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	statsEvery, _ := s.cfg.StatsEvery()
	sweepEvery, _ := s.cfg.SweepEvery()

	var (
		stream  *StreamServer
		grpcLis net.Listener
	)
	if s.cfg.StreamAddr != "" {
		sl, err := net.Listen("tcp", s.cfg.StreamAddr)
		if err != nil {
			lis.Close()
			return fmt.Errorf("listen stream %s: %w", s.cfg.StreamAddr, err)
		}
		stream = NewStreamServer(sl, s.engine, s.log)
	}
	if s.cfg.GRPCAddr != "" {
		gl, err := net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			lis.Close()
			if stream != nil {
				stream.Close()
			}
			return fmt.Errorf("listen grpc %s: %w", s.cfg.GRPCAddr, err)
		}
		grpcLis = gl
	}

	g, ctx := errgroup.WithContext(ctx)

	httpSrv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.log.Info().Str("addr", lis.Addr().String()).Strs("formats", s.engine.Formats().Names()).Msg("http listening")
	g.Go(func() error {
		if err := httpSrv.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if stream != nil {
		s.log.Info().Str("addr", stream.Addr()).Msg("stream listening")
		g.Go(func() error { return stream.Serve(ctx) })
		g.Go(func() error {
			<-ctx.Done()
			return stream.Close()
		})
	}
	if grpcLis != nil {
		gs := NewGRPCServer(s.engine, s.log)
		s.log.Info().Str("addr", grpcLis.Addr().String()).Msg("grpc listening")
		g.Go(func() error {
			if err := gs.Serve(grpcLis); !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			gs.GracefulStop()
			return nil
		})
	}

	g.Go(func() error {
		s.stats.Run(ctx, statsEvery, MultiSink{s.metrics, LogSink{Log: s.log}})
		return nil
	})
	g.Go(func() error {
		s.hub.Run(ctx, sweepEvery)
		return nil
	})

	err := g.Wait()
	s.log.Info().Msg("server stopped")
	return err
}
