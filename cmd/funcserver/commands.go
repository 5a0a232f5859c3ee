// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/gops/agent"
	"github.com/scott-cotton/cli"

	"github.com/luxfi/funcserver"
	"github.com/luxfi/funcserver/examples/calc"
)

type MainConfig struct {
	Main *cli.Command
}

func MainCommand() *cli.Command {
	cfg := &MainConfig{}
	return cli.NewCommandAt(&cfg.Main, "funcserver").
		WithSynopsis("funcserver <subcommand> [opts]").
		WithDescription("funcserver exposes an API object over HTTP, stream, gRPC and JSON-RPC.").
		WithRun(func(cc *cli.Context, args []string) error {
			return mainRun(cfg, cc, args)
		}).
		WithSubs(ServeCommand(cfg))
}

func mainRun(cfg *MainConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Main.Parse(cc, args)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return cli.ErrNoCommandProvided
	}
	sub := cfg.Main.FindSub(cc, args[0])
	if sub == nil {
		return fmt.Errorf("%w: %q not found", cli.ErrNoSuchCommand, args[0])
	}
	return sub.Run(cc, args[1:])
}

type ServeConfig struct {
	*MainConfig
	Serve *cli.Command

	ConfigFile      string `cli:"name=config desc='configuration file (.toml, .yaml)'"`
	Host            string `cli:"name=host desc='HTTP listen host'"`
	Port            string `cli:"name=port desc='HTTP listen port (default 9345)'"`
	Format          string `cli:"name=format desc='default wire format: msgpack, json, expr'"`
	LogFile         string `cli:"name=log desc='rotating log file (default funcserver.log)'"`
	LogLevel        string `cli:"name=log-level desc='trace, debug, info, warn, error'"`
	StreamAddr      string `cli:"name=stream desc='framed TCP listen address'"`
	GRPCAddr        string `cli:"name=grpc desc='gRPC listen address'"`
	IgnoreDivByZero bool   `cli:"name=ignore-divbyzero desc='division by zero returns 0'"`
	Gops            bool   `cli:"name=gops desc='start the gops diagnostics agent'"`
}

func ServeCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &ServeConfig{MainConfig: mainCfg}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Serve, "serve").
		WithSynopsis("serve [-config <file>] [-port <port>] [-format <name>] [-ignore-divbyzero]").
		WithDescription("run the calc API server").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return serve(cfg, cc, args)
		})
}

// serverConfig layers flags over the file and environment.
func (cfg *ServeConfig) serverConfig() (funcserver.Config, error) {
	sc, err := funcserver.LoadConfig(cfg.ConfigFile)
	if err != nil {
		return sc, err
	}
	if cfg.Host != "" {
		sc.Host = cfg.Host
	}
	if cfg.Port != "" {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil {
			return sc, fmt.Errorf("%w: -port: %w", cli.ErrUsage, err)
		}
		sc.Port = port
	}
	if cfg.Format != "" {
		sc.Format = cfg.Format
	}
	if cfg.LogFile != "" {
		sc.Log.File = cfg.LogFile
	}
	if sc.Log.File == "" {
		sc.Log.File = "funcserver.log"
	}
	if cfg.LogLevel != "" {
		sc.Log.Level = cfg.LogLevel
	}
	if cfg.StreamAddr != "" {
		sc.StreamAddr = cfg.StreamAddr
	}
	if cfg.GRPCAddr != "" {
		sc.GRPCAddr = cfg.GRPCAddr
	}
	if cfg.Gops {
		sc.Gops = true
	}
	return sc, sc.Validate()
}

func serve(cfg *ServeConfig, cc *cli.Context, args []string) error {
	if _, err := cfg.Serve.Parse(cc, args); err != nil {
		return err
	}
	sc, err := cfg.serverConfig()
	if err != nil {
		return err
	}

	if sc.Gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			fmt.Fprintf(cc.Out, "gops agent failed: %v\n", err)
		}
		defer agent.Close()
	}

	logging := funcserver.NewLogging("funcserver", sc.Log)
	defer logging.Close()

	srv, err := funcserver.NewServer(sc, logging)
	if err != nil {
		return err
	}
	api := calc.New(cfg.IgnoreDivByZero)
	if err := srv.Mount("", api); err != nil {
		return err
	}
	srv.Handle("GET /api/", calc.NewHandler(api))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	fmt.Fprintf(cc.Out, "funcserver listening on %s\n", sc.Addr())
	return srv.Run(ctx)
}
