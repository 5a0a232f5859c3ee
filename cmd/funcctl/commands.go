// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/scott-cotton/cli"

	"github.com/luxfi/funcserver"
)

type MainConfig struct {
	Main *cli.Command

	Target  string `cli:"name=target desc='server url: http://, tcp://, grpc://, jsonrpc+http://'"`
	Format  string `cli:"name=format desc='wire format: msgpack, json, expr'"`
	NoColor bool   `cli:"name=no-color desc='disable colored output'"`
}

func MainCommand() *cli.Command {
	cfg := &MainConfig{Target: "http://localhost:9345"}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Main, "funcctl").
		WithSynopsis("funcctl [-target <url>] [-format <name>] <call|batch|logs|console> ...").
		WithDescription("funcctl calls a funcserver and watches its event channel.").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return mainRun(cfg, cc, args)
		}).
		WithSubs(
			CallCommand(cfg),
			BatchCommand(cfg),
			LogsCommand(cfg),
			ConsoleCommand(cfg))
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

func (cfg *MainConfig) colors(w io.Writer) {
	f, ok := w.(*os.File)
	color.NoColor = cfg.NoColor || !ok || !isatty.IsTerminal(f.Fd())
}

func (cfg *MainConfig) dial(ctx context.Context) (*funcserver.Client, error) {
	var opts []funcserver.DialOption
	if cfg.Format != "" {
		opts = append(opts, funcserver.WithFormat(cfg.Format))
	}
	return funcserver.Dial(ctx, cfg.Target, opts...)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

type CallConfig struct {
	*MainConfig
	Call *cli.Command
}

func CallCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &CallConfig{MainConfig: mainCfg}
	return cli.NewCommandAt(&cfg.Call, "call").
		WithSynopsis("call <path> [arg ...] [name=arg ...]").
		WithDescription("call one function; args are literals such as 10, 2.5, \"s\", [1, 2], {a: 1}").
		WithRun(func(cc *cli.Context, args []string) error {
			return call(cfg, cc, args)
		})
}

var kwargRe = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9_]*)=(.*)$`)

// parseArgs splits command line arguments into positional and keyword
// literals.
func parseArgs(raw []string) ([]any, map[string]any, error) {
	var args []any
	var kwargs map[string]any
	for _, a := range raw {
		if m := kwargRe.FindStringSubmatch(a); m != nil {
			v, err := funcserver.ParseLiteral(m[2])
			if err != nil {
				return nil, nil, fmt.Errorf("%w: argument %s: %w", cli.ErrUsage, m[1], err)
			}
			if kwargs == nil {
				kwargs = make(map[string]any)
			}
			kwargs[m[1]] = v
			continue
		}
		v, err := funcserver.ParseLiteral(a)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: argument %q: %w", cli.ErrUsage, a, err)
		}
		args = append(args, v)
	}
	return args, kwargs, nil
}

func call(cfg *CallConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Call.Parse(cc, args)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return fmt.Errorf("%w: call requires a function path", cli.ErrUsage)
	}
	params, kwargs, err := parseArgs(args[1:])
	if err != nil {
		return err
	}
	cfg.colors(cc.Out)

	ctx, stop := signalContext()
	defer stop()
	client, err := cfg.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	v, err := client.Path(args[0]).CallKw(ctx, kwargs, params...)
	if err != nil {
		var remote *funcserver.RemoteError
		if errors.As(err, &remote) {
			fmt.Fprintln(cc.Out, color.RedString("error: %s", remote.Message))
			return cli.ExitCodeErr(1)
		}
		return err
	}
	fmt.Fprintln(cc.Out, color.GreenString("%s", literal(v)))
	return nil
}

type BatchConfig struct {
	*MainConfig
	Batch *cli.Command
}

func BatchCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &BatchConfig{MainConfig: mainCfg}
	return cli.NewCommandAt(&cfg.Batch, "batch").
		WithSynopsis("batch 'path(arg, ...)' ...").
		WithDescription("send several calls as one batch; failed calls print as nil").
		WithRun(func(cc *cli.Context, args []string) error {
			return batch(cfg, cc, args)
		})
}

// parseCallExpr splits "ns.sub(5, 2)" into its path and argument list.
func parseCallExpr(s string) (string, []any, error) {
	s = strings.TrimSpace(s)
	open := strings.IndexByte(s, '(')
	if open <= 0 || !strings.HasSuffix(s, ")") {
		return "", nil, fmt.Errorf("%w: %q is not of the form path(args)", cli.ErrUsage, s)
	}
	v, err := funcserver.ParseLiteral("[" + s[open+1:len(s)-1] + "]")
	if err != nil {
		return "", nil, fmt.Errorf("%w: %q: %w", cli.ErrUsage, s, err)
	}
	return strings.TrimSpace(s[:open]), v.([]any), nil
}

func batch(cfg *BatchConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Batch.Parse(cc, args)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return fmt.Errorf("%w: batch requires at least one call", cli.ErrUsage)
	}
	cfg.colors(cc.Out)

	ctx, stop := signalContext()
	defer stop()
	client, err := cfg.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	root := client.StartBatch()
	for _, a := range args {
		path, params, err := parseCallExpr(a)
		if err != nil {
			return err
		}
		if _, err := root.Attr(path).Call(ctx, params...); err != nil {
			return err
		}
	}
	results, err := root.Execute(ctx)
	if err != nil {
		return err
	}
	for i, v := range results {
		text := literal(v)
		if v == nil {
			text = color.YellowString("%s", text)
		} else {
			text = color.GreenString("%s", text)
		}
		fmt.Fprintf(cc.Out, "%s %s\n", color.HiBlackString("%s", args[i]), text)
	}
	return nil
}

type LogsConfig struct {
	*MainConfig
	Logs *cli.Command

	URL string `cli:"name=url desc='event channel url (default ws://<target host>/ws)'"`
}

func LogsCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &LogsConfig{MainConfig: mainCfg}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Logs, "logs").
		WithSynopsis("logs [-url ws://host:port/ws]").
		WithDescription("stream server log lines").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return logs(cfg, cc, args)
		})
}

func eventsURL(target, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	i := strings.Index(target, "://")
	if i < 0 {
		return "ws://" + strings.TrimSuffix(target, "/") + "/ws", nil
	}
	scheme, rest := target[:i], target[i+3:]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	switch scheme {
	case "https", "jsonrpc+https":
		return "wss://" + rest + "/ws", nil
	case "http", "jsonrpc+http":
		return "ws://" + rest + "/ws", nil
	default:
		return "", fmt.Errorf("%w: -url required for %s targets", cli.ErrUsage, scheme)
	}
}

func logs(cfg *LogsConfig, cc *cli.Context, args []string) error {
	if _, err := cfg.Logs.Parse(cc, args); err != nil {
		return err
	}
	url, err := eventsURL(cfg.Target, cfg.URL)
	if err != nil {
		return err
	}
	cfg.colors(cc.Out)

	ctx, stop := signalContext()
	defer stop()
	events, err := funcserver.DialEvents(ctx, url)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		events.Close()
	}()

	var last int64 = -1
	for {
		ev, err := events.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if ev.Kind != funcserver.EventLog {
			continue
		}
		if last >= 0 && ev.ID != last+1 {
			fmt.Fprintln(cc.Out, color.YellowString("-- skipped %d events --", ev.ID-last-1))
		}
		last = ev.ID
		fmt.Fprintf(cc.Out, "%s %s\n", color.HiBlackString("%6d", ev.ID), ev.Data)
	}
}

type ConsoleConfig struct {
	*MainConfig
	Console *cli.Command

	URL string `cli:"name=url desc='event channel url (default ws://<target host>/ws)'"`
}

func ConsoleCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &ConsoleConfig{MainConfig: mainCfg}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Console, "console").
		WithSynopsis("console [-url ws://host:port/ws]").
		WithDescription("interactive console: expressions, name = expr, call(path, args...), stats()").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return console(cfg, cc, args)
		})
}

func console(cfg *ConsoleConfig, cc *cli.Context, args []string) error {
	if _, err := cfg.Console.Parse(cc, args); err != nil {
		return err
	}
	url, err := eventsURL(cfg.Target, cfg.URL)
	if err != nil {
		return err
	}
	cfg.colors(cc.Out)

	ctx, stop := signalContext()
	defer stop()
	events, err := funcserver.DialEvents(ctx, url)
	if err != nil {
		return err
	}
	defer events.Close()

	replies := make(chan funcserver.Event)
	go func() {
		defer close(replies)
		for {
			ev, err := events.Next()
			if err != nil {
				return
			}
			if ev.Kind == funcserver.EventConsole {
				replies <- ev
			}
		}
	}()

	in := bufio.NewScanner(cc.In)
	var id int64
	for {
		fmt.Fprint(cc.Out, color.CyanString(">>> "))
		if !in.Scan() {
			fmt.Fprintln(cc.Out)
			return in.Err()
		}
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}
		id++
		if err := events.Console(id, line); err != nil {
			return err
		}
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-replies:
				if !ok {
					return errors.New("connection closed")
				}
				if ev.ID != id {
					continue
				}
				if strings.HasPrefix(ev.Data, "error: ") {
					fmt.Fprintln(cc.Out, color.RedString("%s", ev.Data))
				} else if ev.Data != "" {
					fmt.Fprintln(cc.Out, ev.Data)
				}
			}
			break
		}
	}
}

func literal(v any) string {
	b, err := funcserver.ExprCodec{}.Encode(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
