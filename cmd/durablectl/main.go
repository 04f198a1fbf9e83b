// Command durablectl reads and edits a durable container through the
// configured backend.
//
//	durablectl [-config file] [-metrics] <container> get <key>
//	durablectl [-config file] [-metrics] <container> set <key> <value>
//	durablectl [-config file] [-metrics] <container> add <key> <value>
//	durablectl [-config file] [-metrics] <container> del <key>
//	durablectl [-config file] [-metrics] <container> list
//	durablectl [-config file] [-metrics] <container> clear
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/adeilh/go-durable/config"
	"github.com/adeilh/go-durable/dict"
	promadapter "github.com/adeilh/go-durable/metrics/prometheus"
)

var errUsage = errors.New("usage: durablectl [-config file] [-metrics] <container> get|set|add|del|list|clear [key] [value]")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "durablectl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) (err error) {
	fs := flag.NewFlagSet("durablectl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a YAML or JSON config file")
	showMetrics := fs.Bool("metrics", false, "print container metrics after the command")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) < 2 {
		return errUsage
	}
	name, cmd, params := rest[0], rest[1], rest[2:]

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = *loaded
	}
	logger := cfg.Log.Logger(stderr)

	b, err := config.OpenBackend[string](ctx, cfg.Backend, nil, logger)
	if err != nil {
		return fmt.Errorf("open %s backend: %w", cfg.Backend.Kind, err)
	}

	reg := prometheus.NewRegistry()
	opts := append(cfg.Options(),
		dict.WithThrowOnFailure(true),
		dict.WithLogger(logger),
		dict.WithMetrics(promadapter.New(reg)),
	)
	d, err := dict.New(name, b, opts...)
	if err != nil {
		_ = b.Close()
		return err
	}
	defer func() {
		err = errors.Join(err, d.Dispose(context.WithoutCancel(ctx)))
		if *showMetrics {
			printMetrics(stdout, reg)
		}
	}()

	if err := d.Initialize(ctx); err != nil {
		return err
	}
	return execute(d, cmd, params, stdout)
}

func execute(d *dict.Dict[string], cmd string, params []string, stdout io.Writer) error {
	arity := map[string]int{"get": 1, "set": 2, "add": 2, "del": 1, "list": 0, "clear": 0}
	n, ok := arity[cmd]
	if !ok || len(params) != n {
		return errUsage
	}

	switch cmd {
	case "get":
		v, err := d.Get(params[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, v)
	case "set":
		return d.Set(params[0], params[1])
	case "add":
		return d.Add(params[0], params[1])
	case "del":
		return d.Remove(params[0])
	case "clear":
		return d.Clear()
	case "list":
		snapshot, err := d.Snapshot()
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(snapshot))
		for k := range snapshot {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(stdout, "%s\t%s\n", k, snapshot[k])
		}
	}
	return nil
}

func printMetrics(w io.Writer, reg *prometheus.Registry) {
	families, err := reg.Gather()
	if err != nil {
		slog.Default().Warn("gather metrics", slog.Any("error", err))
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			var value float64
			switch {
			case m.GetCounter() != nil:
				value = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				value = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				value = float64(m.GetHistogram().GetSampleCount())
			}
			fmt.Fprintf(w, "%s{%s} %g\n", mf.GetName(), strings.Join(labels, ","), value)
		}
	}
}
