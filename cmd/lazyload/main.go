package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/e2b-dev/lazyload/internal/cfg"
	"github.com/e2b-dev/lazyload/internal/loader"
	"github.com/e2b-dev/lazyload/internal/loader/runner"
	"github.com/e2b-dev/lazyload/internal/loader/trace"
	"github.com/e2b-dev/lazyload/internal/logger"
	"github.com/e2b-dev/lazyload/internal/program"
	"github.com/e2b-dev/lazyload/internal/telemetry"
)

func main() {
	config, err := cfg.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %s", err)
	}

	debug := flag.Bool("debug", config.Debug, "debug logging")
	verify := flag.Bool("verify", config.Verify, "compare every touched page with the backing file")
	tracePath := flag.String("trace", config.TracePath, "write the handled faults as JSON to this file")
	flag.Func("touch", "comma separated link time addresses to touch instead of every page", func(value string) error {
		config.Touch = config.Touch[:0]

		for _, part := range strings.Split(value, ",") {
			addr, err := cfg.ParseAddr(strings.TrimSpace(part))
			if err != nil {
				return err
			}

			config.Touch = append(config.Touch, addr.(cfg.Addr))
		}

		return nil
	})

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <executable> [args...]\n", os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	path := flag.Arg(0)
	args := flag.Args()[1:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l := logger.NewLogger(logger.LoggerConfig{
		ServiceName:   config.ServiceName,
		IsDebug:       *debug,
		IsDevelopment: config.LogDevelopment,
	})
	defer l.Sync()

	zap.ReplaceGlobals(l)

	if err := run(ctx, l, config, path, args, *verify, *tracePath); err != nil {
		l.Error("lazyload failed", zap.Error(err))
		_ = l.Sync()

		os.Exit(1)
	}
}

func run(ctx context.Context, l *zap.Logger, config cfg.Config, path string, args []string, verify bool, tracePath string) error {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	otel.SetMeterProvider(provider)

	recorder := trace.NewEventRecorder(config.TraceFaults || tracePath != "")

	addrs := make([]uintptr, 0, len(config.Touch))
	for _, a := range config.Touch {
		addrs = append(addrs, uintptr(a))
	}

	// The probe needs the page size recorded by Initialize.
	var probe *runner.Probe

	if err := loader.Initialize(ctx,
		loader.WithLogger(l),
		loader.WithRunner(runner.Func(func(ctx context.Context, exe *program.Executable, args []string) error {
			return probe.Run(ctx, exe, args)
		})),
		loader.WithRecorder(recorder),
	); err != nil {
		return fmt.Errorf("failed to initialize loader: %w", err)
	}
	defer func() {
		if err := loader.Shutdown(); err != nil {
			l.Warn("failed to shut down loader", zap.Error(err))
		}
	}()

	probe = runner.NewProbe(loader.Default().PageSize(), l, runner.WithVerify(verify), runner.WithAddrs(addrs...))

	if err := loader.Execute(ctx, path, args); err != nil {
		return err
	}

	if report := probe.Report(); report != nil {
		printReport(report)

		if n := report.Mismatches(); n > 0 {
			return fmt.Errorf("%d pages differ from %s", n, path)
		}
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		l.Warn("failed to collect metrics", zap.Error(err))
	} else {
		totals := telemetry.Totals(rm)
		l.Info("fault totals",
			zap.Int64("populated", totals[string(telemetry.FaultPopulatedMeterName)]),
			zap.Int64("delegated", totals[string(telemetry.FaultDelegatedMeterName)]),
			zap.Int64("stale", totals[string(telemetry.FaultStaleMeterName)]),
		)
	}

	if tracePath != "" {
		if err := writeTrace(tracePath, recorder.Events()); err != nil {
			return err
		}
	}

	return nil
}

func printReport(report *runner.Report) {
	fmt.Printf("\nSEGMENTS\n")
	fmt.Printf("========\n")

	for _, s := range report.Segments {
		fmt.Printf("%#016x %s %10s  touched %4d  digest %016x  mismatches %d\n",
			s.Vaddr, s.Perm, humanize.IBytes(uint64(s.MemSize)), s.Touched, s.Digest, len(s.Mismatches))
	}

	fmt.Printf("\nTouched %d pages, skipped %d\n", report.Touched, report.Skipped)
}

func writeTrace(path string, events []trace.Event) error {
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode trace: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write trace: %w", err)
	}

	return nil
}
