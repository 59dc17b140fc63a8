// Command mocgen builds a MOC from a JSON5 plan file and prints it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mohammed-shakir/mocgen/internal/builder"
	"github.com/mohammed-shakir/mocgen/internal/cache/redisstore"
	"github.com/mohammed-shakir/mocgen/internal/cache/tilestore"
	"github.com/mohammed-shakir/mocgen/internal/core/observability"
	"github.com/mohammed-shakir/mocgen/internal/frame"
	"github.com/mohammed-shakir/mocgen/internal/jobs"
	"github.com/mohammed-shakir/mocgen/internal/logger"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mocgen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	planPath := fs.String("plan", "", "JSON5 plan file")
	order := fs.Int("order", -1, "target order 0-29, overrides the plan")
	frameName := fs.String("frame", "", "output frame (icrs, galactic, ecliptic), overrides the plan")
	asJSON := fs.Bool("json", false, "print the MOC as JSON instead of ASCII")
	redisAddr := fs.String("redis", "", "redis address for plans that reference stored maps")
	logLevel := fs.String("log-level", "warn", "log level")
	quiet := fs.Bool("q", false, "do not print progress")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *planPath == "" {
		_, _ = fmt.Fprintln(stderr, "mocgen: -plan is required")
		fs.Usage()
		return 2
	}

	zl := logger.Build(logger.Config{Level: *logLevel, Console: true, Service: "mocgen", Component: "cli"}, stderr)
	log := logger.NewSlog(&zl)
	observability.Init(nil, false)

	req, err := loadPlan(*planPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "mocgen: %v\n", err)
		return 1
	}
	if *order >= 0 {
		req.Order = builder.TargetOrder(*order)
	}
	if *frameName != "" {
		f, err := frame.Parse(*frameName)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "mocgen: %v\n", err)
			return 2
		}
		req.Frame = f
	}

	ctx := context.Background()
	var maps jobs.MapSource
	if *redisAddr != "" {
		rc, err := redisstore.New(ctx, *redisAddr)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "mocgen: %v\n", err)
			return 1
		}
		defer func() { _ = rc.Close() }()
		maps = tilestore.New(rc, 0)
	}

	planes, err := req.SourcePlanes(ctx, maps)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "mocgen: %v\n", err)
		return 1
	}
	b, err := builder.New(planes, builder.Options{
		Order:      req.Order,
		Resolution: req.Resolution,
		Frame:      req.Frame,
		Log:        log,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "mocgen: %v\n", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := b.Start(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "mocgen: %v\n", err)
		return 1
	}
	err = waitWithProgress(b, sigCh, stderr, *quiet)
	if err != nil {
		if errors.Is(err, builder.ErrInterrupted) {
			_, _ = fmt.Fprintln(stderr, "mocgen: interrupted")
		} else {
			_, _ = fmt.Fprintf(stderr, "mocgen: %v\n", err)
		}
		return 1
	}

	res, err := b.Result()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "mocgen: %v\n", err)
		return 1
	}
	if *asJSON {
		enc := json.NewEncoder(stdout)
		if err := enc.Encode(res.MOC); err != nil {
			_, _ = fmt.Fprintf(stderr, "mocgen: %v\n", err)
			return 1
		}
	} else {
		_, _ = fmt.Fprintln(stdout, res.MOC.String())
	}
	log.Info("moc written", "cells", res.Cells, "order", res.Order, "frame", res.MOC.Frame().String())
	return 0
}

// waitWithProgress polls the builder until it is terminal. The first signal
// requests a cooperative interrupt.
func waitWithProgress(b *builder.Builder, sigCh <-chan os.Signal, stderr io.Writer, quiet bool) error {
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-b.Done():
			if !quiet {
				_, _ = fmt.Fprintf(stderr, "\rprogress %5.1f%%\n", b.Progress())
			}
			return b.Err()
		case <-sigCh:
			_, _ = fmt.Fprintln(stderr, "\nmocgen: interrupt requested")
			b.RequestInterrupt()
		case <-tick.C:
			if !quiet {
				_, _ = fmt.Fprintf(stderr, "\rprogress %5.1f%%", b.Progress())
			}
		}
	}
}
