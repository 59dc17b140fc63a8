// Package builder drives a MOC build over an ordered list of input planes.
//
// A Builder moves Idle -> Running -> Succeeded|Failed exactly once. The build
// runs on its own goroutine; State, Progress and ErrorMessage may be polled
// from any goroutine while it runs. The resulting set is only handed out once
// the build has succeeded.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohammed-shakir/mocgen/internal/core/observability"
	"github.com/mohammed-shakir/mocgen/internal/frame"
	"github.com/mohammed-shakir/mocgen/internal/healpix"
	"github.com/mohammed-shakir/mocgen/internal/moc"
	"github.com/mohammed-shakir/mocgen/internal/source"
)

// DefaultOrder is used when neither an order nor a resolution is requested.
const DefaultOrder = 10

var (
	ErrEmptyRegion    = errors.New("empty region")
	ErrInterrupted    = source.ErrInterrupted
	ErrNoPlanes       = errors.New("no planes to build")
	ErrAlreadyStarted = errors.New("build already started")
	ErrNotFinished    = errors.New("build has not succeeded")
)

type State int32

const (
	Idle State = iota
	Running
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool { return s == Succeeded || s == Failed }

// AdapterError reports a plane whose ingestion failed.
type AdapterError struct {
	Plane string
	Kind  source.Kind
	Err   error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("plane %q (%s): %v", e.Plane, e.Kind, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

type Options struct {
	// Order is the target cell order. Nil derives it from Resolution.
	Order *int
	// Resolution in degrees, used when Order is nil.
	Resolution float64
	// MinOrder defaults to moc.DefaultMinOrder.
	MinOrder int
	// Frame of the result; the build itself is accumulated in ICRS.
	Frame            frame.Frame
	MaxScratchPixels uint64
	Log              *slog.Logger
}

// TargetOrder returns n as an explicit Options.Order.
func TargetOrder(n int) *int { return &n }

// ResolveOrder returns the order a build with these options targets.
func (o Options) ResolveOrder() (int, error) {
	var order int
	switch {
	case o.Order != nil:
		order = *o.Order
	case o.Resolution > 0:
		order = healpix.MaxOrderForResolution(o.Resolution)
	default:
		order = DefaultOrder
	}
	if err := healpix.ValidateOrder(order); err != nil {
		return 0, err
	}
	return order, nil
}

// Result is the immutable outcome of a successful build.
type Result struct {
	Order int
	MOC   *moc.Set
	Cells int
	Stats source.Stats
}

type Builder struct {
	planes   []source.Plane
	opts     Options
	order    int
	minOrder int
	log      *slog.Logger

	progress  atomic.Uint64
	interrupt atomic.Bool

	mu     sync.Mutex
	state  State
	err    error
	result *Result
	done   chan struct{}
}

func New(planes []source.Plane, opts Options) (*Builder, error) {
	if len(planes) == 0 {
		return nil, ErrNoPlanes
	}
	for _, p := range planes {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	order, err := opts.ResolveOrder()
	if err != nil {
		return nil, err
	}
	minOrder := opts.MinOrder
	if minOrder == 0 {
		minOrder = moc.DefaultMinOrder
	}
	if err := healpix.ValidateOrder(minOrder); err != nil {
		return nil, fmt.Errorf("min order: %w", err)
	}
	if !opts.Frame.Valid() {
		return nil, fmt.Errorf("%w %d", frame.ErrUnsupportedFrame, int(opts.Frame))
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Builder{
		planes:   planes,
		opts:     opts,
		order:    order,
		minOrder: min(minOrder, order),
		log:      log,
		done:     make(chan struct{}),
	}, nil
}

func (b *Builder) Order() int { return b.order }

// Start launches the build. It fails if the builder has already been started.
func (b *Builder) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.state != Idle {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	b.state = Running
	b.mu.Unlock()

	go b.run(ctx)
	return nil
}

// Run builds synchronously.
func (b *Builder) Run(ctx context.Context) (*Result, error) {
	if err := b.Start(ctx); err != nil {
		return nil, err
	}
	if err := b.Wait(); err != nil {
		return nil, err
	}
	return b.Result()
}

// Wait blocks until the build is terminal and returns its error.
func (b *Builder) Wait() error {
	<-b.done
	return b.Err()
}

// Done is closed when the build reaches a terminal state.
func (b *Builder) Done() <-chan struct{} { return b.done }

// RequestInterrupt asks a running build to stop at its next poll point.
func (b *Builder) RequestInterrupt() { b.interrupt.Store(true) }

func (b *Builder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Progress returns the completion percentage in [0, 100].
func (b *Builder) Progress() float64 {
	return math.Float64frombits(b.progress.Load())
}

func (b *Builder) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// ErrorMessage returns the terminal error text, or "" when there is none.
func (b *Builder) ErrorMessage() string {
	if err := b.Err(); err != nil {
		return err.Error()
	}
	return ""
}

func (b *Builder) Result() (*Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Succeeded {
		return nil, ErrNotFinished
	}
	return b.result, nil
}

// setProgress only moves forward.
func (b *Builder) setProgress(pct float64) {
	pct = math.Min(100, math.Max(0, pct))
	for {
		old := b.progress.Load()
		if math.Float64frombits(old) >= pct {
			return
		}
		if b.progress.CompareAndSwap(old, math.Float64bits(pct)) {
			return
		}
	}
}

func (b *Builder) interrupted(ctx context.Context) bool {
	return b.interrupt.Load() || ctx.Err() != nil
}

func (b *Builder) run(ctx context.Context) {
	start := time.Now()
	b.log.Info("moc build started", "planes", len(b.planes), "order", b.order)

	res, err := b.build(ctx)

	b.mu.Lock()
	if err != nil {
		b.state = Failed
		b.err = err
	} else {
		b.state = Succeeded
		b.result = res
	}
	b.mu.Unlock()

	cells := 0
	if res != nil {
		cells = res.Cells
		b.setProgress(100)
	}
	outcome := Outcome(err)
	observability.ObserveBuild(outcome, time.Since(start).Seconds(), cells)
	if err != nil {
		b.log.Warn("moc build failed", "outcome", outcome, "err", err, "elapsed", time.Since(start))
	} else {
		b.log.Info("moc build finished", "cells", cells, "order", b.order, "elapsed", time.Since(start))
	}
	close(b.done)
}

func (b *Builder) build(ctx context.Context) (*Result, error) {
	set, err := moc.New(frame.ICRS, b.minOrder, b.order)
	if err != nil {
		return nil, err
	}
	set.SetCheckConsistency(false)

	var total source.Stats
	share := 100 / float64(len(b.planes))
	for i, p := range b.planes {
		if b.interrupted(ctx) {
			return nil, ErrInterrupted
		}
		base := share * float64(i)
		task := source.Task{
			Order:            b.order,
			MaxScratchPixels: b.opts.MaxScratchPixels,
			Progress:         func(pct float64) { b.setProgress(base + share*pct/100) },
			Interrupted:      b.interrupt.Load,
			Log:              b.log.With("plane", p.Name, "kind", p.Kind.String()),
		}
		st, err := source.Ingest(ctx, set, p, task)
		observability.AddPlaneRows(p.Kind.String(), st.Inserted, st.Skipped)
		if err != nil {
			if errors.Is(err, source.ErrInterrupted) {
				return nil, ErrInterrupted
			}
			return nil, &AdapterError{Plane: p.Name, Kind: p.Kind, Err: err}
		}
		total.Inserted += st.Inserted
		total.Skipped += st.Skipped
		b.log.Debug("plane ingested", "plane", p.Name, "inserted", st.Inserted, "skipped", st.Skipped)
		set.Normalize()
		b.setProgress(base + share)
	}
	if b.interrupted(ctx) {
		return nil, ErrInterrupted
	}

	set.SetCheckConsistency(true)
	if set.Frame() != b.opts.Frame {
		if err := set.ReprojectTo(b.opts.Frame); err != nil {
			return nil, err
		}
	}
	if set.IsEmpty() {
		return nil, ErrEmptyRegion
	}
	return &Result{Order: b.order, MOC: set, Cells: set.Size(), Stats: total}, nil
}

// Outcome names the terminal state of a build for metrics and events.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "succeeded"
	case errors.Is(err, ErrInterrupted):
		return "interrupted"
	case errors.Is(err, ErrEmptyRegion):
		return "empty_region"
	default:
		return "failed"
	}
}
