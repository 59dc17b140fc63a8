// Package source turns build inputs (catalogs, images and hierarchical
// probability maps) into cell insertions on a coverage set.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/mohammed-shakir/mocgen/internal/moc"
)

var (
	ErrInterrupted  = errors.New("interrupted")
	ErrMapTooLarge  = errors.New("map too large")
	ErrInvalidPlane = errors.New("invalid plane")
)

type Kind int

const (
	KindCatalog Kind = iota + 1
	KindImage
	KindProbabilityMap
)

func (k Kind) String() string {
	switch k {
	case KindCatalog:
		return "catalog"
	case KindImage:
		return "image"
	case KindProbabilityMap:
		return "probability_map"
	default:
		return "unknown"
	}
}

// Plane is one build input. Exactly one payload matching Kind is set.
type Plane struct {
	Name    string
	Kind    Kind
	Catalog *Catalog
	Image   *ImagePlane
	Map     *MapPlane
}

func (p Plane) Validate() error {
	var ok bool
	switch p.Kind {
	case KindCatalog:
		ok = p.Catalog != nil
	case KindImage:
		ok = p.Image != nil && p.Image.Image != nil
	case KindProbabilityMap:
		ok = p.Map != nil && p.Map.Tiles != nil
		if ok && p.Map.Threshold != 0 && !(p.Map.Threshold > 0 && p.Map.Threshold <= 1) {
			return fmt.Errorf("%w %q: threshold %v outside (0, 1]", ErrInvalidPlane, p.Name, p.Map.Threshold)
		}
	}
	if !ok {
		return fmt.Errorf("%w %q: kind %v without matching payload", ErrInvalidPlane, p.Name, p.Kind)
	}
	return nil
}

// ValueRange is an inclusive [Min, Max] pixel filter.
type ValueRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (r *ValueRange) Contains(v float64) bool {
	if r == nil {
		return true
	}
	return v >= r.Min && v <= r.Max
}

// Task carries the per-plane build parameters and the callbacks an adapter
// reports through.
type Task struct {
	Order int
	// MaxScratchPixels bounds the threshold-mode scratch list. Zero means DefaultMaxScratchPixels.
	MaxScratchPixels uint64
	// Progress receives the plane completion in [0, 100].
	Progress func(pct float64)
	// Interrupted is polled between rows, sources and tiles.
	Interrupted func() bool
	Log         *slog.Logger
}

func (t Task) report(pct float64) {
	if t.Progress != nil {
		t.Progress(math.Min(100, math.Max(0, pct)))
	}
}

func (t Task) stop(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return t.Interrupted != nil && t.Interrupted()
}

func (t Task) logger() *slog.Logger {
	if t.Log == nil {
		return slog.New(slog.DiscardHandler)
	}
	return t.Log
}

// Stats summarizes one ingestion.
type Stats struct {
	Inserted int
	Skipped  int
}

// Ingest dispatches p to its adapter and inserts the resulting cells into set.
// Cells are inserted with consistency checking disabled; the caller
// re-enables it before reading the set.
func Ingest(ctx context.Context, set *moc.Set, p Plane, t Task) (Stats, error) {
	if err := p.Validate(); err != nil {
		return Stats{}, err
	}
	switch p.Kind {
	case KindCatalog:
		return IngestCatalog(ctx, set, *p.Catalog, t)
	case KindImage:
		return IngestImage(ctx, set, *p.Image, t)
	default:
		return IngestProbabilityMap(ctx, set, *p.Map, t)
	}
}
