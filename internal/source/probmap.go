package source

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/mohammed-shakir/mocgen/internal/frame"
	"github.com/mohammed-shakir/mocgen/internal/healpix"
	"github.com/mohammed-shakir/mocgen/internal/moc"
)

const (
	// minFileOrder is the coarsest tile order a hierarchical map is read at.
	minFileOrder = 3
	// normalizeEvery bounds the growth of the scratch set in range mode.
	normalizeEvery = 10000
	// DefaultMaxScratchPixels caps the threshold-mode scratch list (an order 11 full sky).
	DefaultMaxScratchPixels = 12 << 22
	sumTolerance            = 1e-8
)

// TileSet is a hierarchical pixel map cut into tiles. A tile at fileOrder f
// and index i holds the 4^TileOrder NESTED pixels of order f+TileOrder whose
// ids start at i<<(2*TileOrder).
type TileSet interface {
	TileOrder() int
	MaxFileOrder() int
	Frame() frame.Frame
	// Tile returns nil for an absent tile. Blank pixels are NaN.
	Tile(ctx context.Context, fileOrder int, index uint64) ([]float64, error)
}

type MapPlane struct {
	Tiles TileSet
	Range *ValueRange
	// Threshold in (0, 1] selects cumulative-probability mode.
	Threshold float64
}

// TileLayout is the decomposition a map is walked at.
type TileLayout struct {
	FileOrder int
	TileOrder int
	// InsertOrder is the order cells are inserted at.
	InsertOrder int
	// DivOrder is the right shift from a pixel id to its inserted cell id.
	DivOrder int
}

func (l TileLayout) PixelOrder() int { return l.FileOrder + l.TileOrder }

// Layout derives the tile decomposition for a target order. The file order is
// clamped up to 3, then down to the deepest available one; pixels finer than
// the target are shifted down by DivOrder bits.
func Layout(target, tileOrder, maxFileOrder int) TileLayout {
	fileOrder := target - tileOrder
	if fileOrder < minFileOrder {
		fileOrder = minFileOrder
	}
	if fileOrder > maxFileOrder {
		fileOrder = maxFileOrder
	}
	pixelOrder := fileOrder + tileOrder
	insert := min(target, pixelOrder)
	return TileLayout{
		FileOrder:   fileOrder,
		TileOrder:   tileOrder,
		InsertOrder: insert,
		DivOrder:    2 * (pixelOrder - insert),
	}
}

// IngestProbabilityMap reads the tile set in range or threshold mode and
// unions the selected cells into set, reprojecting from the map frame.
func IngestProbabilityMap(ctx context.Context, set *moc.Set, p MapPlane, t Task) (Stats, error) {
	ts := p.Tiles
	lay := Layout(t.Order, ts.TileOrder(), ts.MaxFileOrder())
	if lay.FileOrder < 0 || lay.PixelOrder() > healpix.MaxOrder {
		return Stats{}, fmt.Errorf("%w: tile order %d with file order %d", healpix.ErrInvalidOrder, lay.TileOrder, lay.FileOrder)
	}
	t.logger().Debug("probability map ingest",
		"file_order", lay.FileOrder, "tile_order", lay.TileOrder,
		"insert_order", lay.InsertOrder, "div_order", lay.DivOrder,
		"threshold", p.Threshold)

	sub, err := moc.New(ts.Frame(), set.MinOrder(), set.MaxOrder())
	if err != nil {
		return Stats{}, err
	}
	sub.SetCheckConsistency(false)

	var st Stats
	if p.Threshold > 0 {
		st, err = thresholdMode(ctx, sub, ts, lay, p.Threshold, t)
	} else {
		st, err = rangeMode(ctx, sub, ts, lay, p.Range, t)
	}
	if err != nil {
		return st, err
	}
	sub.SetCheckConsistency(true)
	if sub.Frame() != set.Frame() {
		if err := sub.ReprojectTo(set.Frame()); err != nil {
			return st, err
		}
	}
	return st, set.Union(sub)
}

// walkTiles calls fn for every present tile. Interrupts are polled per tile.
func walkTiles(ctx context.Context, ts TileSet, lay TileLayout, t Task, fn func(base uint64, tile []float64) error) error {
	n := healpix.NumCells(lay.FileOrder)
	every := max(n/100, 1)
	for idx := uint64(0); idx < n; idx++ {
		if t.stop(ctx) {
			return ErrInterrupted
		}
		if idx%every == 0 {
			t.report(100 * float64(idx) / float64(n))
		}
		tile, err := ts.Tile(ctx, lay.FileOrder, idx)
		if err != nil {
			return fmt.Errorf("tile %d/%d: %w", lay.FileOrder, idx, err)
		}
		if tile == nil {
			continue
		}
		if err := fn(idx<<(2*uint(lay.TileOrder)), tile); err != nil {
			return err
		}
	}
	return nil
}

func rangeMode(ctx context.Context, sub *moc.Set, ts TileSet, lay TileLayout, r *ValueRange, t Task) (Stats, error) {
	var st Stats
	shift := uint(lay.DivOrder)
	err := walkTiles(ctx, ts, lay, t, func(base uint64, tile []float64) error {
		for i, v := range tile {
			if math.IsNaN(v) || !r.Contains(v) {
				continue
			}
			if err := sub.Add(lay.InsertOrder, (base+uint64(i))>>shift); err != nil {
				return err
			}
			st.Inserted++
			if st.Inserted%normalizeEvery == 0 {
				sub.Normalize()
			}
		}
		return nil
	})
	if err == nil {
		t.report(100)
	}
	return st, err
}

type weightedPixel struct {
	id    uint64
	value float64
}

// thresholdMode inserts pixels by decreasing value until their cumulative
// share of the total reaches threshold. Every non-blank pixel is a candidate,
// zeros included, so a threshold of 1 keeps the whole map.
func thresholdMode(ctx context.Context, sub *moc.Set, ts TileSet, lay TileLayout, threshold float64, t Task) (Stats, error) {
	limit := t.MaxScratchPixels
	if limit == 0 {
		limit = DefaultMaxScratchPixels
	}
	if total := healpix.NumCells(lay.PixelOrder()); total > limit {
		return Stats{}, fmt.Errorf("%w: %d pixels at order %d exceeds %d", ErrMapTooLarge, total, lay.PixelOrder(), limit)
	}

	var scratch []weightedPixel
	var sum float64
	var st Stats
	collect := t
	collect.Progress = func(pct float64) { t.report(pct * 0.9) }
	err := walkTiles(ctx, ts, lay, collect, func(base uint64, tile []float64) error {
		for i, v := range tile {
			if math.IsNaN(v) {
				continue
			}
			scratch = append(scratch, weightedPixel{id: base + uint64(i), value: v})
			sum += v
		}
		return nil
	})
	if err != nil {
		return st, err
	}
	all := threshold >= 1
	if sum <= 0 && !all {
		t.report(100)
		return st, nil
	}
	if sum > 0 && math.Abs(sum-1) > sumTolerance {
		for i := range scratch {
			scratch[i].value /= sum
		}
	}
	sort.Slice(scratch, func(i, j int) bool {
		if scratch[i].value != scratch[j].value {
			return scratch[i].value > scratch[j].value
		}
		return scratch[i].id < scratch[j].id
	})

	shift := uint(lay.DivOrder)
	var cum float64
	for _, px := range scratch {
		if err := sub.Add(lay.InsertOrder, px.id>>shift); err != nil {
			return st, err
		}
		st.Inserted++
		cum += px.value
		if !all && cum >= threshold {
			break
		}
	}
	st.Skipped = len(scratch) - st.Inserted
	t.report(100)
	return st, nil
}
