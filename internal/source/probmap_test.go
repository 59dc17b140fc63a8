package source

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mohammed-shakir/mocgen/internal/frame"
	"github.com/mohammed-shakir/mocgen/internal/healpix"
	"github.com/mohammed-shakir/mocgen/internal/moc"
)

func blankValues(order int) []float64 {
	v := make([]float64, healpix.NumCells(order))
	for i := range v {
		v[i] = math.NaN()
	}
	return v
}

func newMap(t *testing.T, order, tileOrder int, f frame.Frame, values []float64) *HealpixMap {
	t.Helper()
	m, err := NewHealpixMap(order, tileOrder, f, values)
	if err != nil {
		t.Fatalf("NewHealpixMap: %v", err)
	}
	return m
}

func TestLayout(t *testing.T) {
	cases := []struct {
		target, tileOrder, maxFile int
		want                       TileLayout
	}{
		{10, 9, 20, TileLayout{FileOrder: 3, TileOrder: 9, InsertOrder: 10, DivOrder: 4}},
		{8, 2, 9, TileLayout{FileOrder: 6, TileOrder: 2, InsertOrder: 8, DivOrder: 0}},
		{12, 2, 5, TileLayout{FileOrder: 5, TileOrder: 2, InsertOrder: 7, DivOrder: 0}},
		{4, 1, 3, TileLayout{FileOrder: 3, TileOrder: 1, InsertOrder: 4, DivOrder: 0}},
		{3, 1, 2, TileLayout{FileOrder: 2, TileOrder: 1, InsertOrder: 3, DivOrder: 0}},
		// target below the tile order: the file order would be negative
		{2, 9, 20, TileLayout{FileOrder: 3, TileOrder: 9, InsertOrder: 2, DivOrder: 20}},
		// raised to 3, then already at the deepest file order
		{1, 6, 3, TileLayout{FileOrder: 3, TileOrder: 6, InsertOrder: 1, DivOrder: 16}},
		// raised to 3, then lowered to the deepest file order
		{0, 2, 1, TileLayout{FileOrder: 1, TileOrder: 2, InsertOrder: 0, DivOrder: 6}},
	}
	for _, tc := range cases {
		if diff := cmp.Diff(tc.want, Layout(tc.target, tc.tileOrder, tc.maxFile)); diff != "" {
			t.Fatalf("Layout(%d, %d, %d) (-want +got):\n%s", tc.target, tc.tileOrder, tc.maxFile, diff)
		}
	}
}

func TestHealpixMap_TileAveragesAndAbsence(t *testing.T) {
	values := blankValues(4)
	for i := 0; i < 16; i++ {
		values[i] = float64(i)
	}
	m := newMap(t, 4, 1, frame.ICRS, values)
	tile, err := m.TileAt(3, 0)
	if err != nil {
		t.Fatalf("TileAt: %v", err)
	}
	if diff := cmp.Diff([]float64{0, 1, 2, 3}, tile); diff != "" {
		t.Fatalf("leaf tile (-want +got):\n%s", diff)
	}
	tile, err = m.TileAt(2, 0)
	if err != nil {
		t.Fatalf("TileAt: %v", err)
	}
	if diff := cmp.Diff([]float64{1.5, 5.5, 9.5, 13.5}, tile); diff != "" {
		t.Fatalf("averaged tile (-want +got):\n%s", diff)
	}
	if tile, _ := m.TileAt(3, 100); tile != nil {
		t.Fatalf("blank tile should be absent, got %v", tile)
	}
	if _, err := m.TileAt(4, 0); !errors.Is(err, ErrTileOutOfRange) {
		t.Fatalf("want ErrTileOutOfRange, got %v", err)
	}
}

func TestIngestProbabilityMap_RangeMode(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	values := blankValues(5)
	for i := range values {
		if rng.Intn(4) > 0 {
			values[i] = rng.Float64()
		}
	}
	m := newMap(t, 5, 2, frame.ICRS, values)
	r := &ValueRange{Min: 0.25, Max: 0.75}

	set := newSet(t, 5)
	st, err := IngestProbabilityMap(context.Background(), set, MapPlane{Tiles: m, Range: r}, Task{Order: 5})
	if err != nil {
		t.Fatalf("IngestProbabilityMap: %v", err)
	}
	want := newSet(t, 5)
	n := 0
	for id, v := range values {
		if !math.IsNaN(v) && r.Contains(v) {
			_ = want.Add(5, uint64(id))
			n++
		}
	}
	if st.Inserted != n {
		t.Fatalf("inserted %d, want %d", st.Inserted, n)
	}
	if diff := cmp.Diff(want.Cells(), set.Cells()); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}

	// target 4 clamps the file order to 3 and shifts pixel ids by one order
	coarse := newSet(t, 4)
	if _, err := IngestProbabilityMap(context.Background(), coarse, MapPlane{Tiles: m, Range: r}, Task{Order: 4}); err != nil {
		t.Fatalf("IngestProbabilityMap: %v", err)
	}
	for _, c := range set.Cells() {
		for _, leaf := range leaves(c, 5) {
			if !coarse.Contains(4, leaf>>2) {
				t.Fatalf("order 4 ancestor of 5/%d missing", leaf)
			}
		}
	}
}

func leaves(c healpix.Cell, order int) []uint64 {
	first, last := c.Range(order)
	out := make([]uint64, 0, last-first)
	for id := first; id < last; id++ {
		out = append(out, id)
	}
	return out
}

func TestIngestProbabilityMap_ReprojectsToSetFrame(t *testing.T) {
	values := blankValues(6)
	disc, _ := healpix.DiscCells(6, 0, 0, 4)
	for _, c := range disc {
		values[c.ID] = 1
	}
	m := newMap(t, 6, 3, frame.Galactic, values)
	set := newSet(t, 6)
	if _, err := IngestProbabilityMap(context.Background(), set, MapPlane{Tiles: m}, Task{Order: 6}); err != nil {
		t.Fatalf("IngestProbabilityMap: %v", err)
	}
	if set.Frame() != frame.ICRS {
		t.Fatalf("frame changed to %v", set.Frame())
	}
	ra, dec, _ := frame.Convert(frame.Galactic, frame.ICRS, 0, 0)
	if !set.ContainsPosition(ra, dec) {
		t.Fatalf("galactic center missing after reprojection")
	}
	if set.ContainsPosition(0, 0) {
		t.Fatalf("map was not reprojected")
	}
}

func twoTileMap(t *testing.T, scale float64) *HealpixMap {
	t.Helper()
	values := make([]float64, healpix.NumCells(4))
	a := []float64{0.375, 0.125, 0, 0}
	for i, v := range a {
		values[40+i] = v * scale
		values[80+i] = 0.125 * scale
	}
	return newMap(t, 4, 1, frame.ICRS, values)
}

func TestIngestProbabilityMap_ThresholdTwoTiles(t *testing.T) {
	for _, scale := range []float64{1, 10} {
		set := newSet(t, 4)
		plane := MapPlane{Tiles: twoTileMap(t, scale), Threshold: 0.5}
		if _, err := IngestProbabilityMap(context.Background(), set, plane, Task{Order: 4}); err != nil {
			t.Fatalf("IngestProbabilityMap: %v", err)
		}
		want := []healpix.Cell{{Order: 4, ID: 40}, {Order: 4, ID: 41}}
		if diff := cmp.Diff(want, set.Cells()); diff != "" {
			t.Fatalf("scale %v (-want +got):\n%s", scale, diff)
		}
	}
}

func TestIngestProbabilityMap_ThresholdMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	values := make([]float64, healpix.NumCells(5))
	for i := range values {
		values[i] = rng.ExpFloat64()
	}
	m := newMap(t, 5, 2, frame.ICRS, values)
	var prev *moc.Set
	for _, th := range []float64{0.1, 0.3, 0.5, 0.9, 1} {
		set := newSet(t, 5)
		if _, err := IngestProbabilityMap(context.Background(), set, MapPlane{Tiles: m, Threshold: th}, Task{Order: 5}); err != nil {
			t.Fatalf("threshold %v: %v", th, err)
		}
		if prev != nil {
			if set.Size() == 0 || set.Area() < prev.Area() {
				t.Fatalf("threshold %v shrank the region", th)
			}
			for _, c := range prev.Cells() {
				if !set.Contains(c.Order, c.ID) {
					t.Fatalf("threshold %v lost cell %v", th, c)
				}
			}
		}
		prev = set
	}
}

func TestIngestProbabilityMap_MapTooLarge(t *testing.T) {
	set := newSet(t, 4)
	task := Task{Order: 4, MaxScratchPixels: 1000}
	_, err := IngestProbabilityMap(context.Background(), set, MapPlane{Tiles: twoTileMap(t, 1), Threshold: 0.5}, task)
	if !errors.Is(err, ErrMapTooLarge) {
		t.Fatalf("want ErrMapTooLarge, got %v", err)
	}
}

func TestIngestProbabilityMap_Interrupt(t *testing.T) {
	set := newSet(t, 4)
	task := Task{Order: 4, Interrupted: func() bool { return true }}
	_, err := IngestProbabilityMap(context.Background(), set, MapPlane{Tiles: twoTileMap(t, 1)}, task)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("want ErrInterrupted, got %v", err)
	}
	if set.Size() != 0 {
		t.Fatalf("interrupted ingest modified the set")
	}
}

func TestIngestProbabilityMap_ThresholdOneKeepsWholeMap(t *testing.T) {
	cases := map[string]map[uint64]float64{
		"zeros":        {1: 0.5, 2: 0.5, 100: 0, 101: 0},
		"below ulp":    {1: 0.5, 2: 0.5, 100: 1e-17},
		"unnormalized": {5: 3, 6: 0, 700: 1, 2000: 0},
	}
	for name, pixels := range cases {
		t.Run(name, func(t *testing.T) {
			values := blankValues(4)
			for id, v := range pixels {
				values[id] = v
			}
			m := newMap(t, 4, 1, frame.ICRS, values)

			all := newSet(t, 4)
			if _, err := IngestProbabilityMap(context.Background(), all, MapPlane{Tiles: m}, Task{Order: 4}); err != nil {
				t.Fatalf("range mode: %v", err)
			}
			got := newSet(t, 4)
			st, err := IngestProbabilityMap(context.Background(), got, MapPlane{Tiles: m, Threshold: 1}, Task{Order: 4})
			if err != nil {
				t.Fatalf("threshold mode: %v", err)
			}
			if st.Inserted != len(pixels) || st.Skipped != 0 {
				t.Fatalf("inserted=%d skipped=%d want %d/0", st.Inserted, st.Skipped, len(pixels))
			}
			if diff := cmp.Diff(all.Cells(), got.Cells()); diff != "" {
				t.Fatalf("threshold 1 vs whole map (-want +got):\n%s", diff)
			}
		})
	}
}

func TestIngestProbabilityMap_CoarseTargetShiftsPixels(t *testing.T) {
	values := blankValues(9)
	values[700000] = 1
	m := newMap(t, 9, 6, frame.ICRS, values)
	if lay := Layout(1, m.TileOrder(), m.MaxFileOrder()); lay.DivOrder != 16 {
		t.Fatalf("layout=%+v want DivOrder 16", lay)
	}
	want := []healpix.Cell{{Order: 1, ID: 10}}
	for name, plane := range map[string]MapPlane{
		"range":     {Tiles: m},
		"threshold": {Tiles: m, Threshold: 0.5},
	} {
		set, err := moc.New(frame.ICRS, 1, 1)
		if err != nil {
			t.Fatalf("moc.New: %v", err)
		}
		if _, err := IngestProbabilityMap(context.Background(), set, plane, Task{Order: 1}); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if diff := cmp.Diff(want, set.Cells()); diff != "" {
			t.Fatalf("%s (-want +got):\n%s", name, diff)
		}
	}
}
