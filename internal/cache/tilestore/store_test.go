package tilestore

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/mohammed-shakir/mocgen/internal/cache/keys"
	"github.com/mohammed-shakir/mocgen/internal/cache/redisstore"
	"github.com/mohammed-shakir/mocgen/internal/frame"
	"github.com/mohammed-shakir/mocgen/internal/healpix"
	"github.com/mohammed-shakir/mocgen/internal/moc"
	"github.com/mohammed-shakir/mocgen/internal/source"
)

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	cli, err := redisstore.New(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })
	return New(cli, time.Hour), mr
}

func sampleMap(t *testing.T) *source.HealpixMap {
	t.Helper()
	values := make([]float64, healpix.NumCells(5))
	for i := range values {
		values[i] = math.NaN()
	}
	disc, _ := healpix.DiscCells(5, 40, 10, 6)
	for i, c := range disc {
		values[c.ID] = float64(i%7) + 1
	}
	m, err := source.NewHealpixMap(5, 2, frame.Galactic, values)
	if err != nil {
		t.Fatalf("NewHealpixMap: %v", err)
	}
	return m
}

func TestPutMap_TilesMatchInMemoryMap(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	m := sampleMap(t)

	meta, err := s.PutMap(ctx, "skymap", m)
	if err != nil {
		t.Fatalf("PutMap: %v", err)
	}
	if meta.Tiles == 0 || meta.MaxFileOrder() != 3 || meta.MinFileOrder() != 3 {
		t.Fatalf("meta: %+v", meta)
	}

	rm, err := s.Open(ctx, "skymap")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if rm.Frame() != frame.Galactic || rm.TileOrder() != 2 {
		t.Fatalf("remote map header: %+v", rm.Meta())
	}
	for idx := uint64(0); idx < healpix.NumCells(3); idx++ {
		want, _ := m.TileAt(3, idx)
		got, err := rm.Tile(ctx, 3, idx)
		if err != nil {
			t.Fatalf("Tile(3, %d): %v", idx, err)
		}
		if diff := cmp.Diff(want, got, cmpopts.EquateNaNs()); diff != "" {
			t.Fatalf("tile %d (-want +got):\n%s", idx, diff)
		}
	}
	if _, err := rm.Tile(ctx, 2, 0); !errors.Is(err, source.ErrTileOutOfRange) {
		t.Fatalf("want ErrTileOutOfRange, got %v", err)
	}
}

func TestRemoteMap_BuildsSameMocAsMemory(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	m := sampleMap(t)
	if _, err := s.PutMap(ctx, "skymap", m); err != nil {
		t.Fatalf("PutMap: %v", err)
	}
	rm, err := s.Open(ctx, "skymap")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	build := func(ts source.TileSet) []healpix.Cell {
		set, _ := moc.New(frame.ICRS, 3, 5)
		plane := source.MapPlane{Tiles: ts, Threshold: 0.8}
		if _, err := source.IngestProbabilityMap(ctx, set, plane, source.Task{Order: 5}); err != nil {
			t.Fatalf("IngestProbabilityMap: %v", err)
		}
		return set.Cells()
	}
	if diff := cmp.Diff(build(m), build(rm)); diff != "" {
		t.Fatalf("(-memory +redis):\n%s", diff)
	}
}

func TestPutMap_ReplacesAndDeletes(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()
	if _, err := s.PutMap(ctx, "skymap", sampleMap(t)); err != nil {
		t.Fatalf("PutMap: %v", err)
	}

	values := make([]float64, healpix.NumCells(5))
	for i := range values {
		values[i] = math.NaN()
	}
	values[0] = 1
	small, _ := source.NewHealpixMap(5, 2, frame.ICRS, values)
	meta, err := s.PutMap(ctx, "skymap", small)
	if err != nil {
		t.Fatalf("PutMap: %v", err)
	}
	if meta.Tiles != 1 {
		t.Fatalf("replacement should hold one tile, got %d", meta.Tiles)
	}
	tileKeys := 0
	for _, k := range mr.Keys() {
		if len(k) > 5 && k[:5] == "tile:" {
			tileKeys++
		}
	}
	if tileKeys != 1 {
		t.Fatalf("stale tiles left behind: %d keys", tileKeys)
	}

	if err := s.DeleteMap(ctx, "skymap"); err != nil {
		t.Fatalf("DeleteMap: %v", err)
	}
	if _, err := s.Open(ctx, "skymap"); !errors.Is(err, ErrMapNotFound) {
		t.Fatalf("want ErrMapNotFound, got %v", err)
	}
}

func TestDecodeTile_RejectsWrongSize(t *testing.T) {
	if _, err := DecodeTile(EncodeTile([]float64{1, 2, 3}), 4); !errors.Is(err, ErrBadTile) {
		t.Fatalf("want ErrBadTile, got %v", err)
	}
	got, err := DecodeTile(EncodeTile([]float64{1, math.Inf(-1)}), 2)
	if err != nil || got[0] != 1 || !math.IsInf(got[1], -1) {
		t.Fatalf("round trip: %v %v", got, err)
	}
}

func TestStore_TTLApplied(t *testing.T) {
	s, mr := newStore(t)
	if _, err := s.PutMap(context.Background(), "short", sampleMap(t)); err != nil {
		t.Fatalf("PutMap: %v", err)
	}
	if ttl := mr.TTL(keys.MapMetaKey("short")); ttl != time.Hour {
		t.Fatalf("meta ttl: %v", ttl)
	}
}
