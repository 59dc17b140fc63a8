package moc

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mohammed-shakir/mocgen/internal/frame"
	"github.com/mohammed-shakir/mocgen/internal/healpix"
)

func newSet(t *testing.T, f frame.Frame, minOrder, maxOrder int) *Set {
	t.Helper()
	s, err := New(f, minOrder, maxOrder)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func mustAdd(t *testing.T, s *Set, order int, id uint64) {
	t.Helper()
	if err := s.Add(order, id); err != nil {
		t.Fatalf("Add(%d, %d): %v", order, id, err)
	}
}

func TestAdd_SiblingsFoldIntoParent(t *testing.T) {
	for _, check := range []bool{true, false} {
		s := newSet(t, frame.ICRS, DefaultMinOrder, 10)
		s.SetCheckConsistency(check)
		for id := uint64(40); id < 44; id++ {
			mustAdd(t, s, 8, id)
		}
		s.SetCheckConsistency(true)
		want := []healpix.Cell{{Order: 7, ID: 10}}
		if diff := cmp.Diff(want, s.Cells()); diff != "" {
			t.Fatalf("check=%v (-want +got):\n%s", check, diff)
		}
	}
}

func TestNormalize_CascadesUpToMinOrder(t *testing.T) {
	s := newSet(t, frame.ICRS, 3, 6)
	s.SetCheckConsistency(false)
	// every order-6 descendant of cell 3/5
	first, last := healpix.Cell{Order: 3, ID: 5}.Range(6)
	for id := first; id < last; id++ {
		mustAdd(t, s, 6, id)
	}
	s.Normalize()
	want := []healpix.Cell{{Order: 3, ID: 5}}
	if diff := cmp.Diff(want, s.Cells()); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	s := newSet(t, frame.ICRS, 3, 9)
	s.SetCheckConsistency(false)
	for i := 0; i < 5000; i++ {
		o := 3 + rng.Intn(7)
		mustAdd(t, s, o, uint64(rng.Int63n(int64(healpix.NumCells(o)))))
	}
	s.Normalize()
	once := s.Cells()
	s.Normalize()
	twice := s.Cells()
	if diff := cmp.Diff(once, twice); diff != "" {
		t.Fatalf("normalize not idempotent (-once +twice):\n%s", diff)
	}
	assertDisjoint(t, once)
}

func TestAdd_CheckedInsertMatchesDeferredNormalize(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	checked := newSet(t, frame.ICRS, 3, 8)
	deferred := newSet(t, frame.ICRS, 3, 8)
	deferred.SetCheckConsistency(false)
	for i := 0; i < 3000; i++ {
		o := 3 + rng.Intn(6)
		id := uint64(rng.Int63n(int64(healpix.NumCells(o)) / 64))
		mustAdd(t, checked, o, id)
		mustAdd(t, deferred, o, id)
	}
	deferred.SetCheckConsistency(true)
	if diff := cmp.Diff(deferred.Cells(), checked.Cells()); diff != "" {
		t.Fatalf("(-deferred +checked):\n%s", diff)
	}
}

func TestAdd_OrderBounds(t *testing.T) {
	s := newSet(t, frame.ICRS, 3, 8)
	mustAdd(t, s, 1, 2)        // split into 16 order-3 cells
	mustAdd(t, s, 12, 1234567) // degraded to order 8
	for _, c := range s.Cells() {
		if c.Order < 3 || c.Order > 8 {
			t.Fatalf("cell %v outside [3, 8]", c)
		}
	}
	if !s.Contains(1, 2) {
		t.Fatalf("expected 1/2 covered")
	}
	if !s.Contains(8, 1234567>>8) {
		t.Fatalf("expected degraded cell 8/%d", 1234567>>8)
	}
	if got := s.Size(); got != 17 {
		t.Fatalf("size: want 17, got %d", got)
	}
}

func TestAdd_Invalid(t *testing.T) {
	s := newSet(t, frame.ICRS, 3, 8)
	if err := s.Add(30, 0); !errors.Is(err, healpix.ErrInvalidOrder) {
		t.Fatalf("order 30: want ErrInvalidOrder, got %v", err)
	}
	if err := s.Add(-1, 0); !errors.Is(err, healpix.ErrInvalidOrder) {
		t.Fatalf("order -1: want ErrInvalidOrder, got %v", err)
	}
	if err := s.Add(3, healpix.NumCells(3)); !errors.Is(err, ErrInvalidCell) {
		t.Fatalf("id overflow: want ErrInvalidCell, got %v", err)
	}
	if _, err := New(frame.ICRS, 3, 31); !errors.Is(err, healpix.ErrInvalidOrder) {
		t.Fatalf("New: want ErrInvalidOrder, got %v", err)
	}
}

func TestAdd_CoveredCellsIgnored(t *testing.T) {
	s := newSet(t, frame.ICRS, 3, 10)
	mustAdd(t, s, 5, 100)
	mustAdd(t, s, 7, 100<<4|3)
	if got := s.Size(); got != 1 {
		t.Fatalf("child of stored cell changed size to %d", got)
	}
	mustAdd(t, s, 9, 7)
	mustAdd(t, s, 4, 0)
	want := []healpix.Cell{{Order: 4, ID: 0}, {Order: 5, ID: 100}}
	if diff := cmp.Diff(want, s.Cells()); diff != "" {
		t.Fatalf("ancestor insert should absorb child (-want +got):\n%s", diff)
	}
}

func TestAddDisc_ContainsCenter(t *testing.T) {
	s := newSet(t, frame.ICRS, 3, 10)
	cases := [][3]float64{{10, 20, 0.5}, {0, 89.9, 2}, {359.9, -45, 0.01}, {180, 0, 5}}
	for _, tc := range cases {
		if err := s.AddDisc(10, tc[0], tc[1], tc[2]); err != nil {
			t.Fatalf("AddDisc%v: %v", tc, err)
		}
		if !s.ContainsPosition(tc[0], tc[1]) {
			t.Fatalf("disc %v does not contain its center", tc)
		}
	}
}

func TestUnion(t *testing.T) {
	a := newSet(t, frame.ICRS, 3, 6)
	b := newSet(t, frame.ICRS, 3, 6)
	mustAdd(t, a, 6, 0)
	mustAdd(t, a, 6, 1)
	mustAdd(t, b, 6, 2)
	mustAdd(t, b, 6, 3)
	if err := a.Union(b); err != nil {
		t.Fatalf("Union: %v", err)
	}
	want := []healpix.Cell{{Order: 5, ID: 0}}
	if diff := cmp.Diff(want, a.Cells()); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}

	g := newSet(t, frame.Galactic, 3, 6)
	if err := a.Union(g); !errors.Is(err, ErrFrameMismatch) {
		t.Fatalf("want ErrFrameMismatch, got %v", err)
	}
}

func TestSetFrame(t *testing.T) {
	s := newSet(t, frame.ICRS, 3, 6)
	mustAdd(t, s, 4, 9)
	if err := s.SetFrame(frame.Galactic); err != nil {
		t.Fatalf("SetFrame: %v", err)
	}
	if s.Frame() != frame.Galactic || !s.Contains(4, 9) {
		t.Fatalf("SetFrame must only retag")
	}
	if err := s.SetFrame(frame.Frame(42)); !errors.Is(err, frame.ErrUnsupportedFrame) {
		t.Fatalf("want ErrUnsupportedFrame, got %v", err)
	}
}

func TestReprojectTo_RoundTripPreservesArea(t *testing.T) {
	s := newSet(t, frame.Galactic, 6, 6)
	if err := s.AddDisc(6, 30, 10, 20); err != nil {
		t.Fatalf("AddDisc: %v", err)
	}
	area := s.Area()

	if err := s.ReprojectTo(frame.ICRS); err != nil {
		t.Fatalf("to ICRS: %v", err)
	}
	if s.Frame() != frame.ICRS {
		t.Fatalf("frame not updated: %v", s.Frame())
	}
	lon, lat, _ := frame.Convert(frame.Galactic, frame.ICRS, 30, 10)
	if !s.ContainsPosition(lon, lat) {
		t.Fatalf("reprojected set lost the disc center")
	}
	if err := s.ReprojectTo(frame.Galactic); err != nil {
		t.Fatalf("to Galactic: %v", err)
	}
	if !s.ContainsPosition(30, 10) {
		t.Fatalf("round trip lost the disc center")
	}
	ratio := s.Area() / area
	if ratio < 0.95 || ratio > 1.35 {
		t.Fatalf("area ratio after round trip = %.3f", ratio)
	}
}

func TestReprojectTo_Errors(t *testing.T) {
	s := newSet(t, frame.ICRS, 3, 6)
	mustAdd(t, s, 3, 1)
	if err := s.ReprojectTo(frame.Frame(-1)); !errors.Is(err, frame.ErrUnsupportedFrame) {
		t.Fatalf("want ErrUnsupportedFrame, got %v", err)
	}
	before := s.Cells()
	if err := s.ReprojectTo(frame.ICRS); err != nil {
		t.Fatalf("same frame: %v", err)
	}
	if diff := cmp.Diff(before, s.Cells()); diff != "" {
		t.Fatalf("same-frame reprojection changed cells:\n%s", diff)
	}
}

func TestArea_FullSky(t *testing.T) {
	s := newSet(t, frame.ICRS, 3, 5)
	for id := uint64(0); id < 12; id++ {
		mustAdd(t, s, 0, id)
	}
	if math.Abs(s.Area()-1) > 1e-12 {
		t.Fatalf("full sky area = %v", s.Area())
	}
	if s.Size() != int(healpix.NumCells(3)) {
		t.Fatalf("full sky should hold every order-3 cell, got %d", s.Size())
	}
}

func TestClone_Independent(t *testing.T) {
	s := newSet(t, frame.ICRS, 3, 6)
	mustAdd(t, s, 5, 1)
	c := s.Clone()
	mustAdd(t, c, 5, 900)
	if s.Size() != 1 || c.Size() != 2 {
		t.Fatalf("clone shares state: %d %d", s.Size(), c.Size())
	}
}

func assertDisjoint(t *testing.T, cells []healpix.Cell) {
	t.Helper()
	seen := map[healpix.Cell]bool{}
	for _, c := range cells {
		seen[c] = true
	}
	for _, c := range cells {
		for a := c; a.Order > 0; {
			a = a.Parent()
			if seen[a] {
				t.Fatalf("cell %v overlaps stored ancestor %v", c, a)
			}
		}
	}
}
