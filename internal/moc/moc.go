// Package moc implements Multi-Order Coverage maps: normalized sets of HEALPix
// cells describing a region of the sky at mixed resolutions.
package moc

import (
	"errors"
	"fmt"

	"github.com/mohammed-shakir/mocgen/internal/frame"
	"github.com/mohammed-shakir/mocgen/internal/healpix"
)

// DefaultMinOrder is the coarsest order kept in a freshly built MOC.
const DefaultMinOrder = 3

var (
	ErrFrameMismatch = errors.New("frame mismatch")
	ErrInvalidCell   = errors.New("invalid cell")
)

// Set is a mutable coverage map. It is not safe for concurrent use.
//
// Stored cells never overlap and lie within [MinOrder, MaxOrder]. While
// consistency checking is disabled insertions are plain map writes and the
// set is normalized lazily before it is read.
type Set struct {
	frame    frame.Frame
	minOrder int
	maxOrder int
	levels   []map[uint64]struct{}
	check    bool
	dirty    bool
}

func New(f frame.Frame, minOrder, maxOrder int) (*Set, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("%w %d", frame.ErrUnsupportedFrame, int(f))
	}
	if err := healpix.ValidateOrder(minOrder); err != nil {
		return nil, fmt.Errorf("min order: %w", err)
	}
	if err := healpix.ValidateOrder(maxOrder); err != nil {
		return nil, fmt.Errorf("max order: %w", err)
	}
	if minOrder > maxOrder {
		minOrder = maxOrder
	}
	s := &Set{frame: f, minOrder: minOrder, maxOrder: maxOrder, check: true}
	s.levels = make([]map[uint64]struct{}, maxOrder+1)
	for o := minOrder; o <= maxOrder; o++ {
		s.levels[o] = make(map[uint64]struct{})
	}
	return s, nil
}

func (s *Set) Frame() frame.Frame { return s.frame }
func (s *Set) MinOrder() int      { return s.minOrder }
func (s *Set) MaxOrder() int      { return s.maxOrder }

// SetCheckConsistency toggles overlap checking on insertion. Re-enabling it
// normalizes the set.
func (s *Set) SetCheckConsistency(on bool) {
	if on && !s.check {
		s.check = true
		s.Normalize()
		return
	}
	s.check = on
}

// SetFrame retags the set without touching its cells.
func (s *Set) SetFrame(f frame.Frame) error {
	if !f.Valid() {
		return fmt.Errorf("%w %d", frame.ErrUnsupportedFrame, int(f))
	}
	s.frame = f
	return nil
}

func (s *Set) AddCell(c healpix.Cell) error { return s.Add(c.Order, c.ID) }

// Add inserts the cell order/id. Cells finer than MaxOrder are degraded to
// their MaxOrder ancestor; cells coarser than MinOrder are split into their
// MinOrder descendants.
func (s *Set) Add(order int, id uint64) error {
	if err := healpix.ValidateOrder(order); err != nil {
		return err
	}
	if id >= healpix.NumCells(order) {
		return fmt.Errorf("%w %d/%d", ErrInvalidCell, order, id)
	}
	if order > s.maxOrder {
		id >>= 2 * uint(order-s.maxOrder)
		order = s.maxOrder
	}
	if order < s.minOrder {
		first, last := healpix.Cell{Order: order, ID: id}.Range(s.minOrder)
		for i := first; i < last; i++ {
			s.insert(s.minOrder, i)
		}
		return nil
	}
	s.insert(order, id)
	return nil
}

// AddDisc inserts every cell at order that intersects the disc.
func (s *Set) AddDisc(order int, lon, lat, radius float64) error {
	cells, err := healpix.DiscCells(order, lon, lat, radius)
	if err != nil {
		return err
	}
	for _, c := range cells {
		if err := s.Add(c.Order, c.ID); err != nil {
			return err
		}
	}
	return nil
}

// Union merges other into s. Both sets must share a frame.
func (s *Set) Union(other *Set) error {
	if other == nil {
		return nil
	}
	if other.frame != s.frame {
		return fmt.Errorf("%w: %v vs %v", ErrFrameMismatch, s.frame, other.frame)
	}
	check := s.check
	s.check = false
	for o, lvl := range other.levels {
		for id := range lvl {
			if err := s.Add(o, id); err != nil {
				s.check = check
				return err
			}
		}
	}
	s.check = check
	if check {
		s.Normalize()
	}
	return nil
}

func (s *Set) insert(order int, id uint64) {
	if !s.check {
		s.levels[order][id] = struct{}{}
		s.dirty = true
		return
	}
	if s.covered(order, id) {
		return
	}
	s.removeDescendants(order, id)
	s.levels[order][id] = struct{}{}
	s.foldUp(order, id)
}

// covered reports whether order/id or one of its ancestors is stored.
func (s *Set) covered(order int, id uint64) bool {
	for o := order; o >= s.minOrder; o-- {
		if _, ok := s.levels[o][id>>(2*uint(order-o))]; ok {
			return true
		}
	}
	return false
}

func (s *Set) removeDescendants(order int, id uint64) {
	for o := order + 1; o <= s.maxOrder; o++ {
		lvl := s.levels[o]
		if len(lvl) == 0 {
			continue
		}
		first, last := healpix.Cell{Order: order, ID: id}.Range(o)
		if uint64(len(lvl)) < last-first {
			for k := range lvl {
				if k >= first && k < last {
					delete(lvl, k)
				}
			}
			continue
		}
		for k := first; k < last; k++ {
			delete(lvl, k)
		}
	}
}

func (s *Set) foldUp(order int, id uint64) {
	for order > s.minOrder {
		base := id &^ 3
		lvl := s.levels[order]
		for k := base; k < base+4; k++ {
			if _, ok := lvl[k]; !ok {
				return
			}
		}
		for k := base; k < base+4; k++ {
			delete(lvl, k)
		}
		order--
		id = base >> 2
		s.levels[order][id] = struct{}{}
	}
}

// Normalize removes overlapping cells and folds every complete group of four
// siblings into its parent, deepest order first.
func (s *Set) Normalize() {
	for o := s.minOrder + 1; o <= s.maxOrder; o++ {
		for id := range s.levels[o] {
			for a := s.minOrder; a < o; a++ {
				if len(s.levels[a]) == 0 {
					continue
				}
				if _, ok := s.levels[a][id>>(2*uint(o-a))]; ok {
					delete(s.levels[o], id)
					break
				}
			}
		}
	}
	for o := s.maxOrder; o > s.minOrder; o-- {
		lvl := s.levels[o]
		var parents []uint64
		for id := range lvl {
			if id&3 != 0 {
				continue
			}
			_, ok1 := lvl[id|1]
			_, ok2 := lvl[id|2]
			_, ok3 := lvl[id|3]
			if ok1 && ok2 && ok3 {
				parents = append(parents, id>>2)
			}
		}
		for _, p := range parents {
			base := p << 2
			for k := base; k < base+4; k++ {
				delete(lvl, k)
			}
			s.levels[o-1][p] = struct{}{}
		}
	}
	s.dirty = false
}

func (s *Set) normalized() {
	if s.dirty {
		s.Normalize()
	}
}

// Size returns the number of stored cells after normalization.
func (s *Set) Size() int {
	s.normalized()
	n := 0
	for _, lvl := range s.levels {
		n += len(lvl)
	}
	return n
}

func (s *Set) IsEmpty() bool { return s.Size() == 0 }

// Cells returns the stored cells sorted by order then id.
func (s *Set) Cells() []healpix.Cell {
	s.normalized()
	out := make([]healpix.Cell, 0, s.Size())
	for o, lvl := range s.levels {
		for id := range lvl {
			out = append(out, healpix.Cell{Order: o, ID: id})
		}
	}
	healpix.Sort(out)
	return out
}

// Contains reports whether the cell is entirely covered by the set.
func (s *Set) Contains(order int, id uint64) bool {
	s.normalized()
	if order > s.maxOrder {
		id >>= 2 * uint(order-s.maxOrder)
		order = s.maxOrder
	}
	if order < s.minOrder {
		first, last := healpix.Cell{Order: order, ID: id}.Range(s.minOrder)
		for i := first; i < last; i++ {
			if !s.covered(s.minOrder, i) {
				return false
			}
		}
		return true
	}
	return s.covered(order, id)
}

// ContainsPosition reports whether the set covers lon,lat given in the set frame.
func (s *Set) ContainsPosition(lon, lat float64) bool {
	c, err := healpix.AngleToCell(s.maxOrder, lon, lat)
	if err != nil {
		return false
	}
	return s.Contains(c.Order, c.ID)
}

// Area returns the covered fraction of the sphere.
func (s *Set) Area() float64 {
	s.normalized()
	var a float64
	for o, lvl := range s.levels {
		a += float64(len(lvl)) / float64(healpix.NumCells(o))
	}
	return a
}

func (s *Set) Clone() *Set {
	c := &Set{frame: s.frame, minOrder: s.minOrder, maxOrder: s.maxOrder, check: s.check, dirty: s.dirty}
	c.levels = make([]map[uint64]struct{}, len(s.levels))
	for o, lvl := range s.levels {
		if lvl == nil {
			continue
		}
		m := make(map[uint64]struct{}, len(lvl))
		for id := range lvl {
			m[id] = struct{}{}
		}
		c.levels[o] = m
	}
	return c
}
