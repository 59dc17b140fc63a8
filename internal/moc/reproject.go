package moc

import (
	"fmt"

	"github.com/mohammed-shakir/mocgen/internal/frame"
	"github.com/mohammed-shakir/mocgen/internal/healpix"
)

// ReprojectTo converts the set to another frame in place. Each cell is
// sampled two orders deeper and the converted samples are inserted one order
// deeper, capped at MaxOrder, so the covered area is preserved up to the
// boundary resolution.
func (s *Set) ReprojectTo(f frame.Frame) error {
	if !f.Valid() {
		return fmt.Errorf("%w %d", frame.ErrUnsupportedFrame, int(f))
	}
	if f == s.frame {
		return nil
	}
	convert, err := frame.Converter(s.frame, f)
	if err != nil {
		return err
	}
	out, err := New(f, s.minOrder, s.maxOrder)
	if err != nil {
		return err
	}
	out.check = false
	for _, c := range s.Cells() {
		insertOrder := min(c.Order+1, s.maxOrder)
		sampleOrder := min(insertOrder+1, healpix.MaxOrder)
		first, last := c.Range(sampleOrder)
		for id := first; id < last; id++ {
			lon, lat := healpix.Center(healpix.Cell{Order: sampleOrder, ID: id})
			lon, lat = convert(lon, lat)
			cell, err := healpix.AngleToCell(insertOrder, lon, lat)
			if err != nil {
				return err
			}
			out.insert(cell.Order, cell.ID)
		}
	}
	out.Normalize()
	s.frame = f
	s.levels = out.levels
	s.dirty = false
	return nil
}
