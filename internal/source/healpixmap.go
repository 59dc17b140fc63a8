package source

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/mohammed-shakir/mocgen/internal/frame"
	"github.com/mohammed-shakir/mocgen/internal/healpix"
)

var ErrTileOutOfRange = errors.New("tile out of range")

// HealpixMap is a full-sky NESTED map held in memory and served as tiles.
// Tiles coarser than the map order average their non-blank children.
type HealpixMap struct {
	order     int
	tileOrder int
	frame     frame.Frame
	values    []float64
}

func NewHealpixMap(order, tileOrder int, f frame.Frame, values []float64) (*HealpixMap, error) {
	if err := healpix.ValidateOrder(order); err != nil {
		return nil, err
	}
	if tileOrder < 0 || tileOrder > order {
		return nil, fmt.Errorf("%w: tile order %d for map order %d", healpix.ErrInvalidOrder, tileOrder, order)
	}
	if !f.Valid() {
		return nil, fmt.Errorf("%w %d", frame.ErrUnsupportedFrame, int(f))
	}
	if uint64(len(values)) != healpix.NumCells(order) {
		return nil, fmt.Errorf("map has %d values, order %d needs %d", len(values), order, healpix.NumCells(order))
	}
	return &HealpixMap{order: order, tileOrder: tileOrder, frame: f, values: values}, nil
}

func (m *HealpixMap) Order() int         { return m.order }
func (m *HealpixMap) TileOrder() int     { return m.tileOrder }
func (m *HealpixMap) MaxFileOrder() int  { return m.order - m.tileOrder }
func (m *HealpixMap) Frame() frame.Frame { return m.frame }

func (m *HealpixMap) Tile(_ context.Context, fileOrder int, index uint64) ([]float64, error) {
	return m.TileAt(fileOrder, index)
}

// TileAt returns a copy of the tile, or nil when every pixel is blank.
func (m *HealpixMap) TileAt(fileOrder int, index uint64) ([]float64, error) {
	if fileOrder < 0 || fileOrder > m.MaxFileOrder() || index >= healpix.NumCells(fileOrder) {
		return nil, fmt.Errorf("%w: %d/%d", ErrTileOutOfRange, fileOrder, index)
	}
	size := uint64(1) << (2 * uint(m.tileOrder))
	shift := 2 * uint(m.MaxFileOrder()-fileOrder)
	group := uint64(1) << shift
	out := make([]float64, size)
	present := false
	for i := range size {
		first := (index*size + i) << shift
		var sum float64
		var n int
		for _, v := range m.values[first : first+group] {
			if !math.IsNaN(v) {
				sum += v
				n++
			}
		}
		if n == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = sum / float64(n)
		present = true
	}
	if !present {
		return nil, nil
	}
	return out, nil
}
