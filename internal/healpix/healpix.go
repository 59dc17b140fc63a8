// Package healpix implements the HEALPix NESTED pixelization used to index
// positions on the celestial sphere.
//
// Cells are identified by (order, id) with 0 <= id < 12*4^order. Every cell has
// exactly four children at order+1, whose ids are id<<2 .. id<<2|3.
package healpix

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// MaxOrder is the deepest order whose ids fit in a uint64.
const MaxOrder = 29

var (
	ErrInvalidOrder    = errors.New("invalid order")
	ErrInvalidPosition = errors.New("invalid position")
)

type Cell struct {
	Order int
	ID    uint64
}

func (c Cell) String() string { return fmt.Sprintf("%d/%d", c.Order, c.ID) }

func (c Cell) Valid() bool {
	return c.Order >= 0 && c.Order <= MaxOrder && c.ID < NumCells(c.Order)
}

// Parent returns the enclosing cell one order up. Order 0 cells are their own parent.
func (c Cell) Parent() Cell {
	if c.Order == 0 {
		return c
	}
	return Cell{Order: c.Order - 1, ID: c.ID >> 2}
}

// Ancestor returns the enclosing cell at the given coarser order.
func (c Cell) Ancestor(order int) Cell {
	if order >= c.Order {
		return c
	}
	if order < 0 {
		order = 0
	}
	return Cell{Order: order, ID: c.ID >> (2 * uint(c.Order-order))}
}

func (c Cell) Children() [4]Cell {
	base := c.ID << 2
	o := c.Order + 1
	return [4]Cell{{o, base}, {o, base | 1}, {o, base | 2}, {o, base | 3}}
}

// Range returns the half-open id interval [first, last) covered by c at a
// finer order.
func (c Cell) Range(order int) (first, last uint64) {
	shift := 2 * uint(order-c.Order)
	return c.ID << shift, (c.ID + 1) << shift
}

func ValidateOrder(order int) error {
	if order < 0 || order > MaxOrder {
		return fmt.Errorf("%w %d (must be 0..%d)", ErrInvalidOrder, order, MaxOrder)
	}
	return nil
}

// NumCells returns 12*4^order.
func NumCells(order int) uint64 {
	return uint64(12) << (2 * uint(order))
}

// CellAngularSize returns the characteristic size of a cell, sqrt(4pi/npix), in degrees.
func CellAngularSize(order int) float64 {
	return math.Sqrt(4*math.Pi/float64(NumCells(order))) * 180 / math.Pi
}

// MaxOrderForResolution returns the smallest order whose cells are no larger
// than res degrees. Resolutions finer than MaxOrder's cells return MaxOrder.
func MaxOrderForResolution(res float64) int {
	if math.IsNaN(res) || res <= 0 {
		return MaxOrder
	}
	for o := 0; o <= MaxOrder; o++ {
		if CellAngularSize(o) <= res {
			return o
		}
	}
	return MaxOrder
}

// AngleToCell maps a position (degrees) to the cell containing it.
func AngleToCell(order int, lon, lat float64) (Cell, error) {
	if err := ValidateOrder(order); err != nil {
		return Cell{}, err
	}
	if err := validatePosition(lon, lat); err != nil {
		return Cell{}, err
	}
	z := math.Sin(lat * degToRad)
	phi := lon * degToRad
	return Cell{Order: order, ID: locToNest(order, z, phi)}, nil
}

// Center returns the position of the cell center in degrees.
func Center(c Cell) (lon, lat float64) {
	face, ix, iy := nestToXYF(c.Order, c.ID)
	n := float64(uint64(1) << uint(c.Order))
	z, phi := faceToLoc(face, (float64(ix)+0.5)/n, (float64(iy)+0.5)/n)
	return locToAngle(z, phi)
}

// Vertices returns the four cell corners in degrees, walking the boundary.
func Vertices(c Cell) [4][2]float64 {
	var out [4][2]float64
	for i, p := range boundary(c, cornerSteps) {
		lon, lat := locToAngle(p.z, p.phi)
		out[i] = [2]float64{lon, lat}
	}
	return out
}

// Sort orders cells by order then id.
func Sort(cells []Cell) {
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].Order != cells[j].Order {
			return cells[i].Order < cells[j].Order
		}
		return cells[i].ID < cells[j].ID
	})
}

func validatePosition(lon, lat float64) error {
	if math.IsNaN(lon) || math.IsInf(lon, 0) || math.IsNaN(lat) || lat < -90 || lat > 90 {
		return fmt.Errorf("%w (lon=%v, lat=%v)", ErrInvalidPosition, lon, lat)
	}
	return nil
}
