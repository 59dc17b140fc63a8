package healpix

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/s2"
)

// DiscCells returns every cell at order whose area may intersect the disc of
// the given radius (degrees) around lon,lat. The result is a sorted superset
// of the exact answer; a zero radius yields the single containing cell.
func DiscCells(order int, lon, lat, radius float64) ([]Cell, error) {
	if err := ValidateOrder(order); err != nil {
		return nil, err
	}
	if err := validatePosition(lon, lat); err != nil {
		return nil, err
	}
	if math.IsNaN(radius) || radius < 0 {
		return nil, fmt.Errorf("%w: radius %v", ErrInvalidPosition, radius)
	}
	if radius == 0 {
		c, err := AngleToCell(order, lon, lat)
		if err != nil {
			return nil, err
		}
		return []Cell{c}, nil
	}

	center := angleToPoint(lon, lat)
	cand := make([]Cell, 0, 12)
	for id := range uint64(12) {
		cand = append(cand, Cell{Order: 0, ID: id})
	}
	for o := 0; ; o++ {
		limit := radius + maxPixelRadius(o)*1.0001
		keep := cand[:0]
		for _, c := range cand {
			if center.Distance(centerPoint(c)).Degrees() <= limit {
				keep = append(keep, c)
			}
		}
		if o == order {
			out := make([]Cell, len(keep))
			copy(out, keep)
			Sort(out)
			return out, nil
		}
		next := make([]Cell, 0, 4*len(keep))
		for _, c := range keep {
			kids := c.Children()
			next = append(next, kids[:]...)
		}
		cand = next
	}
}

// PolygonCells returns the cells at order that may intersect the spherical
// polygon with the given [lon,lat] vertices (degrees). A trailing vertex that
// repeats the first one is ignored. The polygon interior is the smaller of the
// two regions bounded by the ring.
func PolygonCells(order int, vertices [][2]float64) ([]Cell, error) {
	if err := ValidateOrder(order); err != nil {
		return nil, err
	}
	pts := make([]s2.Point, 0, len(vertices))
	for _, v := range vertices {
		if err := validatePosition(v[0], v[1]); err != nil {
			return nil, err
		}
		pts = append(pts, angleToPoint(v[0], v[1]))
	}
	if len(pts) >= 2 && pts[0].ApproxEqual(pts[len(pts)-1]) {
		pts = pts[:len(pts)-1]
	}
	if len(pts) < 3 {
		return nil, errors.New("polygon has < 3 distinct vertices")
	}

	loop := s2.LoopFromPoints(pts)
	loop.Normalize()
	bound := loop.CapBound()
	cll := s2.LatLngFromPoint(bound.Center())
	radius := math.Min(bound.Radius().Degrees(), 180)

	cand, err := DiscCells(order, cll.Lng.Degrees(), cll.Lat.Degrees(), radius)
	if err != nil {
		return nil, fmt.Errorf("polygon bound: %w", err)
	}

	vertexCells := make(map[uint64]struct{}, len(pts))
	for _, v := range vertices {
		c, err := AngleToCell(order, v[0], v[1])
		if err == nil {
			vertexCells[c.ID] = struct{}{}
		}
	}

	out := make([]Cell, 0, len(cand))
	for _, c := range cand {
		if _, ok := vertexCells[c.ID]; ok || cellTouchesLoop(c, loop, pts) {
			out = append(out, c)
		}
	}
	return out, nil
}

func cellTouchesLoop(c Cell, loop *s2.Loop, pts []s2.Point) bool {
	if loop.ContainsPoint(centerPoint(c)) {
		return true
	}
	ring := boundary(c, ringSteps)
	edge := make([]s2.Point, len(ring))
	for i, p := range ring {
		edge[i] = locToPoint(p.z, p.phi)
		if loop.ContainsPoint(edge[i]) {
			return true
		}
	}
	for i := range pts {
		a, b := pts[i], pts[(i+1)%len(pts)]
		for j := range edge {
			if s2.CrossingSign(a, b, edge[j], edge[(j+1)%len(edge)]) != s2.DoNotCross {
				return true
			}
		}
	}
	return false
}
