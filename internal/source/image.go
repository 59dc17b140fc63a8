package source

import (
	"context"
	"errors"
	"math"

	"github.com/golang/geo/r3"
	"github.com/golang/geo/s2"

	"github.com/mohammed-shakir/mocgen/internal/frame"
	"github.com/mohammed-shakir/mocgen/internal/healpix"
	"github.com/mohammed-shakir/mocgen/internal/moc"
)

// Image is a pixel grid with a sky projection. Pixel centers sit on integer
// coordinates.
type Image interface {
	Width() int
	Height() int
	// Value returns the pixel value; ok is false for blank pixels.
	Value(x, y int) (v float64, ok bool)
	// PixelToSky projects a pixel position to lon,lat in the image frame.
	PixelToSky(x, y float64) (lon, lat float64, ok bool)
	// Resolution is the pixel size in degrees.
	Resolution() float64
	Frame() frame.Frame
}

type ImagePlane struct {
	Image Image
	Range *ValueRange
}

// ImageOrder picks the deepest order not above target whose cells are at
// least twice the pixel size.
func ImageOrder(target int, pixRes float64) int {
	if math.IsNaN(pixRes) || pixRes <= 0 {
		return target
	}
	o := 0
	for o < target && healpix.CellAngularSize(o+1) >= 2*pixRes {
		o++
	}
	return o
}

// IngestImage walks the grid row by row and inserts the cell under every
// non-blank pixel that passes the value range.
func IngestImage(ctx context.Context, set *moc.Set, p ImagePlane, t Task) (Stats, error) {
	img := p.Image
	order := ImageOrder(t.Order, img.Resolution())
	convert, err := frame.Converter(img.Frame(), set.Frame())
	if err != nil {
		return Stats{}, err
	}
	t.logger().Debug("image ingest", "width", img.Width(), "height", img.Height(), "order", order)

	var st Stats
	h := img.Height()
	var last uint64
	haveLast := false
	for y := 0; y < h; y++ {
		if t.stop(ctx) {
			return st, ErrInterrupted
		}
		t.report(100 * float64(y) / float64(h))
		for x := 0; x < img.Width(); x++ {
			v, ok := img.Value(x, y)
			if !ok || math.IsNaN(v) || !p.Range.Contains(v) {
				continue
			}
			lon, lat, ok := img.PixelToSky(float64(x), float64(y))
			if !ok {
				st.Skipped++
				continue
			}
			lon, lat = convert(lon, lat)
			cell, err := healpix.AngleToCell(order, lon, lat)
			if err != nil {
				st.Skipped++
				continue
			}
			if haveLast && cell.ID == last {
				continue
			}
			last, haveLast = cell.ID, true
			if err := set.AddCell(cell); err != nil {
				return st, err
			}
			st.Inserted++
		}
	}
	t.report(100)
	return st, nil
}

// GridImage is an in-memory image with a gnomonic (TAN) projection around
// a reference point. Longitude grows towards decreasing x.
type GridImage struct {
	W, H int
	// Data is row-major, len W*H. NaN pixels are blank.
	Data []float64
	// Blank marks an additional blank value when HasBlank is set.
	Blank    float64
	HasBlank bool
	// RefLon, RefLat are the sky position of pixel (RefX, RefY).
	RefLon, RefLat float64
	RefX, RefY     float64
	// Scale is the pixel size in degrees at the reference point.
	Scale     float64
	SkyFrame  frame.Frame
	east      r3.Vector
	north     r3.Vector
	reference r3.Vector
}

func NewGridImage(w, h int, data []float64, refLon, refLat, scale float64) (*GridImage, error) {
	if w <= 0 || h <= 0 || len(data) != w*h {
		return nil, errors.New("grid image: data does not match dimensions")
	}
	if !(scale > 0) || !validCoord(refLon, refLat) {
		return nil, errors.New("grid image: bad projection parameters")
	}
	g := &GridImage{
		W: w, H: h, Data: data,
		RefLon: refLon, RefLat: refLat,
		RefX: float64(w-1) / 2, RefY: float64(h-1) / 2,
		Scale: scale,
	}
	g.init()
	return g, nil
}

func (g *GridImage) init() {
	a := refRad(g.RefLon)
	d := refRad(g.RefLat)
	g.reference = r3.Vector{X: math.Cos(d) * math.Cos(a), Y: math.Cos(d) * math.Sin(a), Z: math.Sin(d)}
	g.east = r3.Vector{X: -math.Sin(a), Y: math.Cos(a)}
	g.north = r3.Vector{X: -math.Sin(d) * math.Cos(a), Y: -math.Sin(d) * math.Sin(a), Z: math.Cos(d)}
}

func refRad(deg float64) float64 { return deg * math.Pi / 180 }

func (g *GridImage) Width() int          { return g.W }
func (g *GridImage) Height() int         { return g.H }
func (g *GridImage) Resolution() float64 { return g.Scale }
func (g *GridImage) Frame() frame.Frame  { return g.SkyFrame }

func (g *GridImage) Value(x, y int) (float64, bool) {
	if x < 0 || y < 0 || x >= g.W || y >= g.H {
		return 0, false
	}
	v := g.Data[y*g.W+x]
	if math.IsNaN(v) || (g.HasBlank && v == g.Blank) {
		return 0, false
	}
	return v, true
}

// PixelToSky deprojects through the tangent plane: the pixel offset scaled to
// radians is added to the reference unit vector along east and north. Images
// not built by NewGridImage have no projection and report ok=false.
func (g *GridImage) PixelToSky(x, y float64) (float64, float64, bool) {
	if g.reference == (r3.Vector{}) {
		return 0, 0, false
	}
	xi := -(x - g.RefX) * refRad(g.Scale)
	eta := (y - g.RefY) * refRad(g.Scale)
	v := g.reference.Add(g.east.Mul(xi)).Add(g.north.Mul(eta))
	ll := s2.LatLngFromPoint(s2.Point{Vector: v.Normalize()})
	lon := ll.Lng.Degrees()
	if lon < 0 {
		lon += 360
	}
	return lon, ll.Lat.Degrees(), ll.IsValid()
}
