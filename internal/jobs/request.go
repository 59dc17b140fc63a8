package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/mohammed-shakir/mocgen/internal/cache/keys"
	"github.com/mohammed-shakir/mocgen/internal/frame"
	"github.com/mohammed-shakir/mocgen/internal/source"
)

var (
	ErrInvalidRequest = errors.New("invalid build request")
	ErrNoMapSource    = errors.New("no map source configured")
)

// BuildRequest is the wire form of a build, shared by the HTTP API, the
// Kafka request topic and CLI plan files.
type BuildRequest struct {
	Order      *int        `json:"order,omitempty"`
	Resolution float64     `json:"resolution,omitempty"`
	Frame      frame.Frame `json:"frame"`
	Planes     []PlaneSpec `json:"planes"`
}

type PlaneSpec struct {
	Name string `json:"name,omitempty"`
	Kind string `json:"kind"`

	// catalog
	Sources      []source.Source `json:"sources,omitempty"`
	Radius       float64         `json:"radius,omitempty"`
	UseFootprint bool            `json:"use_footprint,omitempty"`
	Frame        frame.Frame     `json:"frame"`

	// image
	Image *ImageSpec `json:"image,omitempty"`

	// probability map, either stored under MapName or inline
	MapName   string             `json:"map,omitempty"`
	MapData   *MapSpec           `json:"map_data,omitempty"`
	Range     *source.ValueRange `json:"range,omitempty"`
	Threshold float64            `json:"threshold,omitempty"`
}

// ImageSpec is a row-major pixel grid with a TAN projection centred on
// (RefLon, RefLat). Pixels equal to Blank are ignored.
type ImageSpec struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Data   []float64 `json:"data"`
	Blank  *float64  `json:"blank,omitempty"`
	RefLon float64   `json:"ref_lon"`
	RefLat float64   `json:"ref_lat"`
	// Scale is the pixel size in degrees.
	Scale float64            `json:"scale"`
	Range *source.ValueRange `json:"range,omitempty"`
}

// MapSpec is a flat NESTED probability map. Values equal to Blank become NaN.
type MapSpec struct {
	Order     int         `json:"order"`
	TileOrder int         `json:"tile_order"`
	Frame     frame.Frame `json:"frame"`
	Values    []float64   `json:"values"`
	Blank     *float64    `json:"blank,omitempty"`
}

// HealpixMap validates m and builds the in-memory map.
func (m MapSpec) HealpixMap() (*source.HealpixMap, error) {
	vals := m.Values
	if m.Blank != nil {
		vals = make([]float64, len(m.Values))
		for i, v := range m.Values {
			if v == *m.Blank {
				v = math.NaN()
			}
			vals[i] = v
		}
	}
	hm, err := source.NewHealpixMap(m.Order, m.TileOrder, m.Frame, vals)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return hm, nil
}

// MapSource resolves stored probability maps by name.
type MapSource interface {
	OpenMap(ctx context.Context, name string) (source.TileSet, error)
}

// Fingerprint identifies requests with identical content.
func (r BuildRequest) Fingerprint() string {
	raw, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	return keys.Fingerprint("build", string(raw))
}

// SourcePlanes converts the request into builder input. Stored maps are opened
// through maps, which may be nil when no plane references one.
func (r BuildRequest) SourcePlanes(ctx context.Context, maps MapSource) ([]source.Plane, error) {
	if len(r.Planes) == 0 {
		return nil, fmt.Errorf("%w: no planes", ErrInvalidRequest)
	}
	out := make([]source.Plane, 0, len(r.Planes))
	for i, ps := range r.Planes {
		name := ps.Name
		if name == "" {
			name = fmt.Sprintf("plane-%d", i+1)
		}
		p, err := ps.plane(ctx, name, maps)
		if err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (ps PlaneSpec) plane(ctx context.Context, name string, maps MapSource) (source.Plane, error) {
	switch strings.ToLower(strings.TrimSpace(ps.Kind)) {
	case "catalog", "cat":
		return source.Plane{Name: name, Kind: source.KindCatalog, Catalog: &source.Catalog{
			Sources:      ps.Sources,
			Frame:        ps.Frame,
			Radius:       ps.Radius,
			UseFootprint: ps.UseFootprint,
		}}, nil

	case "image", "img":
		if ps.Image == nil {
			return source.Plane{}, fmt.Errorf("%w: plane %q has no image", ErrInvalidRequest, name)
		}
		im := ps.Image
		g, err := source.NewGridImage(im.Width, im.Height, im.Data, im.RefLon, im.RefLat, im.Scale)
		if err != nil {
			return source.Plane{}, fmt.Errorf("%w: plane %q: %w", ErrInvalidRequest, name, err)
		}
		if im.Blank != nil {
			g.HasBlank, g.Blank = true, *im.Blank
		}
		g.SkyFrame = ps.Frame
		return source.Plane{Name: name, Kind: source.KindImage, Image: &source.ImagePlane{Image: g, Range: im.Range}}, nil

	case "probability_map", "map", "probmap":
		var ts source.TileSet
		switch {
		case ps.MapData != nil:
			hm, err := ps.MapData.HealpixMap()
			if err != nil {
				return source.Plane{}, fmt.Errorf("plane %q: %w", name, err)
			}
			ts = hm
		case ps.MapName != "":
			if maps == nil {
				return source.Plane{}, fmt.Errorf("plane %q: %w", name, ErrNoMapSource)
			}
			rm, err := maps.OpenMap(ctx, ps.MapName)
			if err != nil {
				return source.Plane{}, fmt.Errorf("plane %q: %w", name, err)
			}
			ts = rm
		default:
			return source.Plane{}, fmt.Errorf("%w: plane %q names no map", ErrInvalidRequest, name)
		}
		if ps.Range != nil && ps.Threshold != 0 {
			return source.Plane{}, fmt.Errorf("%w: plane %q sets both range and threshold", ErrInvalidRequest, name)
		}
		return source.Plane{Name: name, Kind: source.KindProbabilityMap, Map: &source.MapPlane{
			Tiles:     ts,
			Range:     ps.Range,
			Threshold: ps.Threshold,
		}}, nil

	default:
		return source.Plane{}, fmt.Errorf("%w: plane %q has unknown kind %q", ErrInvalidRequest, name, ps.Kind)
	}
}
