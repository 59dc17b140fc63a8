package source

import (
	"context"
	"log/slog"
	"math"

	"github.com/mohammed-shakir/mocgen/internal/frame"
	"github.com/mohammed-shakir/mocgen/internal/healpix"
	"github.com/mohammed-shakir/mocgen/internal/moc"
)

// Source is one catalog row. Radius is in degrees; zero means a point.
type Source struct {
	Lon       float64      `json:"lon"`
	Lat       float64      `json:"lat"`
	Radius    float64      `json:"radius,omitempty"`
	Footprint [][2]float64 `json:"footprint,omitempty"`
}

type Catalog struct {
	Sources []Source
	// Frame of the positions; converted into the set frame on insertion.
	Frame frame.Frame
	// Radius applies to rows without their own radius.
	Radius       float64
	UseFootprint bool
}

const catalogProgressEvery = 1024

// IngestCatalog inserts one cell, disc or footprint per source. Rows with
// unusable coordinates are skipped and counted.
func IngestCatalog(ctx context.Context, set *moc.Set, c Catalog, t Task) (Stats, error) {
	log := t.logger()
	convert, err := frame.Converter(c.Frame, set.Frame())
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	n := len(c.Sources)
	for i, src := range c.Sources {
		if t.stop(ctx) {
			return st, ErrInterrupted
		}
		if i%catalogProgressEvery == 0 {
			t.report(100 * float64(i) / float64(n))
		}
		if ok := ingestSource(set, src, c, convert, t.Order); !ok {
			st.Skipped++
			log.Debug("catalog row skipped", slog.Int("row", i), slog.Float64("lon", src.Lon), slog.Float64("lat", src.Lat))
			continue
		}
		st.Inserted++
	}
	t.report(100)
	return st, nil
}

func ingestSource(set *moc.Set, src Source, c Catalog, convert func(lon, lat float64) (float64, float64), order int) bool {
	if c.UseFootprint && len(src.Footprint) > 0 {
		vertices := make([][2]float64, len(src.Footprint))
		for i, v := range src.Footprint {
			if !validCoord(v[0], v[1]) {
				return false
			}
			lon, lat := convert(v[0], v[1])
			vertices[i] = [2]float64{lon, lat}
		}
		cells, err := healpix.PolygonCells(order, vertices)
		if err != nil {
			return false
		}
		for _, cell := range cells {
			if set.AddCell(cell) != nil {
				return false
			}
		}
		return true
	}

	if !validCoord(src.Lon, src.Lat) {
		return false
	}
	lon, lat := convert(src.Lon, src.Lat)
	radius := src.Radius
	if radius == 0 {
		radius = c.Radius
	}
	if radius > 0 {
		return set.AddDisc(order, lon, lat, radius) == nil
	}
	cell, err := healpix.AngleToCell(order, lon, lat)
	if err != nil {
		return false
	}
	return set.AddCell(cell) == nil
}

func validCoord(lon, lat float64) bool {
	return !math.IsNaN(lon) && !math.IsInf(lon, 0) && !math.IsNaN(lat) && lat >= -90 && lat <= 90
}
