// Package frame converts sky positions between celestial reference frames.
package frame

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/soniakeys/meeus/v3/coord"
	"github.com/soniakeys/unit"
	"gonum.org/v1/gonum/mat"
)

type Frame int

const (
	ICRS Frame = iota
	Galactic
	Ecliptic
)

var ErrUnsupportedFrame = errors.New("unsupported frame")

func (f Frame) String() string {
	switch f {
	case ICRS:
		return "icrs"
	case Galactic:
		return "galactic"
	case Ecliptic:
		return "ecliptic"
	default:
		return fmt.Sprintf("frame(%d)", int(f))
	}
}

func (f Frame) Valid() bool { return f >= ICRS && f <= Ecliptic }

// Parse accepts the usual spellings of the supported frames. An empty string
// is ICRS.
func Parse(s string) (Frame, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "icrs", "c", "equatorial", "eq", "j2000", "fk5":
		return ICRS, nil
	case "galactic", "gal", "g":
		return Galactic, nil
	case "ecliptic", "ecl", "e":
		return Ecliptic, nil
	default:
		return 0, fmt.Errorf("%w %q", ErrUnsupportedFrame, s)
	}
}

func (f Frame) MarshalText() ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("%w %d", ErrUnsupportedFrame, int(f))
	}
	return []byte(f.String()), nil
}

func (f *Frame) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// IAU 1958 galactic pole and origin expressed in ICRS (Hipparcos, J2000).
var icrsToGal = mat.NewDense(3, 3, []float64{
	-0.0548755604162154, -0.8734370902348850, -0.4838350155487132,
	0.4941094278755837, -0.4448296299600112, 0.7469822444972189,
	-0.8676661490190047, -0.1980763734312015, 0.4559837761750669,
})

// J2000 mean obliquity of the ecliptic.
var obliquityJ2000 = coord.NewObliquity(unit.AngleFromDeg(23.4392911))

// Convert maps lon,lat (degrees) from one frame to another.
func Convert(from, to Frame, lon, lat float64) (float64, float64, error) {
	if !from.Valid() {
		return 0, 0, fmt.Errorf("%w %d", ErrUnsupportedFrame, int(from))
	}
	if !to.Valid() {
		return 0, 0, fmt.Errorf("%w %d", ErrUnsupportedFrame, int(to))
	}
	if from == to {
		return lon, lat, nil
	}
	ra, dec := toICRS(from, lon, lat)
	l, b := fromICRS(to, ra, dec)
	return l, b, nil
}

// Converter returns a conversion function bound to a frame pair.
func Converter(from, to Frame) (func(lon, lat float64) (float64, float64), error) {
	if _, _, err := Convert(from, to, 0, 0); err != nil {
		return nil, err
	}
	return func(lon, lat float64) (float64, float64) {
		l, b, _ := Convert(from, to, lon, lat)
		return l, b
	}, nil
}

func toICRS(f Frame, lon, lat float64) (float64, float64) {
	switch f {
	case Galactic:
		var out mat.VecDense
		out.MulVec(icrsToGal.T(), unitVector(lon, lat))
		return vectorAngles(&out)
	case Ecliptic:
		ecl := &coord.Ecliptic{Lon: unit.AngleFromDeg(lon), Lat: unit.AngleFromDeg(lat)}
		eq := new(coord.Equatorial).EclToEq(ecl, obliquityJ2000)
		return normLon(eq.RA.Deg()), eq.Dec.Deg()
	default:
		return lon, lat
	}
}

func fromICRS(f Frame, ra, dec float64) (float64, float64) {
	switch f {
	case Galactic:
		var out mat.VecDense
		out.MulVec(icrsToGal, unitVector(ra, dec))
		return vectorAngles(&out)
	case Ecliptic:
		eq := &coord.Equatorial{RA: unit.RAFromDeg(ra), Dec: unit.AngleFromDeg(dec)}
		ecl := new(coord.Ecliptic).EqToEcl(eq, obliquityJ2000)
		return normLon(ecl.Lon.Deg()), ecl.Lat.Deg()
	default:
		return ra, dec
	}
}

func unitVector(lon, lat float64) *mat.VecDense {
	l, b := lon*math.Pi/180, lat*math.Pi/180
	return mat.NewVecDense(3, []float64{
		math.Cos(b) * math.Cos(l),
		math.Cos(b) * math.Sin(l),
		math.Sin(b),
	})
}

func vectorAngles(v *mat.VecDense) (lon, lat float64) {
	x, y, z := v.AtVec(0), v.AtVec(1), v.AtVec(2)
	lon = math.Atan2(y, x) * 180 / math.Pi
	lat = math.Atan2(z, math.Hypot(x, y)) * 180 / math.Pi
	return normLon(lon), lat
}

func normLon(lon float64) float64 {
	lon = math.Mod(lon, 360)
	if lon < 0 {
		lon += 360
	}
	return lon
}
