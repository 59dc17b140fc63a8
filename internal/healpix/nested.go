package healpix

import (
	"math"

	"github.com/golang/geo/s2"
)

const (
	halfPi   = math.Pi / 2
	degToRad = math.Pi / 180
	radToDeg = 180 / math.Pi
)

// base face layout: ring of the southernmost corner and longitude offset
var (
	jrll = [12]int{2, 2, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4}
	jpll = [12]int{1, 3, 5, 7, 0, 2, 4, 6, 1, 3, 5, 7}
)

type loc struct{ z, phi float64 }

// fractional face offsets of the corners, counter-clockwise from the south corner
var cornerSteps = [][2]float64{{0, 0}, {1, 0}, {1, 1}, {0, 1}}

// corners plus edge midpoints, in boundary order
var ringSteps = [][2]float64{
	{0, 0}, {0.5, 0}, {1, 0}, {1, 0.5}, {1, 1}, {0.5, 1}, {0, 1}, {0, 0.5},
}

func spread(v uint32) uint64 {
	x := uint64(v)
	x = (x | x<<16) & 0x0000FFFF0000FFFF
	x = (x | x<<8) & 0x00FF00FF00FF00FF
	x = (x | x<<4) & 0x0F0F0F0F0F0F0F0F
	x = (x | x<<2) & 0x3333333333333333
	x = (x | x<<1) & 0x5555555555555555
	return x
}

func compress(x uint64) uint32 {
	x &= 0x5555555555555555
	x = (x | x>>1) & 0x3333333333333333
	x = (x | x>>2) & 0x0F0F0F0F0F0F0F0F
	x = (x | x>>4) & 0x00FF00FF00FF00FF
	x = (x | x>>8) & 0x0000FFFF0000FFFF
	x = (x | x>>16) & 0x00000000FFFFFFFF
	return uint32(x)
}

func xyfToNest(order int, ix, iy uint32, face int) uint64 {
	return uint64(face)<<(2*uint(order)) + spread(ix) + spread(iy)<<1
}

func nestToXYF(order int, id uint64) (face int, ix, iy uint32) {
	shift := 2 * uint(order)
	face = int(id >> shift)
	p := id & (uint64(1)<<shift - 1)
	return face, compress(p), compress(p >> 1)
}

// locToNest maps z=cos(theta) and phi (radians) to a nested id.
func locToNest(order int, z, phi float64) uint64 {
	nside := int64(1) << uint(order)
	za := math.Abs(z)
	tt := math.Mod(phi/halfPi, 4)
	if tt < 0 {
		tt += 4
	}
	if tt >= 4 {
		tt = 0
	}

	var (
		face   int
		ix, iy int64
	)
	if za <= 2.0/3.0 {
		temp1 := float64(nside) * (0.5 + tt)
		temp2 := float64(nside) * (z * 0.75)
		jp := int64(temp1 - temp2)
		jm := int64(temp1 + temp2)
		ifp := jp >> uint(order)
		ifm := jm >> uint(order)
		switch {
		case ifp == ifm:
			face = int(ifp) | 4
		case ifp < ifm:
			face = int(ifp)
		default:
			face = int(ifm) + 8
		}
		ix = jm & (nside - 1)
		iy = nside - (jp & (nside - 1)) - 1
	} else {
		ntt := min(int64(tt), 3)
		tp := tt - float64(ntt)
		tmp := float64(nside) * math.Sqrt(3*(1-za))
		jp := min(int64(tp*tmp), nside-1)
		jm := min(int64((1-tp)*tmp), nside-1)
		if z >= 0 {
			face = int(ntt)
			ix = nside - jm - 1
			iy = nside - jp - 1
		} else {
			face = int(ntt) + 8
			ix = jp
			iy = jm
		}
	}
	return xyfToNest(order, uint32(ix), uint32(iy), face)
}

// faceToLoc maps fractional face coordinates x,y in [0,1] to z and phi.
func faceToLoc(face int, x, y float64) (z, phi float64) {
	jr := float64(jrll[face]) - x - y
	var nr float64
	switch {
	case jr < 1:
		nr = jr
		z = 1 - nr*nr/3
	case jr > 3:
		nr = 4 - jr
		z = nr*nr/3 - 1
	default:
		nr = 1
		z = (2 - jr) * 2 / 3
	}
	tmp := float64(jpll[face])*nr + x - y
	if tmp < 0 {
		tmp += 8
	}
	if tmp >= 8 {
		tmp -= 8
	}
	if nr < 1e-15 {
		return z, 0
	}
	return z, 0.5 * halfPi * tmp / nr
}

func locToAngle(z, phi float64) (lon, lat float64) {
	lat = math.Asin(max(-1, min(1, z))) * radToDeg
	lon = math.Mod(phi*radToDeg, 360)
	if lon < 0 {
		lon += 360
	}
	return lon, lat
}

func locToPoint(z, phi float64) s2.Point {
	st := math.Sqrt(max(0, (1-z)*(1+z)))
	return s2.PointFromCoords(st*math.Cos(phi), st*math.Sin(phi), z)
}

func angleToPoint(lon, lat float64) s2.Point {
	return s2.PointFromLatLng(s2.LatLngFromDegrees(lat, lon))
}

func centerPoint(c Cell) s2.Point {
	face, ix, iy := nestToXYF(c.Order, c.ID)
	n := float64(uint64(1) << uint(c.Order))
	return locToPoint(faceToLoc(face, (float64(ix)+0.5)/n, (float64(iy)+0.5)/n))
}

func boundary(c Cell, steps [][2]float64) []loc {
	face, ix, iy := nestToXYF(c.Order, c.ID)
	n := float64(uint64(1) << uint(c.Order))
	out := make([]loc, len(steps))
	for i, s := range steps {
		z, phi := faceToLoc(face, (float64(ix)+s[0])/n, (float64(iy)+s[1])/n)
		out[i] = loc{z: z, phi: phi}
	}
	return out
}

// maxPixelRadius bounds the angular distance from any cell center to its
// boundary at the given order, in degrees.
func maxPixelRadius(order int) float64 {
	n := float64(uint64(1) << uint(order))
	va := locToPoint(2.0/3.0, math.Pi/(4*n))
	t1 := 1 - 1/n
	t1 *= t1
	vb := locToPoint(1-t1/3, 0)
	return va.Distance(vb).Degrees()
}
