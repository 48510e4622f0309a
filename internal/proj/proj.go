// Package proj converts between WGS84 and the planar systems used by
// surveyors: Lambert-93, the nine Lambert conic conformal zones, UTM and
// Web Mercator.
//
// RGF93 and the overseas RGxx frames are treated as coincident with WGS84;
// the sub-metric datum offset is below what the RFU tolerances resolve.
package proj

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// ErrUnsupportedCRS is returned for EPSG codes without a known definition.
var ErrUnsupportedCRS = errors.New("unsupported CRS")

// GRS80 ellipsoid.
const (
	semiMajor  = 6378137.0
	flattening = 1 / 298.257222101
)

var (
	ecc2 = flattening * (2 - flattening)
	ecc  = math.Sqrt(ecc2)
)

// Projection converts geographic (lon, lat) points to planar (x, y) and back.
type Projection interface {
	EPSG() int
	Forward(p orb.Point) orb.Point
	Inverse(p orb.Point) orb.Point
}

// Lookup returns the projection for an EPSG code.
func Lookup(epsg int) (Projection, error) {
	switch {
	case epsg == 3857:
		return mercator{}, nil
	case epsg == 2154:
		return newLambert(2154, 46.5, 49, 44, 3, 700000, 6600000), nil
	case epsg >= 3942 && epsg <= 3950:
		lat0 := float64(epsg - 3900)
		fn := 1200000 + float64(epsg-3942)*1000000
		return newLambert(epsg, lat0, lat0-0.75, lat0+0.75, 3, 1700000, fn), nil
	case epsg > 32600 && epsg <= 32660:
		return newUTM(epsg, epsg-32600, false), nil
	case epsg > 32700 && epsg <= 32760:
		return newUTM(epsg, epsg-32700, true), nil
	}
	if z, ok := overseasUTM[epsg]; ok {
		return newUTM(epsg, z.zone, z.south), nil
	}
	return nil, fmt.Errorf("EPSG:%d: %w", epsg, ErrUnsupportedCRS)
}

// ParseEPSG accepts "2154", "EPSG:2154" or "epsg:2154".
func ParseEPSG(s string) (int, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		if !strings.EqualFold(s[:i], "epsg") {
			return 0, fmt.Errorf("parse CRS %q: unknown authority", s)
		}
		s = s[i+1:]
	}
	code, err := strconv.Atoi(s)
	if err != nil || code <= 0 {
		return 0, fmt.Errorf("parse CRS %q: not an EPSG code", s)
	}
	return code, nil
}

// Transform converts a point between two EPSG codes through WGS84 (4326).
func Transform(p orb.Point, from, to int) (orb.Point, error) {
	if from == to {
		return p, nil
	}
	geo := p
	if from != 4326 {
		src, err := Lookup(from)
		if err != nil {
			return orb.Point{}, err
		}
		geo = src.Inverse(p)
	}
	if to == 4326 {
		return geo, nil
	}
	dst, err := Lookup(to)
	if err != nil {
		return orb.Point{}, err
	}
	return dst.Forward(geo), nil
}

type utmZone struct {
	zone  int
	south bool
}

// Overseas frames carried by the zone capabilities.
var overseasUTM = map[int]utmZone{
	2969: {20, false}, // RRAF 1991 / UTM 20N
	2970: {20, false}, // RRAF 1991 / UTM 20N (Guadeloupe)
	2972: {22, false}, // RGFG95 / UTM 22N
	2975: {40, true},  // RGR92 / UTM 40S
	4471: {38, true},  // RGM04 / UTM 38S
	5490: {20, false}, // RGAF09 / UTM 20N
}

type mercator struct{}

func (mercator) EPSG() int                     { return 3857 }
func (mercator) Forward(p orb.Point) orb.Point { return project.WGS84.ToMercator(p) }
func (mercator) Inverse(p orb.Point) orb.Point { return project.Mercator.ToWGS84(p) }

// lambert is the two-standard-parallel Lambert conic conformal projection.
type lambert struct {
	epsg   int
	lon0   float64
	fe, fn float64
	n, f   float64
	rho0   float64
}

func newLambert(epsg int, lat0, lat1, lat2, lon0, fe, fn float64) *lambert {
	p1, p2, p0 := rad(lat1), rad(lat2), rad(lat0)
	m1, m2 := lccM(p1), lccM(p2)
	t1, t2, t0 := lccT(p1), lccT(p2), lccT(p0)
	n := (math.Log(m1) - math.Log(m2)) / (math.Log(t1) - math.Log(t2))
	f := m1 / (n * math.Pow(t1, n))
	return &lambert{
		epsg: epsg,
		lon0: rad(lon0),
		fe:   fe,
		fn:   fn,
		n:    n,
		f:    f,
		rho0: semiMajor * f * math.Pow(t0, n),
	}
}

func (l *lambert) EPSG() int { return l.epsg }

func (l *lambert) Forward(p orb.Point) orb.Point {
	rho := semiMajor * l.f * math.Pow(lccT(rad(p[1])), l.n)
	theta := l.n * (rad(p[0]) - l.lon0)
	return orb.Point{
		l.fe + rho*math.Sin(theta),
		l.fn + l.rho0 - rho*math.Cos(theta),
	}
}

func (l *lambert) Inverse(p orb.Point) orb.Point {
	dx := p[0] - l.fe
	dy := l.rho0 - (p[1] - l.fn)
	rho := math.Copysign(math.Hypot(dx, dy), l.n)
	t := math.Pow(rho/(semiMajor*l.f), 1/l.n)
	theta := math.Atan2(dx, dy)
	lon := theta/l.n + l.lon0

	lat := math.Pi/2 - 2*math.Atan(t)
	for i := 0; i < 15; i++ {
		es := ecc * math.Sin(lat)
		next := math.Pi/2 - 2*math.Atan(t*math.Pow((1-es)/(1+es), ecc/2))
		if math.Abs(next-lat) < 1e-12 {
			lat = next
			break
		}
		lat = next
	}
	return orb.Point{deg(lon), deg(lat)}
}

func lccM(phi float64) float64 {
	s := math.Sin(phi)
	return math.Cos(phi) / math.Sqrt(1-ecc2*s*s)
}

func lccT(phi float64) float64 {
	es := ecc * math.Sin(phi)
	return math.Tan(math.Pi/4-phi/2) / math.Pow((1-es)/(1+es), ecc/2)
}

// utm is the transverse Mercator projection with UTM parameters.
type utm struct {
	epsg   int
	lon0   float64
	fn     float64
	epr2   float64
	m0coef [4]float64
}

const (
	utmK0 = 0.9996
	utmFE = 500000.0
)

func newUTM(epsg, zone int, south bool) *utm {
	u := &utm{
		epsg: epsg,
		lon0: rad(float64(zone*6 - 183)),
		epr2: ecc2 / (1 - ecc2),
	}
	if south {
		u.fn = 10000000
	}
	e4, e6 := ecc2*ecc2, ecc2*ecc2*ecc2
	u.m0coef = [4]float64{
		1 - ecc2/4 - 3*e4/64 - 5*e6/256,
		3*ecc2/8 + 3*e4/32 + 45*e6/1024,
		15*e4/256 + 45*e6/1024,
		35 * e6 / 3072,
	}
	return u
}

func (u *utm) EPSG() int { return u.epsg }

func (u *utm) meridian(phi float64) float64 {
	c := u.m0coef
	return semiMajor * (c[0]*phi - c[1]*math.Sin(2*phi) + c[2]*math.Sin(4*phi) - c[3]*math.Sin(6*phi))
}

func (u *utm) Forward(p orb.Point) orb.Point {
	phi := rad(p[1])
	sin, cos, tan := math.Sin(phi), math.Cos(phi), math.Tan(phi)
	n := semiMajor / math.Sqrt(1-ecc2*sin*sin)
	t := tan * tan
	c := u.epr2 * cos * cos
	a := (rad(p[0]) - u.lon0) * cos
	a2, a3, a4, a5, a6 := a*a, a*a*a, a*a*a*a, a*a*a*a*a, a*a*a*a*a*a

	x := utmFE + utmK0*n*(a+(1-t+c)*a3/6+(5-18*t+t*t+72*c-58*u.epr2)*a5/120)
	y := u.fn + utmK0*(u.meridian(phi)+n*tan*(a2/2+(5-t+9*c+4*c*c)*a4/24+(61-58*t+t*t+600*c-330*u.epr2)*a6/720))
	return orb.Point{x, y}
}

func (u *utm) Inverse(p orb.Point) orb.Point {
	m := (p[1] - u.fn) / utmK0
	mu := m / (semiMajor * u.m0coef[0])
	sq := math.Sqrt(1 - ecc2)
	e1 := (1 - sq) / (1 + sq)

	phi1 := mu +
		(3*e1/2-27*e1*e1*e1/32)*math.Sin(2*mu) +
		(21*e1*e1/16-55*e1*e1*e1*e1/32)*math.Sin(4*mu) +
		(151*e1*e1*e1/96)*math.Sin(6*mu) +
		(1097*e1*e1*e1*e1/512)*math.Sin(8*mu)

	sin, cos, tan := math.Sin(phi1), math.Cos(phi1), math.Tan(phi1)
	c1 := u.epr2 * cos * cos
	t1 := tan * tan
	w := 1 - ecc2*sin*sin
	n1 := semiMajor / math.Sqrt(w)
	r1 := semiMajor * (1 - ecc2) / math.Pow(w, 1.5)
	d := (p[0] - utmFE) / (n1 * utmK0)
	d2, d3, d4, d5, d6 := d*d, d*d*d, d*d*d*d, d*d*d*d*d, d*d*d*d*d*d

	lat := phi1 - (n1*tan/r1)*(d2/2-
		(5+3*t1+10*c1-4*c1*c1-9*u.epr2)*d4/24+
		(61+90*t1+298*c1+45*t1*t1-252*u.epr2-3*c1*c1)*d6/720)
	lon := u.lon0 + (d-(1+2*t1+c1)*d3/6+(5-2*c1+28*t1-3*c1*c1+8*u.epr2+24*t1*t1)*d5/120)/cos
	return orb.Point{deg(lon), deg(lat)}
}

func rad(d float64) float64 { return d * math.Pi / 180 }
func deg(r float64) float64 { return r * 180 / math.Pi }
