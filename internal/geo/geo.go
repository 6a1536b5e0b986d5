// Package geo holds the coordinate types shared by the read model, the projector and the query
// path. Points are always stored and passed as (longitude, latitude).
package geo

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidBounds is returned for bounding-box input that cannot be parsed
var ErrInvalidBounds = errors.New("invalid bounds")

// ErrInvalidPoint is returned for location input that cannot be parsed
var ErrInvalidPoint = errors.New("invalid point")

// Point is a geodetic point in WGS84
type Point struct {
	Lng float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

// NewPoint validates the coordinate ranges and builds a Point
func NewPoint(lng, lat float64) (Point, error) {
	if !finite(lng) || !finite(lat) {
		return Point{}, errors.Wrapf(ErrInvalidPoint, "coordinates (%v, %v) are not finite", lng, lat)
	}
	if lng < -180 || lng > 180 {
		return Point{}, errors.Wrapf(ErrInvalidPoint, "longitude %v out of range", lng)
	}
	if lat < -90 || lat > 90 {
		return Point{}, errors.Wrapf(ErrInvalidPoint, "latitude %v out of range", lat)
	}
	return Point{Lng: lng, Lat: lat}, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// WKT renders the point as an SRID-less well-known-text point
func (p Point) WKT() string {
	return "POINT(" + strconv.FormatFloat(p.Lng, 'f', -1, 64) + " " +
		strconv.FormatFloat(p.Lat, 'f', -1, 64) + ")"
}

// ParseWKT parses "POINT(lng lat)", optionally prefixed with "SRID=4326;"
func ParseWKT(s string) (Point, error) {
	raw := strings.TrimSpace(s)
	if i := strings.Index(raw, ";"); i >= 0 && strings.HasPrefix(strings.ToUpper(raw), "SRID=") {
		raw = strings.TrimSpace(raw[i+1:])
	}

	upper := strings.ToUpper(raw)
	if !strings.HasPrefix(upper, "POINT") {
		return Point{}, errors.Wrapf(ErrInvalidPoint, "not a WKT point: %q", s)
	}

	body := strings.TrimSpace(raw[len("POINT"):])
	if !strings.HasPrefix(body, "(") || !strings.HasSuffix(body, ")") {
		return Point{}, errors.Wrapf(ErrInvalidPoint, "malformed WKT point: %q", s)
	}

	coords := strings.Fields(body[1 : len(body)-1])
	if len(coords) != 2 {
		return Point{}, errors.Wrapf(ErrInvalidPoint, "WKT point needs two coordinates: %q", s)
	}

	lng, err := strconv.ParseFloat(coords[0], 64)
	if err != nil {
		return Point{}, errors.Wrapf(ErrInvalidPoint, "bad longitude in %q", s)
	}
	lat, err := strconv.ParseFloat(coords[1], 64)
	if err != nil {
		return Point{}, errors.Wrapf(ErrInvalidPoint, "bad latitude in %q", s)
	}

	return NewPoint(lng, lat)
}

// Bounds is an axis-aligned rectangle given by its south-west and north-east corners
type Bounds struct {
	SouthWest Point `json:"southWest"`
	NorthEast Point `json:"northEast"`
}

// ParseBounds parses "southWestLat,southWestLng,northEastLat,northEastLng".
// Note the latitude-first order of the wire format; the returned corners are (lng, lat).
func ParseBounds(s string) (Bounds, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Bounds{}, errors.Wrapf(ErrInvalidBounds, "expected 4 comma-separated values, got %d", len(parts))
	}

	var values [4]float64
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return Bounds{}, errors.Wrapf(ErrInvalidBounds, "value %d (%q) is not a number", i+1, part)
		}
		values[i] = v
	}

	sw, err := NewPoint(values[1], values[0])
	if err != nil {
		return Bounds{}, errors.Wrap(ErrInvalidBounds, err.Error())
	}
	ne, err := NewPoint(values[3], values[2])
	if err != nil {
		return Bounds{}, errors.Wrap(ErrInvalidBounds, err.Error())
	}
	if sw.Lat > ne.Lat {
		return Bounds{}, errors.Wrapf(ErrInvalidBounds, "south-west latitude %v is north of north-east latitude %v", sw.Lat, ne.Lat)
	}

	return Bounds{SouthWest: sw, NorthEast: ne}, nil
}

// CrossesAntimeridian reports whether the box wraps across longitude ±180
func (b Bounds) CrossesAntimeridian() bool {
	return b.SouthWest.Lng > b.NorthEast.Lng
}

// Envelopes splits the bounds into one or two non-wrapping boxes
func (b Bounds) Envelopes() []Bounds {
	if !b.CrossesAntimeridian() {
		return []Bounds{b}
	}
	return []Bounds{
		{SouthWest: b.SouthWest, NorthEast: Point{Lng: 180, Lat: b.NorthEast.Lat}},
		{SouthWest: Point{Lng: -180, Lat: b.SouthWest.Lat}, NorthEast: b.NorthEast},
	}
}

// Contains reports whether p lies within the box, edges inclusive
func (b Bounds) Contains(p Point) bool {
	if p.Lat < b.SouthWest.Lat || p.Lat > b.NorthEast.Lat {
		return false
	}
	if b.CrossesAntimeridian() {
		return p.Lng >= b.SouthWest.Lng || p.Lng <= b.NorthEast.Lng
	}
	return p.Lng >= b.SouthWest.Lng && p.Lng <= b.NorthEast.Lng
}

// String renders the bounds back in wire order
func (b Bounds) String() string {
	return fmt.Sprintf("%v,%v,%v,%v", b.SouthWest.Lat, b.SouthWest.Lng, b.NorthEast.Lat, b.NorthEast.Lng)
}
