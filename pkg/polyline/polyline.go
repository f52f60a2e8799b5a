// Package polyline encodes and decodes route geometry in Google's polyline
// format at precision 5, as returned by the planner for each segment.
// Format reference: https://developers.google.com/maps/documentation/utilities/polylinealgorithm
package polyline

import (
	"errors"
	"math"
)

// ErrMalformed is returned for input that is not a complete precision-5
// polyline of valid coordinates.
var ErrMalformed = errors.New("malformed polyline")

// Coordinate represents a geographic point with latitude and longitude.
type Coordinate struct {
	Lat float64
	Lon float64
}

// Decode decodes a polyline-encoded string into a slice of coordinates.
// An empty string decodes to nil.
func Decode(encoded string) ([]Coordinate, error) {
	if encoded == "" {
		return nil, nil
	}

	var coords []Coordinate
	index, lat, lon := 0, 0, 0

	for index < len(encoded) {
		latDelta, next, ok := decodeValue(encoded, index)
		if !ok {
			return nil, ErrMalformed
		}
		lonDelta, next, ok := decodeValue(encoded, next)
		if !ok {
			return nil, ErrMalformed
		}
		index = next
		lat += latDelta
		lon += lonDelta

		c := Coordinate{Lat: float64(lat) / 1e5, Lon: float64(lon) / 1e5}
		if math.Abs(c.Lat) > 90 || math.Abs(c.Lon) > 180 {
			return nil, ErrMalformed
		}
		coords = append(coords, c)
	}

	return coords, nil
}

// decodeValue decodes one delta starting at index. It reports false when
// the input ends mid-value or holds a byte outside the polyline alphabet.
func decodeValue(encoded string, index int) (int, int, bool) {
	shift, result := 0, 0

	for {
		if index >= len(encoded) || shift > 30 {
			return 0, index, false
		}
		b := int(encoded[index]) - 63
		if b < 0 || b > 0x3f {
			return 0, index, false
		}
		index++
		result |= (b & 0x1f) << shift
		shift += 5
		if b < 0x20 {
			break
		}
	}

	if result&1 != 0 {
		return ^(result >> 1), index, true
	}
	return result >> 1, index, true
}

// Encode encodes coordinates into a polyline string.
func Encode(coords []Coordinate) string {
	if len(coords) == 0 {
		return ""
	}

	encoded := make([]byte, 0, len(coords)*4)
	prevLat, prevLon := 0, 0

	for _, coord := range coords {
		lat := int(math.Round(coord.Lat * 1e5))
		lon := int(math.Round(coord.Lon * 1e5))

		encoded = encodeValue(encoded, lat-prevLat)
		encoded = encodeValue(encoded, lon-prevLon)

		prevLat, prevLon = lat, lon
	}

	return string(encoded)
}

func encodeValue(buf []byte, value int) []byte {
	if value < 0 {
		value = ^(value << 1)
	} else {
		value <<= 1
	}

	for value >= 0x20 {
		buf = append(buf, byte((value&0x1f)|0x20)+63)
		value >>= 5
	}
	return append(buf, byte(value)+63)
}

// Length returns the great-circle length of the path in meters.
func Length(coords []Coordinate) float64 {
	var total float64
	for i := 1; i < len(coords); i++ {
		total += haversineDistance(coords[i-1], coords[i])
	}
	return total
}

// LengthKm decodes encoded and returns its length in kilometres.
func LengthKm(encoded string) (float64, error) {
	coords, err := Decode(encoded)
	if err != nil {
		return 0, err
	}
	return Length(coords) / 1000, nil
}

const earthRadiusMeters = 6371000

func haversineDistance(a, b Coordinate) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	sinDLat := math.Sin(dLat / 2)
	sinDLon := math.Sin(dLon / 2)

	h := sinDLat*sinDLat + math.Cos(lat1)*math.Cos(lat2)*sinDLon*sinDLon
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}
