// Package geo provides the coordinate math used by the map core.
// Distances used for clustering are planar in degree space; haversine is
// only used where a real ground distance is reported.
package geo

import (
	"math"

	"github.com/kass/go-fuel-map/pkg/models"
)

const earthRadius = 6371.0 // km

// PlanarDistance returns the Euclidean distance between two locations in
// (latitude, longitude) degree space
func PlanarDistance(a, b models.Location) float64 {
	dLat := b.Lat - a.Lat
	dLon := b.Lon - a.Lon
	return math.Sqrt(dLat*dLat + dLon*dLon)
}

// Distance calculates the Haversine distance between two points in kilometers
func Distance(a, b models.Location) float64 {
	lat1Rad := a.Lat * math.Pi / 180.0
	lon1Rad := a.Lon * math.Pi / 180.0
	lat2Rad := b.Lat * math.Pi / 180.0
	lon2Rad := b.Lon * math.Pi / 180.0

	dLat := lat2Rad - lat1Rad
	dLon := lon2Rad - lon1Rad

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadius * c
}

// Expand pads every edge of the box by buffer degrees
func Expand(box models.BoundingBox, buffer float64) models.BoundingBox {
	return models.BoundingBox{
		North: box.North + buffer,
		South: box.South - buffer,
		East:  box.East + buffer,
		West:  box.West - buffer,
	}
}

// Normalize swaps inverted edges so that south <= north and west <= east
func Normalize(box models.BoundingBox) models.BoundingBox {
	return models.BoundingBox{
		North: math.Max(box.North, box.South),
		South: math.Min(box.North, box.South),
		East:  math.Max(box.East, box.West),
		West:  math.Min(box.East, box.West),
	}
}

// BoundsOf returns the smallest box enclosing all locations.
// ok is false for an empty input.
func BoundsOf(locations []models.Location) (box models.BoundingBox, ok bool) {
	if len(locations) == 0 {
		return models.BoundingBox{}, false
	}

	box = models.BoundingBox{
		North: locations[0].Lat,
		South: locations[0].Lat,
		East:  locations[0].Lon,
		West:  locations[0].Lon,
	}
	for _, l := range locations[1:] {
		box.North = math.Max(box.North, l.Lat)
		box.South = math.Min(box.South, l.Lat)
		box.East = math.Max(box.East, l.Lon)
		box.West = math.Min(box.West, l.Lon)
	}
	return box, true
}

// StationBounds is BoundsOf over station coordinates
func StationBounds(stations []models.Station) (models.BoundingBox, bool) {
	locations := make([]models.Location, len(stations))
	for i, s := range stations {
		locations[i] = s.Location()
	}
	return BoundsOf(locations)
}

// Intersect clips box to region. ok is false when they do not overlap.
func Intersect(box, region models.BoundingBox) (clipped models.BoundingBox, ok bool) {
	clipped = models.BoundingBox{
		North: math.Min(box.North, region.North),
		South: math.Max(box.South, region.South),
		East:  math.Min(box.East, region.East),
		West:  math.Max(box.West, region.West),
	}
	if clipped.South > clipped.North || clipped.West > clipped.East {
		return models.BoundingBox{}, false
	}
	return clipped, true
}
