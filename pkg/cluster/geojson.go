package cluster

import (
	geojson "github.com/paulmach/go.geojson"
)

// ToFeatureCollection exports markers as GeoJSON points ([lon, lat])
func ToFeatureCollection(markers []Marker) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, m := range markers {
		f := geojson.NewPointFeature([]float64{m.Position.Lon, m.Position.Lat})
		f.SetProperty("cluster", m.Kind == KindCluster)
		f.SetProperty("point_count", m.Count)
		f.SetProperty("title", m.Title)
		f.SetProperty("subtitle", m.Subtitle)

		if m.Kind == KindCluster {
			f.SetProperty("label", m.Label)
			f.SetProperty("color", m.Color.String())
			f.SetProperty("fill", m.Color.Hex())
			f.BoundingBox = []float64{m.Bounds.West, m.Bounds.South, m.Bounds.East, m.Bounds.North}
		} else if m.Station != nil {
			f.ID = m.Station.ID
			f.SetProperty("station_id", m.Station.ID)
		}

		fc.AddFeature(f)
	}
	return fc
}
