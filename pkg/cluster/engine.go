// Package cluster groups stations into zoom-dependent map clusters and
// decides how each cluster is drawn.
package cluster

import (
	"math"

	"github.com/kass/go-fuel-map/pkg/geo"
	"github.com/kass/go-fuel-map/pkg/models"
	"go.uber.org/zap"
)

// Cluster is one or more stations drawn as a single marker.
// Center is the location of the first member and never moves.
type Cluster struct {
	Center   models.Location  `json:"center"`
	Stations []models.Station `json:"stations"`
}

// Size returns the number of member stations
func (c Cluster) Size() int {
	return len(c.Stations)
}

// IDs returns the member station IDs in insertion order
func (c Cluster) IDs() []int64 {
	ids := make([]int64, len(c.Stations))
	for i, s := range c.Stations {
		ids[i] = s.ID
	}
	return ids
}

// Bounds returns the box enclosing every member
func (c Cluster) Bounds() models.BoundingBox {
	box, _ := geo.StationBounds(c.Stations)
	return box
}

// Threshold returns the merge distance in degrees for a zoom level
func Threshold(zoom float64) float64 {
	switch {
	case zoom <= 8:
		return 0.5
	case zoom <= 10:
		return 0.2
	case zoom <= 12:
		return 0.1
	case zoom <= 14:
		return 0.05
	case zoom <= 16:
		return 0.02
	default:
		return 0.01
	}
}

// Options configures marker colouring and icon rendering
type Options struct {
	// MaxSize is the count above which a cluster is drawn with the alert colour
	MaxSize       int
	IconCacheSize int
	// IconPx is the icon diameter in pixels
	IconPx int
}

// DefaultOptions returns the stock cluster settings
func DefaultOptions() Options {
	return Options{
		MaxSize:       100,
		IconCacheSize: 100,
		IconPx:        150,
	}
}

// Engine rebuilds clusters and renders their markers and icons
type Engine struct {
	opts  Options
	icons *IconCache
	log   *zap.Logger
}

// NewEngine creates an engine with its own icon cache
func NewEngine(opts Options, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	defaults := DefaultOptions()
	if opts.MaxSize <= 0 {
		opts.MaxSize = defaults.MaxSize
	}
	if opts.IconCacheSize <= 0 {
		opts.IconCacheSize = defaults.IconCacheSize
	}
	if opts.IconPx <= 0 {
		opts.IconPx = defaults.IconPx
	}

	renderer, err := NewIconRenderer(opts.IconPx)
	if err != nil {
		return nil, err
	}

	return &Engine{
		opts:  opts,
		icons: NewIconCache(opts.IconCacheSize, renderer),
		log:   log,
	}, nil
}

// Options returns the effective settings
func (e *Engine) Options() Options {
	return e.opts
}

// Rebuild partitions stations into clusters in a single greedy pass.
// Each station joins the nearest existing cluster whose center is within
// Threshold(zoom), otherwise it starts a new cluster centered on itself.
// The result depends on input order; every station lands in exactly one cluster.
func (e *Engine) Rebuild(stations []models.Station, zoom float64) []Cluster {
	threshold := Threshold(zoom)
	clusters := make([]Cluster, 0)

	for _, s := range stations {
		loc := s.Location()

		nearest := -1
		best := math.Inf(1)
		for i := range clusters {
			d := geo.PlanarDistance(clusters[i].Center, loc)
			if d < best {
				best = d
				nearest = i
			}
		}

		if nearest >= 0 && best <= threshold {
			clusters[nearest].Stations = append(clusters[nearest].Stations, s)
			continue
		}
		clusters = append(clusters, Cluster{
			Center:   loc,
			Stations: []models.Station{s},
		})
	}

	e.log.Debug("clusters rebuilt",
		zap.Int("stations", len(stations)),
		zap.Int("clusters", len(clusters)),
		zap.Float64("zoom", zoom),
		zap.Float64("threshold", threshold))

	return clusters
}
