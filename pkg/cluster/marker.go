package cluster

import (
	"fmt"
	"strconv"

	"github.com/kass/go-fuel-map/pkg/models"
)

// Kind tells a single station marker from an aggregate one
type Kind int

const (
	KindStation Kind = iota
	KindCluster
)

func (k Kind) String() string {
	if k == KindCluster {
		return "cluster"
	}
	return "station"
}

// Color is the size band of an aggregate marker
type Color int

const (
	ColorOK Color = iota
	ColorWarning
	ColorAlert
)

func (c Color) String() string {
	switch c {
	case ColorWarning:
		return "warning"
	case ColorAlert:
		return "alert"
	default:
		return "ok"
	}
}

// ParseColor is the inverse of Color.String
func ParseColor(s string) (Color, error) {
	switch s {
	case "ok":
		return ColorOK, nil
	case "warning":
		return ColorWarning, nil
	case "alert":
		return ColorAlert, nil
	}
	return 0, fmt.Errorf("unknown color %q", s)
}

// SizeBucket is the label size tier of an aggregate marker
type SizeBucket int

const (
	BucketUnits SizeBucket = iota
	BucketTens
	BucketHundreds
	BucketThousands
)

// Bucket returns the size tier for a member count
func Bucket(count int) SizeBucket {
	switch {
	case count >= 1000:
		return BucketThousands
	case count >= 100:
		return BucketHundreds
	case count >= 10:
		return BucketTens
	default:
		return BucketUnits
	}
}

// Band returns the colour for a member count given the configured maximum
func Band(count, maxSize int) Color {
	switch {
	case count > maxSize:
		return ColorAlert
	case count >= maxSize/2:
		return ColorWarning
	default:
		return ColorOK
	}
}

// Label abbreviates large counts: 1500 -> "1K+", 150 -> "1H+"
func Label(count int) string {
	switch {
	case count >= 1000:
		return strconv.Itoa(count/1000) + "K+"
	case count >= 100:
		return strconv.Itoa(count/100) + "H+"
	default:
		return strconv.Itoa(count)
	}
}

// IconKey identifies a cached icon
type IconKey struct {
	Bucket SizeBucket
	Color  Color
}

// Marker is the render-ready form of a cluster
type Marker struct {
	Kind     Kind               `json:"kind"`
	Position models.Location    `json:"position"`
	Title    string             `json:"title"`
	Subtitle string             `json:"subtitle"`
	Label    string             `json:"label,omitempty"`
	Color    Color              `json:"color"`
	Icon     IconKey            `json:"-"`
	Count    int                `json:"count"`
	Station  *models.Station    `json:"station,omitempty"`
	Bounds   models.BoundingBox `json:"bounds"`
	Members  []int64            `json:"members"`
}

// Markers turns clusters into markers, one per cluster in the same order
func (e *Engine) Markers(clusters []Cluster) []Marker {
	markers := make([]Marker, 0, len(clusters))
	for _, c := range clusters {
		markers = append(markers, e.marker(c))
	}
	return markers
}

func (e *Engine) marker(c Cluster) Marker {
	n := c.Size()
	m := Marker{
		Position: c.Center,
		Count:    n,
		Bounds:   c.Bounds(),
		Members:  c.IDs(),
	}

	if n == 1 {
		s := c.Stations[0]
		m.Kind = KindStation
		m.Title = s.DisplayName()
		m.Subtitle = s.DisplayAddress()
		m.Station = &s
		return m
	}

	m.Kind = KindCluster
	m.Title = fmt.Sprintf("%d stations", n)
	m.Subtitle = "Zoom in to see individual stations"
	m.Label = Label(n)
	m.Color = Band(n, e.opts.MaxSize)
	m.Icon = IconKey{Bucket: Bucket(n), Color: m.Color}
	return m
}
