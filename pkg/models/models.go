package models

import (
	"math"
	"strings"
	"time"
)

// Location represents a geographic location with latitude and longitude
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the location is a finite, in-range coordinate
func (l Location) Valid() bool {
	if math.IsNaN(l.Lat) || math.IsNaN(l.Lon) || math.IsInf(l.Lat, 0) || math.IsInf(l.Lon, 0) {
		return false
	}
	return l.Lat >= -90 && l.Lat <= 90 && l.Lon >= -180 && l.Lon <= 180
}

// BoundingBox represents a rectangular area described by its four edges
type BoundingBox struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// Center returns the midpoint of the box
func (b BoundingBox) Center() Location {
	return Location{
		Lat: (b.North + b.South) / 2,
		Lon: (b.East + b.West) / 2,
	}
}

// Contains reports whether the location lies inside the box, edges included
func (b BoundingBox) Contains(l Location) bool {
	return l.Lat >= b.South && l.Lat <= b.North &&
		l.Lon >= b.West && l.Lon <= b.East
}

// Valid reports whether the box has finite edges with south <= north and west <= east
func (b BoundingBox) Valid() bool {
	sw := Location{Lat: b.South, Lon: b.West}
	ne := Location{Lat: b.North, Lon: b.East}
	return sw.Valid() && ne.Valid() && b.South <= b.North && b.West <= b.East
}

// StationFlag is the brand code of a station
type StationFlag int

// StationType distinguishes road stations from highway stations
type StationType int

const (
	StationTypeUnknown StationType = iota
	StationTypeRoad
	StationTypeHighway
)

func (t StationType) String() string {
	switch t {
	case StationTypeRoad:
		return "R"
	case StationTypeHighway:
		return "H"
	default:
		return "?"
	}
}

// Station is an immutable fuel station record
type Station struct {
	ID       int64       `json:"id" bun:"id,pk"`
	Owner    *string     `json:"owner,omitempty" bun:"owner"`
	Flag     StationFlag `json:"flag" bun:"flag"`
	Type     StationType `json:"type" bun:"type"`
	Name     *string     `json:"name,omitempty" bun:"name"`
	Address  *string     `json:"address,omitempty" bun:"address"`
	City     *string     `json:"city,omitempty" bun:"city"`
	Province *string     `json:"province,omitempty" bun:"province"`
	Lat      float64     `json:"latitude" bun:"latitude"`
	Lon      float64     `json:"longitude" bun:"longitude"`
}

// Location returns the station coordinates
func (s Station) Location() Location {
	return Location{Lat: s.Lat, Lon: s.Lon}
}

// DisplayName returns the station name or an empty string
func (s Station) DisplayName() string {
	return deref(s.Name)
}

// DisplayAddress joins the address and city that are present
func (s Station) DisplayAddress() string {
	parts := make([]string, 0, 2)
	if a := deref(s.Address); a != "" {
		parts = append(parts, a)
	}
	if c := deref(s.City); c != "" {
		parts = append(parts, c)
	}
	return strings.Join(parts, ", ")
}

// Matches reports whether the query is a case-insensitive substring of the
// name, city or province
func (s Station) Matches(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	for _, field := range []*string{s.Name, s.City, s.Province} {
		if strings.Contains(strings.ToLower(deref(field)), q) {
			return true
		}
	}
	return false
}

// FuelType is a fuel category (petrol, diesel, LPG, ...)
type FuelType struct {
	ID   int    `json:"id" bun:"id,pk"`
	Name string `json:"name" bun:"name"`
}

// Fuel is a price quote for one fuel type at one station
type Fuel struct {
	StationID int64     `json:"station_id" bun:"station_id"`
	Type      int       `json:"type" bun:"type"`
	Price     float64   `json:"price" bun:"price"`
	Self      bool      `json:"self" bun:"self"`
	UpdatedAt time.Time `json:"last_update" bun:"last_update"`
}

// SearchFilters narrows a station search
type SearchFilters struct {
	Flags     []StationFlag `json:"flags,omitempty"`
	FuelTypes []int         `json:"fuel_types,omitempty"`
	// SavedOnly is accepted for API compatibility; saved stations live elsewhere.
	SavedOnly bool `json:"saved_only,omitempty"`
}

// Empty reports whether no filter is set
func (f SearchFilters) Empty() bool {
	return len(f.Flags) == 0 && len(f.FuelTypes) == 0
}

// HasFlag reports whether the flag passes the flag filter
func (f SearchFilters) HasFlag(flag StationFlag) bool {
	if len(f.Flags) == 0 {
		return true
	}
	for _, candidate := range f.Flags {
		if candidate == flag {
			return true
		}
	}
	return false
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// StringPtr is a helper for building stations in code and tests
func StringPtr(s string) *string {
	return &s
}
