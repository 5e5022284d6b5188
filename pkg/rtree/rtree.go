// Package rtree implements an in-memory station index on an R-Tree.
// It backs the station gateway when no database is configured.
package rtree

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dhconnelly/rtreego"
	"github.com/kass/go-fuel-map/pkg/models"
)

const (
	tolerance   = 1e-7
	minChildren = 25
	maxChildren = 50
	dimensions  = 2
)

// spatialStation wraps a station to implement rtreego.Spatial interface
type spatialStation struct {
	station models.Station
	rect    rtreego.Rect
}

func (ss *spatialStation) Bounds() rtreego.Rect {
	return ss.rect
}

// StationIndex is a thread-safe R-Tree based station index
type StationIndex struct {
	tree      *rtreego.Rtree
	byID      map[int64]*spatialStation
	fuels     map[int64][]models.Fuel
	fuelTypes []models.FuelType
	mu        sync.RWMutex
	itemCount atomic.Int64
}

// NewStationIndex creates an empty station index
func NewStationIndex() *StationIndex {
	return &StationIndex{
		tree:  rtreego.NewTree(dimensions, minChildren, maxChildren),
		byID:  make(map[int64]*spatialStation),
		fuels: make(map[int64][]models.Fuel),
	}
}

// IndexStations inserts stations into the tree. A station whose ID is
// already indexed replaces the previous record. Stations with invalid
// coordinates are skipped.
func (x *StationIndex) IndexStations(stations []models.Station) error {
	if len(stations) == 0 {
		return nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	for _, s := range stations {
		if !s.Location().Valid() {
			continue
		}

		if prev, ok := x.byID[s.ID]; ok {
			x.tree.Delete(prev)
			delete(x.byID, s.ID)
		}

		item := &spatialStation{
			station: s,
			rect:    rtreego.Point{s.Lat, s.Lon}.ToRect(tolerance),
		}
		x.tree.Insert(item)
		x.byID[s.ID] = item
	}

	x.itemCount.Store(int64(len(x.byID)))
	return nil
}

// IndexFuels replaces the fuel price list of every station present in fuels
func (x *StationIndex) IndexFuels(fuels []models.Fuel) {
	x.mu.Lock()
	defer x.mu.Unlock()

	grouped := make(map[int64][]models.Fuel)
	for _, f := range fuels {
		grouped[f.StationID] = append(grouped[f.StationID], f)
	}
	for id, list := range grouped {
		sort.SliceStable(list, func(i, j int) bool { return list[i].Type < list[j].Type })
		x.fuels[id] = list
	}
}

// SetFuelTypes records the fuel type catalogue
func (x *StationIndex) SetFuelTypes(types []models.FuelType) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.fuelTypes = append([]models.FuelType(nil), types...)
}

// FuelTypes returns the fuel type catalogue
func (x *StationIndex) FuelTypes(ctx context.Context) ([]models.FuelType, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return append([]models.FuelType(nil), x.fuelTypes...), nil
}

// QueryBox returns up to limit stations inside the box, ordered by ID.
// A non-positive limit means no cap.
func (x *StationIndex) QueryBox(ctx context.Context, box models.BoundingBox, limit int) ([]models.Station, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bounds, err := rtreego.NewRectFromPoints(
		rtreego.Point{box.South, box.West},
		rtreego.Point{box.North, box.East},
	)
	if err != nil {
		return nil, fmt.Errorf("invalid bounding box: %w", err)
	}

	x.mu.RLock()
	results := x.tree.SearchIntersect(bounds)
	x.mu.RUnlock()

	// Filter results to ensure they're strictly within bounds
	stations := make([]models.Station, 0, len(results))
	for _, result := range results {
		item, ok := result.(*spatialStation)
		if !ok {
			continue
		}
		if box.Contains(item.station.Location()) {
			stations = append(stations, item.station)
		}
	}

	sort.Slice(stations, func(i, j int) bool { return stations[i].ID < stations[j].ID })
	if limit > 0 && len(stations) > limit {
		stations = stations[:limit]
	}
	return stations, nil
}

// Nearest returns the n stations closest to the location in degree space
func (x *StationIndex) Nearest(center models.Location, n int) []models.Station {
	if n <= 0 {
		return nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	results := x.tree.NearestNeighbors(n, rtreego.Point{center.Lat, center.Lon})
	stations := make([]models.Station, 0, len(results))
	for _, result := range results {
		if item, ok := result.(*spatialStation); ok {
			stations = append(stations, item.station)
		}
	}
	return stations
}

// StationByID returns the station or nil when the ID is unknown
func (x *StationIndex) StationByID(ctx context.Context, id int64) (*models.Station, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	item, ok := x.byID[id]
	if !ok {
		return nil, nil
	}
	s := item.station
	return &s, nil
}

// FuelPrices returns the fuel prices of a station ordered by fuel type
func (x *StationIndex) FuelPrices(ctx context.Context, stationID int64) ([]models.Fuel, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return append([]models.Fuel(nil), x.fuels[stationID]...), nil
}

// Search scans all stations for the query and filters, ordered by ID
func (x *StationIndex) Search(ctx context.Context, query string, filters models.SearchFilters) ([]models.Station, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var results []models.Station
	for id, item := range x.byID {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s := item.station
		if !s.Matches(query) || !filters.HasFlag(s.Flag) {
			continue
		}
		if len(filters.FuelTypes) > 0 && !sellsAny(x.fuels[id], filters.FuelTypes) {
			continue
		}
		results = append(results, s)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results, nil
}

// All returns every indexed station ordered by ID
func (x *StationIndex) All() []models.Station {
	x.mu.RLock()
	defer x.mu.RUnlock()

	stations := make([]models.Station, 0, len(x.byID))
	for _, item := range x.byID {
		stations = append(stations, item.station)
	}
	sort.Slice(stations, func(i, j int) bool { return stations[i].ID < stations[j].ID })
	return stations
}

// Count returns the number of indexed stations
func (x *StationIndex) Count() int64 {
	return x.itemCount.Load()
}

// Clear removes all stations and prices from the index
func (x *StationIndex) Clear() {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.tree = rtreego.NewTree(dimensions, minChildren, maxChildren)
	x.byID = make(map[int64]*spatialStation)
	x.fuels = make(map[int64][]models.Fuel)
	x.fuelTypes = nil
	x.itemCount.Store(0)
}

func sellsAny(fuels []models.Fuel, types []int) bool {
	for _, f := range fuels {
		for _, t := range types {
			if f.Type == t {
				return true
			}
		}
	}
	return false
}
