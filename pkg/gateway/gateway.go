// Package gateway is the read-only station query layer used by the map core.
// It caps result sizes by zoom level, caches results per (bounds, rounded
// zoom) and collapses identical concurrent fetches.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bluele/gcache"
	"github.com/kass/go-fuel-map/pkg/models"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrNotFound is returned when a station ID is unknown
var ErrNotFound = errors.New("station not found")

// Store is the backing storage the gateway reads from
type Store interface {
	QueryBox(ctx context.Context, box models.BoundingBox, limit int) ([]models.Station, error)
	StationByID(ctx context.Context, id int64) (*models.Station, error)
	FuelPrices(ctx context.Context, stationID int64) ([]models.Fuel, error)
	FuelTypes(ctx context.Context) ([]models.FuelType, error)
	Search(ctx context.Context, query string, filters models.SearchFilters) ([]models.Station, error)
}

// Options configures caching and filtering
type Options struct {
	CacheSize int
	// CacheTTL of zero keeps results for the process lifetime
	CacheTTL time.Duration
	FuelTTL  time.Duration
	// SearchCacheSize caps the number of cached search results
	SearchCacheSize int
	// Timeout bounds each store call; zero disables it
	Timeout time.Duration
	// Region drops stations outside it when set
	Region *models.BoundingBox
}

// DefaultOptions mirrors the defaults in the config package
func DefaultOptions() Options {
	return Options{
		CacheSize:       50,
		SearchCacheSize: 20,
		FuelTTL:         10 * time.Minute,
		Timeout:         10 * time.Second,
	}
}

type resultKey struct {
	bounds models.BoundingBox
	zoom   float64
}

func (k resultKey) String() string {
	return fmt.Sprintf("%g_%g_%g_%g_%g", k.bounds.South, k.bounds.North, k.bounds.West, k.bounds.East, k.zoom)
}

// Gateway serves station queries on top of a Store
type Gateway struct {
	store    Store
	opts     Options
	results  gcache.Cache
	searches gcache.Cache
	fuels    *gocache.Cache
	group    singleflight.Group
	log      *zap.Logger
}

// New wraps store with result and fuel caches
func New(store Store, opts Options, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultOptions().CacheSize
	}
	if opts.SearchCacheSize <= 0 {
		opts.SearchCacheSize = DefaultOptions().SearchCacheSize
	}
	if opts.FuelTTL <= 0 {
		opts.FuelTTL = DefaultOptions().FuelTTL
	}

	builder := gcache.New(opts.CacheSize).LRU()
	searches := gcache.New(opts.SearchCacheSize).LRU()
	if opts.CacheTTL > 0 {
		builder = builder.Expiration(opts.CacheTTL)
		searches = searches.Expiration(opts.CacheTTL)
	}

	return &Gateway{
		store:    store,
		opts:     opts,
		results:  builder.Build(),
		searches: searches.Build(),
		fuels:    gocache.New(opts.FuelTTL, 2*opts.FuelTTL),
		log:      log,
	}
}

// Limit returns the maximum number of stations fetched at a zoom level
func Limit(zoom float64) int {
	switch {
	case zoom < 8:
		return 10000
	case zoom < 10:
		return 5000
	case zoom < 13:
		return 1000
	case zoom < 16:
		return 250
	default:
		return 50
	}
}

// RoundZoom rounds a zoom level to the nearest half level
func RoundZoom(zoom float64) float64 {
	return math.Round(zoom*2) / 2
}

// FetchStationsInBounds returns the stations inside bounds, capped by Limit(zoom).
// The result may be empty and may come from cache.
func (g *Gateway) FetchStationsInBounds(ctx context.Context, bounds models.BoundingBox, zoom float64) ([]models.Station, error) {
	key := resultKey{bounds: bounds, zoom: RoundZoom(zoom)}

	if cached, err := g.results.GetIFPresent(key); err == nil {
		stations := cached.([]models.Station)
		g.log.Debug("stations served from cache",
			zap.Int("count", len(stations)),
			zap.Float64("zoom", key.zoom))
		return append([]models.Station(nil), stations...), nil
	}

	// the shared call outlives any single caller; each caller stops
	// waiting on its own cancellation
	ch := g.group.DoChan(key.String(), func() (interface{}, error) {
		limit := Limit(zoom)
		g.log.Debug("fetching stations",
			zap.Any("bounds", bounds),
			zap.Float64("zoom", zoom),
			zap.Int("limit", limit))

		callCtx, cancel := g.withTimeout(context.WithoutCancel(ctx))
		defer cancel()

		stations, err := g.store.QueryBox(callCtx, bounds, limit)
		if err != nil {
			return nil, err
		}

		stations = g.sanitize(stations)
		if err := g.results.Set(key, stations); err != nil {
			g.log.Warn("failed to cache stations", zap.Error(err))
		}
		return stations, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch stations for zoom %.1f: %w", zoom, ctx.Err())
	}
	if res.Err != nil {
		return nil, fmt.Errorf("fetch stations for zoom %.1f: %w", zoom, res.Err)
	}
	if res.Shared {
		g.log.Debug("station fetch shared with concurrent caller", zap.Float64("zoom", zoom))
	}

	return append([]models.Station(nil), res.Val.([]models.Station)...), nil
}

// StationByID returns a single station or ErrNotFound
func (g *Gateway) StationByID(ctx context.Context, id int64) (models.Station, error) {
	callCtx, cancel := g.withTimeout(ctx)
	defer cancel()

	s, err := g.store.StationByID(callCtx, id)
	if err != nil {
		return models.Station{}, fmt.Errorf("fetch station %d: %w", id, err)
	}
	if s == nil {
		return models.Station{}, fmt.Errorf("station %d: %w", id, ErrNotFound)
	}
	return *s, nil
}

// FuelPrices returns the fuel prices of a station, cached for FuelTTL
func (g *Gateway) FuelPrices(ctx context.Context, stationID int64) ([]models.Fuel, error) {
	key := strconv.FormatInt(stationID, 10)
	if cached, ok := g.fuels.Get(key); ok {
		return cached.([]models.Fuel), nil
	}

	callCtx, cancel := g.withTimeout(ctx)
	defer cancel()

	fuels, err := g.store.FuelPrices(callCtx, stationID)
	if err != nil {
		return nil, fmt.Errorf("fetch fuel prices for station %d: %w", stationID, err)
	}

	g.fuels.SetDefault(key, fuels)
	return fuels, nil
}

// FuelTypes returns the fuel type catalogue
func (g *Gateway) FuelTypes(ctx context.Context) ([]models.FuelType, error) {
	callCtx, cancel := g.withTimeout(ctx)
	defer cancel()

	types, err := g.store.FuelTypes(callCtx)
	if err != nil {
		return nil, fmt.Errorf("fetch fuel types: %w", err)
	}
	return types, nil
}

// SearchStations matches the query against name, city and province and
// applies the filters. A blank query with no filters returns nothing.
func (g *Gateway) SearchStations(ctx context.Context, query string, filters models.SearchFilters) ([]models.Station, error) {
	if isBlank(query) && filters.Empty() {
		g.log.Debug("no search criteria provided")
		return nil, nil
	}

	key := searchKey(query, filters)
	if cached, err := g.searches.GetIFPresent(key); err == nil {
		return append([]models.Station(nil), cached.([]models.Station)...), nil
	}

	callCtx, cancel := g.withTimeout(ctx)
	defer cancel()

	stations, err := g.store.Search(callCtx, query, filters)
	if err != nil {
		return nil, fmt.Errorf("search stations %q: %w", query, err)
	}

	stations = g.sanitize(stations)
	if err := g.searches.Set(key, stations); err != nil {
		g.log.Warn("failed to cache search", zap.Error(err))
	}
	return append([]models.Station(nil), stations...), nil
}

// searchKey folds case and surrounding space, matching is case-insensitive
func searchKey(query string, filters models.SearchFilters) string {
	return fmt.Sprintf("%s|%v|%v|%t",
		strings.ToLower(strings.TrimSpace(query)), filters.Flags, filters.FuelTypes, filters.SavedOnly)
}

// CacheStats reports result cache usage
type CacheStats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
}

// Stats returns result cache counters
func (g *Gateway) Stats() CacheStats {
	return CacheStats{
		Hits:    g.results.HitCount(),
		Misses:  g.results.MissCount(),
		Entries: g.results.Len(false),
	}
}

// Purge drops every cached result
func (g *Gateway) Purge() {
	g.results.Purge()
	g.searches.Purge()
	g.fuels.Flush()
}

// sanitize drops stations with unusable coordinates or outside the region
func (g *Gateway) sanitize(stations []models.Station) []models.Station {
	valid := make([]models.Station, 0, len(stations))
	for _, s := range stations {
		loc := s.Location()
		if !loc.Valid() {
			continue
		}
		if g.opts.Region != nil && !g.opts.Region.Contains(loc) {
			continue
		}
		valid = append(valid, s)
	}
	sort.SliceStable(valid, func(i, j int) bool { return valid[i].ID < valid[j].ID })

	if dropped := len(stations) - len(valid); dropped > 0 {
		g.log.Debug("dropped stations outside region", zap.Int("dropped", dropped))
	}
	return valid
}

func (g *Gateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.opts.Timeout)
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' {
			return false
		}
	}
	return true
}
