package postgis

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/kass/go-fuel-map/pkg/models"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/extra/bundebug"
	"golang.org/x/sync/errgroup"
)

const batchSize = 5000

// Store serves stations and fuel prices from a PostGIS database
type Store struct {
	db *bun.DB
}

// Open connects to PostGIS through lib/pq and wraps the pool in bun
func Open(ctx context.Context, dsn string, debug bool) (*Store, error) {
	sqldb, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool settings for better performance
	sqldb.SetMaxOpenConns(25)
	sqldb.SetMaxIdleConns(25)
	sqldb.SetConnMaxLifetime(5 * time.Minute)

	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}

	pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	// Test connection
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// InitSchema creates the necessary tables and indexes
func (p *Store) InitSchema(ctx context.Context) error {
	queries := []string{
		// Enable PostGIS extension
		`CREATE EXTENSION IF NOT EXISTS postgis;`,

		`CREATE TABLE IF NOT EXISTS gas_stations (
			id BIGINT PRIMARY KEY,
			owner TEXT,
			flag INTEGER NOT NULL DEFAULT 0,
			type INTEGER NOT NULL DEFAULT 0,
			name TEXT,
			address TEXT,
			city TEXT,
			province TEXT,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			location GEOMETRY(POINT, 4326)
				GENERATED ALWAYS AS (ST_SetSRID(ST_MakePoint(longitude, latitude), 4326)) STORED
		);`,

		`CREATE INDEX IF NOT EXISTS idx_gas_stations_location ON gas_stations USING GIST(location);`,

		`CREATE TABLE IF NOT EXISTS fuel_types (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS fuels (
			station_id BIGINT NOT NULL REFERENCES gas_stations(id) ON DELETE CASCADE,
			type INTEGER NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			self BOOLEAN NOT NULL,
			last_update TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (station_id, type, self)
		);`,
	}

	for _, query := range queries {
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query '%s': %w", query, err)
		}
	}

	return nil
}

// BulkInsertStations upserts stations in batches
func (p *Store) BulkInsertStations(ctx context.Context, stations []models.Station) error {
	for start := 0; start < len(stations); start += batchSize {
		end := start + batchSize
		if end > len(stations) {
			end = len(stations)
		}
		batch := stations[start:end]

		_, err := p.db.NewInsert().
			Model(&batch).
			ModelTableExpr("gas_stations").
			On("CONFLICT (id) DO UPDATE").
			Set("name = EXCLUDED.name, address = EXCLUDED.address, city = EXCLUDED.city").
			Set("province = EXCLUDED.province, flag = EXCLUDED.flag, type = EXCLUDED.type").
			Set("latitude = EXCLUDED.latitude, longitude = EXCLUDED.longitude").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to insert stations %d-%d: %w", start, end, err)
		}
	}

	if _, err := p.db.ExecContext(ctx, "ANALYZE gas_stations;"); err != nil {
		return fmt.Errorf("failed to analyze table: %w", err)
	}
	return nil
}

// BulkInsertFuels upserts fuel prices in batches
func (p *Store) BulkInsertFuels(ctx context.Context, fuels []models.Fuel) error {
	for start := 0; start < len(fuels); start += batchSize {
		end := start + batchSize
		if end > len(fuels) {
			end = len(fuels)
		}
		batch := fuels[start:end]

		_, err := p.db.NewInsert().
			Model(&batch).
			ModelTableExpr("fuels").
			On("CONFLICT (station_id, type, self) DO UPDATE").
			Set("price = EXCLUDED.price, last_update = EXCLUDED.last_update").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to insert fuels %d-%d: %w", start, end, err)
		}
	}
	return nil
}

// InsertFuelTypes upserts the fuel type catalogue
func (p *Store) InsertFuelTypes(ctx context.Context, types []models.FuelType) error {
	if len(types) == 0 {
		return nil
	}
	_, err := p.db.NewInsert().
		Model(&types).
		ModelTableExpr("fuel_types").
		On("CONFLICT (id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to insert fuel types: %w", err)
	}
	return nil
}

// QueryBox performs a bounding box query capped at limit rows, ordered by ID.
// A non-positive limit means no cap.
func (p *Store) QueryBox(ctx context.Context, box models.BoundingBox, limit int) ([]models.Station, error) {
	var stations []models.Station

	q := p.db.NewSelect().
		Model(&stations).
		ModelTableExpr("gas_stations AS station").
		Where("location && ST_MakeEnvelope(?, ?, ?, ?, 4326)", box.West, box.South, box.East, box.North).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to execute box query: %w", err)
	}
	return stations, nil
}

// StationByID returns the station or nil when the ID is unknown
func (p *Store) StationByID(ctx context.Context, id int64) (*models.Station, error) {
	var stations []models.Station

	err := p.db.NewSelect().
		Model(&stations).
		ModelTableExpr("gas_stations AS station").
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch station %d: %w", id, err)
	}
	if len(stations) == 0 {
		return nil, nil
	}
	return &stations[0], nil
}

// FuelPrices returns the fuel prices of a station ordered by fuel type
func (p *Store) FuelPrices(ctx context.Context, stationID int64) ([]models.Fuel, error) {
	var fuels []models.Fuel

	err := p.db.NewSelect().
		Model(&fuels).
		ModelTableExpr("fuels AS fuel").
		Where("station_id = ?", stationID).
		Order("type ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch fuels for station %d: %w", stationID, err)
	}
	return fuels, nil
}

// FuelTypes returns the fuel type catalogue
func (p *Store) FuelTypes(ctx context.Context) ([]models.FuelType, error) {
	var types []models.FuelType

	err := p.db.NewSelect().
		Model(&types).
		ModelTableExpr("fuel_types AS fuel_type").
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch fuel types: %w", err)
	}
	return types, nil
}

// Search matches the query against name, city and province and applies the
// flag and fuel type filters. The text and fuel legs run concurrently.
func (p *Store) Search(ctx context.Context, query string, filters models.SearchFilters) ([]models.Station, error) {
	var (
		stations []models.Station
		selling  map[int64]bool
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		q := p.db.NewSelect().
			Model(&stations).
			ModelTableExpr("gas_stations AS station").
			Order("id ASC")

		if trimmed := strings.TrimSpace(query); trimmed != "" {
			pattern := "%" + strings.ToLower(trimmed) + "%"
			q = q.WhereGroup(" AND ", func(sq *bun.SelectQuery) *bun.SelectQuery {
				return sq.
					WhereOr("LOWER(name) LIKE ?", pattern).
					WhereOr("LOWER(city) LIKE ?", pattern).
					WhereOr("LOWER(province) LIKE ?", pattern)
			})
		}
		if len(filters.Flags) > 0 {
			q = q.Where("flag IN (?)", bun.In(filters.Flags))
		}

		if err := q.Scan(gctx); err != nil {
			return fmt.Errorf("failed to search stations: %w", err)
		}
		return nil
	})

	if len(filters.FuelTypes) > 0 {
		g.Go(func() error {
			var ids []int64
			err := p.db.NewSelect().
				ColumnExpr("DISTINCT station_id").
				TableExpr("fuels").
				Where("type IN (?)", bun.In(filters.FuelTypes)).
				Scan(gctx, &ids)
			if err != nil {
				return fmt.Errorf("failed to search fuels: %w", err)
			}

			selling = make(map[int64]bool, len(ids))
			for _, id := range ids {
				selling[id] = true
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if selling == nil {
		return stations, nil
	}

	filtered := stations[:0]
	for _, s := range stations {
		if selling[s.ID] {
			filtered = append(filtered, s)
		}
	}
	return filtered, nil
}

// Count returns the number of stations in the database
func (p *Store) Count(ctx context.Context) (int, error) {
	count, err := p.db.NewSelect().TableExpr("gas_stations").Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count stations: %w", err)
	}
	return count, nil
}

// Close closes the database connection
func (p *Store) Close() error {
	return p.db.Close()
}
