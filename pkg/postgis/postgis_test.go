package postgis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/kass/go-fuel-map/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestStore connects to the database named by FUELMAP_TEST_DSN or skips
func openTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("FUELMAP_TEST_DSN")
	if dsn == "" {
		t.Skip("FUELMAP_TEST_DSN not set")
	}

	ctx := context.Background()
	store, err := Open(ctx, dsn, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.db.ExecContext(ctx, "DROP TABLE IF EXISTS fuels, fuel_types, gas_stations;")
	require.NoError(t, err)
	require.NoError(t, store.InitSchema(ctx))
	return store
}

func TestStoreRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	stations := []models.Station{
		{ID: 1, Name: models.StringPtr("Eni Milano"), City: models.StringPtr("Milano"), Flag: 3, Lat: 45.4642, Lon: 9.1900},
		{ID: 2, Name: models.StringPtr("Q8 Bologna"), City: models.StringPtr("Bologna"), Flag: 4, Lat: 44.4949, Lon: 11.3426},
		{ID: 3, Name: models.StringPtr("IP Roma"), City: models.StringPtr("Roma"), Flag: 3, Lat: 41.9028, Lon: 12.4964},
	}
	require.NoError(t, store.BulkInsertStations(ctx, stations))
	require.NoError(t, store.BulkInsertFuels(ctx, []models.Fuel{
		{StationID: 1, Type: 2, Price: 1.85, Self: true, UpdatedAt: time.Now().UTC()},
		{StationID: 3, Type: 1, Price: 1.79, Self: false, UpdatedAt: time.Now().UTC()},
	}))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	t.Run("box query", func(t *testing.T) {
		results, err := store.QueryBox(ctx, models.BoundingBox{North: 46, South: 44, East: 12, West: 8}, 0)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, int64(1), results[0].ID)

		limited, err := store.QueryBox(ctx, models.BoundingBox{North: 46, South: 44, East: 12, West: 8}, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("by id", func(t *testing.T) {
		s, err := store.StationByID(ctx, 2)
		require.NoError(t, err)
		require.NotNil(t, s)
		assert.Equal(t, "Q8 Bologna", s.DisplayName())

		missing, err := store.StationByID(ctx, 99)
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("search", func(t *testing.T) {
		results, err := store.Search(ctx, "", models.SearchFilters{Flags: []models.StationFlag{3}, FuelTypes: []int{2}})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, int64(1), results[0].ID)

		byCity, err := store.Search(ctx, "ROMA", models.SearchFilters{})
		require.NoError(t, err)
		require.Len(t, byCity, 1)
		assert.Equal(t, int64(3), byCity[0].ID)
	})

	t.Run("fuel types", func(t *testing.T) {
		require.NoError(t, store.InsertFuelTypes(ctx, []models.FuelType{{ID: 2, Name: "Gasolio"}, {ID: 1, Name: "Benzina"}}))
		require.NoError(t, store.InsertFuelTypes(ctx, []models.FuelType{{ID: 1, Name: "Benzina SP"}}))

		types, err := store.FuelTypes(ctx)
		require.NoError(t, err)
		assert.Equal(t, []models.FuelType{{ID: 1, Name: "Benzina SP"}, {ID: 2, Name: "Gasolio"}}, types)
	})
}
