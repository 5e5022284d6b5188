package synth

import (
	"testing"
	"time"

	"github.com/kass/go-fuel-map/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var italy = models.BoundingBox{North: 47.1, South: 35.5, East: 18.6, West: 6.6}

func TestStations(t *testing.T) {
	stations := Stations(1000, italy, 4, 42)
	require.Len(t, stations, 1000)

	seen := make(map[int64]bool, len(stations))
	for _, s := range stations {
		assert.True(t, italy.Contains(s.Location()), "station %d outside region", s.ID)
		assert.False(t, seen[s.ID], "duplicate id %d", s.ID)
		seen[s.ID] = true
		assert.NotEmpty(t, s.DisplayName())
	}
}

func TestStationsDeterministic(t *testing.T) {
	a := Stations(200, italy, 3, 7)
	b := Stations(200, italy, 3, 7)
	assert.Equal(t, a, b)

	c := Stations(200, italy, 3, 8)
	assert.NotEqual(t, a, c)
}

func TestStationsEdgeCases(t *testing.T) {
	assert.Nil(t, Stations(0, italy, 4, 1))
	assert.Len(t, Stations(3, italy, 16, 1), 3)
	assert.Len(t, Stations(5, italy, 0, 1), 5)
}

func TestFuels(t *testing.T) {
	stations := Stations(100, italy, 2, 1)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fuels := Fuels(stations, 1, now)

	perStation := make(map[int64]int)
	for _, f := range fuels {
		perStation[f.StationID]++
		assert.Greater(t, f.Price, 0.0)
		assert.False(t, f.UpdatedAt.After(now))
		assert.GreaterOrEqual(t, f.Type, 1)
		assert.LessOrEqual(t, f.Type, len(FuelTypes()))
	}

	require.Len(t, perStation, len(stations))
	for id, n := range perStation {
		assert.True(t, n >= 1 && n <= 3, "station %d has %d fuels", id, n)
	}
}
