// Package synth generates synthetic fuel stations for seeding, demos and
// benchmarks. Output is deterministic for a given seed and worker count.
package synth

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/kass/go-fuel-map/pkg/models"
)

// town is a population center stations concentrate around
type town struct {
	name     string
	province string
	lat, lon float64
	// spread is the standard deviation in degrees
	spread float64
}

var towns = []town{
	{"Milano", "MI", 45.4642, 9.1900, 0.25},
	{"Roma", "RM", 41.9028, 12.4964, 0.25},
	{"Napoli", "NA", 40.8518, 14.2681, 0.2},
	{"Torino", "TO", 45.0703, 7.6869, 0.2},
	{"Bologna", "BO", 44.4949, 11.3426, 0.15},
	{"Firenze", "FI", 43.7696, 11.2558, 0.15},
	{"Palermo", "PA", 38.1157, 13.3615, 0.15},
	{"Bari", "BA", 41.1171, 16.8719, 0.15},
	{"Verona", "VR", 45.4384, 10.9916, 0.1},
	{"Modena", "MO", 44.6471, 10.9252, 0.1},
}

// brands maps station flags to brand names
var brands = []string{"Agip Eni", "Q8", "IP", "Tamoil", "Esso", "Api-Ip", "Totalerg", "Pompe Bianche"}

var streets = []string{"Via Roma", "Via Emilia", "Viale Europa", "Via Aurelia", "Corso Italia", "Via Garibaldi", "Strada Statale"}

// FuelTypes is the fuel catalogue used by generated prices
func FuelTypes() []models.FuelType {
	return []models.FuelType{
		{ID: 1, Name: "Benzina"},
		{ID: 2, Name: "Gasolio"},
		{ID: 3, Name: "GPL"},
		{ID: 4, Name: "Metano"},
	}
}

// Stations generates n stations inside region using the given number of
// workers. Roughly four in five stations cluster around towns; the rest are
// spread uniformly. Stations falling outside region are clamped into it.
func Stations(n int, region models.BoundingBox, workers int, seed int64) []models.Station {
	if n <= 0 {
		return nil
	}
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}

	stations := make([]models.Station, n)
	batchSize := n / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		startIdx := w * batchSize
		endIdx := startIdx + batchSize
		if w == workers-1 {
			endIdx = n
		}

		go func(start, end int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed + int64(start)))

			for i := start; i < end; i++ {
				stations[i] = station(r, int64(i+1), region)
			}
		}(startIdx, endIdx)
	}

	wg.Wait()
	return stations
}

func station(r *rand.Rand, id int64, region models.BoundingBox) models.Station {
	var lat, lon float64
	city, province := "", ""

	if r.Intn(5) > 0 {
		t := towns[r.Intn(len(towns))]
		lat = t.lat + r.NormFloat64()*t.spread
		lon = t.lon + r.NormFloat64()*t.spread
		city, province = t.name, t.province
	} else {
		lat = region.South + r.Float64()*(region.North-region.South)
		lon = region.West + r.Float64()*(region.East-region.West)
	}

	lat = clamp(lat, region.South, region.North)
	lon = clamp(lon, region.West, region.East)

	flag := r.Intn(len(brands))
	typ := models.StationTypeRoad
	if r.Intn(10) == 0 {
		typ = models.StationTypeHighway
	}

	s := models.Station{
		ID:      id,
		Flag:    models.StationFlag(flag),
		Type:    typ,
		Name:    models.StringPtr(brands[flag]),
		Address: models.StringPtr(fmt.Sprintf("%s %d", streets[r.Intn(len(streets))], r.Intn(200)+1)),
		Lat:     lat,
		Lon:     lon,
	}
	if city != "" {
		s.City = models.StringPtr(city)
		s.Province = models.StringPtr(province)
	}
	return s
}

// Fuels generates one to three self-service price quotes per station
func Fuels(stations []models.Station, seed int64, now time.Time) []models.Fuel {
	r := rand.New(rand.NewSource(seed))
	types := FuelTypes()
	base := map[int]float64{1: 1.85, 2: 1.75, 3: 0.72, 4: 1.45}

	fuels := make([]models.Fuel, 0, len(stations)*2)
	for _, s := range stations {
		picks := r.Perm(len(types))[:1+r.Intn(3)]
		for _, p := range picks {
			ft := types[p].ID
			fuels = append(fuels, models.Fuel{
				StationID: s.ID,
				Type:      ft,
				Price:     base[ft] + (r.Float64()-0.5)*0.2,
				Self:      true,
				UpdatedAt: now.Add(-time.Duration(r.Intn(72)) * time.Hour),
			})
		}
	}
	return fuels
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
