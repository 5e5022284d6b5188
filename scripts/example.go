package main

import (
	"context"
	"fmt"
	"log"

	"github.com/kass/go-fuel-map/pkg/cluster"
	"github.com/kass/go-fuel-map/pkg/gateway"
	"github.com/kass/go-fuel-map/pkg/geo"
	"github.com/kass/go-fuel-map/pkg/models"
	"github.com/kass/go-fuel-map/pkg/rtree"
)

func station(id int64, name, city string, lat, lon float64) models.Station {
	return models.Station{
		ID:   id,
		Name: models.StringPtr(name),
		City: models.StringPtr(city),
		Lat:  lat,
		Lon:  lon,
	}
}

func main() {
	ctx := context.Background()

	// Create a new station index
	index := rtree.NewStationIndex()

	// A few stations around Emilia-Romagna and Lombardia
	stations := []models.Station{
		station(1, "Eni Modena Nord", "Modena", 44.6471, 10.9252),
		station(2, "Q8 Modena Est", "Modena", 44.6402, 10.9431),
		station(3, "IP Bologna Centro", "Bologna", 44.4949, 11.3426),
		station(4, "Tamoil Bologna Borgo", "Bologna", 44.5075, 11.3051),
		station(5, "Esso Parma", "Parma", 44.8015, 10.3279),
		station(6, "Eni Milano Duomo", "Milano", 45.4642, 9.1900),
		station(7, "Q8 Milano Lambrate", "Milano", 45.4847, 9.2373),
	}

	if err := index.IndexStations(stations); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Indexed %d stations\n\n", index.Count())

	gw := gateway.New(index, gateway.DefaultOptions(), nil)
	engine, err := cluster.NewEngine(cluster.DefaultOptions(), nil)
	if err != nil {
		log.Fatal(err)
	}

	// Example 1: Stations in a bounding box
	fmt.Println("=== Stations in Emilia-Romagna (Bounding Box) ===")
	emilia := models.BoundingBox{North: 45.0, South: 44.3, East: 11.5, West: 10.2}

	results, err := gw.FetchStationsInBounds(ctx, emilia, 9)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Found %d stations (limit %d):\n", len(results), gateway.Limit(9))
	for _, s := range results {
		fmt.Printf("  - %s: (%.4f, %.4f)\n", s.DisplayName(), s.Lat, s.Lon)
	}

	// Example 2: The same stations clustered at two zoom levels
	for _, zoom := range []float64{7, 13} {
		fmt.Printf("\n=== Clusters at zoom %.0f (threshold %.2f°) ===\n", zoom, cluster.Threshold(zoom))
		for _, m := range engine.Markers(engine.Rebuild(results, zoom)) {
			action := cluster.ActionName(cluster.Resolve(m, zoom))
			fmt.Printf("  - %-24s %-8s %s\n", m.Title, m.Color, action)
		}
	}

	// Example 3: Nearest stations to Bologna
	fmt.Println("\n=== 3 Nearest Stations to Bologna ===")
	bologna := models.Location{Lat: 44.4949, Lon: 11.3426}

	for i, s := range index.Nearest(bologna, 3) {
		fmt.Printf("  %d. %s: %.1f km away\n", i+1, s.DisplayName(), geo.Distance(bologna, s.Location()))
	}

	// Save the index
	fmt.Println("\n=== Saving Index ===")
	if err := index.SaveToFile("stations.gob"); err != nil {
		log.Fatal(err)
	}
	fmt.Println("Index saved to stations.gob")

	// Load the index
	fmt.Println("\n=== Loading Index ===")
	newIndex := rtree.NewStationIndex()
	if err := newIndex.LoadFromFile("stations.gob"); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Loaded index with %d stations\n", newIndex.Count())
}
