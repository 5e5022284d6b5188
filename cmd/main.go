package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/kass/go-fuel-map/pkg/cluster"
	"github.com/kass/go-fuel-map/pkg/config"
	"github.com/kass/go-fuel-map/pkg/gateway"
	"github.com/kass/go-fuel-map/pkg/logger"
	"github.com/kass/go-fuel-map/pkg/models"
	"github.com/kass/go-fuel-map/pkg/postgis"
	"github.com/kass/go-fuel-map/pkg/rtree"
	"github.com/kass/go-fuel-map/pkg/synth"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var (
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "fuelmap",
	Short: "Fuel station map backend",
	Long:  `Seeds, queries, clusters and serves fuel stations for a zoomable map.`,
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Generate synthetic stations",
	Long:  `Generate stations inside the configured region and write them to the snapshot file, optionally loading them into PostGIS.`,
	Run:   runSeed,
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query stations in a bounding box",
	Long:  `Fetch stations inside a box at a zoom level through the station gateway, or run random box queries when --random is set.`,
	Run:   runQuery,
}

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Cluster stations in a bounding box",
	Long:  `Fetch stations inside a box and print the clustered markers as a GeoJSON FeatureCollection.`,
	Run:   runCluster,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP and WebSocket API",
	Run:   runServe,
}

var (
	numStations int
	numWorkers  int
	seedValue   int64
	toPostGIS   bool

	box        models.BoundingBox
	zoom       float64
	asJSON     bool
	numQueries int
	iconDir    string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file path (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	seedCmd.Flags().IntVarP(&numStations, "stations", "n", 20000, "Number of stations to generate")
	seedCmd.Flags().IntVarP(&numWorkers, "workers", "w", runtime.NumCPU(), "Number of worker goroutines")
	seedCmd.Flags().Int64Var(&seedValue, "seed", time.Now().UnixNano(), "Random seed")
	seedCmd.Flags().BoolVar(&toPostGIS, "postgis", false, "Also load the stations into PostGIS")

	for _, cmd := range []*cobra.Command{queryCmd, clusterCmd} {
		cmd.Flags().Float64Var(&box.North, "north", 45.6, "North edge")
		cmd.Flags().Float64Var(&box.South, "south", 45.3, "South edge")
		cmd.Flags().Float64Var(&box.East, "east", 9.4, "East edge")
		cmd.Flags().Float64Var(&box.West, "west", 9.0, "West edge")
		cmd.Flags().Float64VarP(&zoom, "zoom", "z", 12, "Zoom level")
	}

	queryCmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	queryCmd.Flags().IntVarP(&numQueries, "random", "r", 0, "Run this many random box queries instead")
	queryCmd.Flags().IntVarP(&numWorkers, "workers", "w", runtime.NumCPU(), "Number of worker goroutines")

	clusterCmd.Flags().StringVar(&iconDir, "icons", "", "Write cluster icons as PNG files to this directory")

	rootCmd.AddCommand(seedCmd, queryCmd, clusterCmd, serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// openStore returns the configured station store and a release func
func openStore(ctx context.Context, cfg *config.Config) (gateway.Store, func()) {
	switch cfg.Backend {
	case config.BackendPostGIS:
		store, err := postgis.Open(ctx, cfg.DSN, cfg.BunDebug)
		if err != nil {
			log.Fatalf("Failed to connect to PostGIS: %v", err)
		}
		return store, func() { _ = store.Close() }
	default:
		index := rtree.NewStationIndex()
		if err := index.LoadFromFile(cfg.Snapshot); err != nil {
			log.Fatalf("Failed to load snapshot (run 'fuelmap seed' first): %v", err)
		}
		if verbose {
			fmt.Fprintf(os.Stderr, "Loaded %d stations from %s\n", index.Count(), cfg.Snapshot)
		}
		return index, func() {}
	}
}

func isTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func runSeed(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	region := cfg.Map.Region.Box()

	fmt.Printf("Generating %d stations using %d workers...\n", numStations, numWorkers)
	start := time.Now()
	stations := synth.Stations(numStations, region, numWorkers, seedValue)
	fuels := synth.Fuels(stations, seedValue, time.Now().UTC())
	fmt.Printf("Generated %d stations and %d prices in %v\n", len(stations), len(fuels), time.Since(start))

	index := rtree.NewStationIndex()
	start = time.Now()
	if err := index.IndexStations(stations); err != nil {
		log.Fatalf("Failed to index stations: %v", err)
	}
	index.IndexFuels(fuels)
	index.SetFuelTypes(synth.FuelTypes())
	loadTime := time.Since(start)

	fmt.Printf("Indexed %d stations in %v\n", index.Count(), loadTime)
	fmt.Printf("Stations per second: %.0f\n", float64(len(stations))/loadTime.Seconds())

	if dir := filepath.Dir(cfg.Snapshot); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("Failed to create snapshot directory: %v", err)
		}
	}
	if err := index.SaveToFile(cfg.Snapshot); err != nil {
		log.Fatalf("Failed to save snapshot: %v", err)
	}
	fmt.Printf("Snapshot saved to %s\n", cfg.Snapshot)

	if !toPostGIS {
		return
	}

	ctx := cmd.Context()
	store, err := postgis.Open(ctx, cfg.DSN, cfg.BunDebug)
	if err != nil {
		log.Fatalf("Failed to connect to PostGIS: %v", err)
	}
	defer store.Close()

	if err := store.InitSchema(ctx); err != nil {
		log.Fatalf("Failed to init schema: %v", err)
	}

	start = time.Now()
	if err := store.BulkInsertStations(ctx, stations); err != nil {
		log.Fatalf("Failed to insert stations: %v", err)
	}
	if err := store.InsertFuelTypes(ctx, synth.FuelTypes()); err != nil {
		log.Fatalf("Failed to insert fuel types: %v", err)
	}
	if err := store.BulkInsertFuels(ctx, fuels); err != nil {
		log.Fatalf("Failed to insert fuels: %v", err)
	}
	fmt.Printf("Loaded %d stations into PostGIS in %v\n", len(stations), time.Since(start))
}

func runQuery(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := cmd.Context()

	store, release := openStore(ctx, cfg)
	defer release()
	gw := gateway.New(store, cfg.GatewayOptions(), nil)

	if numQueries > 0 {
		runRandomQueries(ctx, gw, cfg.Map.Region.Box())
		return
	}

	if !box.Valid() {
		log.Fatalf("Invalid box: %+v", box)
	}

	start := time.Now()
	stations, err := gw.FetchStationsInBounds(ctx, box, zoom)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	elapsed := time.Since(start)

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(stations); err != nil {
			log.Fatalf("Failed to encode stations: %v", err)
		}
		return
	}

	printStations(stations)
	fmt.Printf("\n%d stations (limit %d at zoom %.1f) in %v\n", len(stations), gateway.Limit(zoom), zoom, elapsed)
}

func printStations(stations []models.Station) {
	header := fmt.Sprintf("%-8s %-16s %-28s %10s %10s", "ID", "NAME", "ADDRESS", "LAT", "LON")
	if isTerminal() {
		header = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4")).Render(header)
	}
	fmt.Println(header)

	for _, s := range stations {
		fmt.Printf("%-8d %-16.16s %-28.28s %10.5f %10.5f\n", s.ID, s.DisplayName(), s.DisplayAddress(), s.Lat, s.Lon)
	}
}

// runRandomQueries measures gateway throughput over random boxes in region
func runRandomQueries(ctx context.Context, gw *gateway.Gateway, region models.BoundingBox) {
	fmt.Printf("Running %d random box queries at zoom %.1f using %d workers...\n", numQueries, zoom, numWorkers)

	boxes := make([]models.BoundingBox, numQueries)
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := range boxes {
		// Random box size (0.1 to 2 degrees)
		size := r.Float64()*1.9 + 0.1
		lat := region.South + r.Float64()*(region.North-region.South)
		lon := region.West + r.Float64()*(region.East-region.West)
		boxes[i] = models.BoundingBox{North: lat + size/2, South: lat - size/2, East: lon + size/2, West: lon - size/2}
	}

	var totalResults atomic.Int64
	var queryCount atomic.Int64

	start := time.Now()

	var wg sync.WaitGroup
	queriesPerWorker := numQueries / numWorkers

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		startIdx := w * queriesPerWorker
		endIdx := startIdx + queriesPerWorker
		if w == numWorkers-1 {
			endIdx = numQueries
		}

		go func(workerID, start, end int) {
			defer wg.Done()

			localResults := 0
			for i := start; i < end; i++ {
				results, err := gw.FetchStationsInBounds(ctx, boxes[i], zoom)
				if err != nil {
					log.Printf("Worker %d: Query error: %v", workerID, err)
					continue
				}
				localResults += len(results)
				queryCount.Add(1)

				if verbose && i%100 == 0 {
					fmt.Printf("Worker %d: Query %d found %d results\n", workerID, i, len(results))
				}
			}
			totalResults.Add(int64(localResults))
		}(w, startIdx, endIdx)
	}

	wg.Wait()
	elapsed := time.Since(start)

	completed := queryCount.Load()
	if completed == 0 {
		log.Fatalf("No query completed")
	}
	stats := gw.Stats()

	fmt.Printf("\nBenchmark Results:\n")
	fmt.Printf("Total queries: %d\n", completed)
	fmt.Printf("Total time: %v\n", elapsed)
	fmt.Printf("Queries per second: %.0f\n", float64(completed)/elapsed.Seconds())
	fmt.Printf("Average query time: %v\n", elapsed/time.Duration(completed))
	fmt.Printf("Average results per query: %.1f\n", float64(totalResults.Load())/float64(completed))
	fmt.Printf("Cache hits/misses: %d/%d\n", stats.Hits, stats.Misses)
}

func runCluster(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := cmd.Context()

	if !box.Valid() {
		log.Fatalf("Invalid box: %+v", box)
	}

	store, release := openStore(ctx, cfg)
	defer release()
	gw := gateway.New(store, cfg.GatewayOptions(), nil)

	engine, err := cluster.NewEngine(cfg.ClusterOptions(), logger.New(cfg.Environment, verbose).Logger)
	if err != nil {
		log.Fatalf("Failed to create cluster engine: %v", err)
	}

	stations, err := gw.FetchStationsInBounds(ctx, box, zoom)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	markers := engine.Markers(engine.Rebuild(stations, zoom))

	if iconDir != "" {
		if err := writeIcons(engine, markers); err != nil {
			log.Fatalf("Failed to write icons: %v", err)
		}
	}

	data, err := cluster.ToFeatureCollection(markers).MarshalJSON()
	if err != nil {
		log.Fatalf("Failed to encode GeoJSON: %v", err)
	}
	fmt.Println(string(data))
}

func writeIcons(engine *cluster.Engine, markers []cluster.Marker) error {
	if err := os.MkdirAll(iconDir, 0o755); err != nil {
		return err
	}

	written := 0
	for i, m := range markers {
		img, err := engine.Icon(m)
		if err != nil {
			return err
		}
		if img == nil {
			continue
		}
		data, err := cluster.IconPNG(img)
		if err != nil {
			return err
		}
		name := filepath.Join(iconDir, fmt.Sprintf("cluster_%03d_%s.png", i, m.Color))
		if err := os.WriteFile(name, data, 0o644); err != nil {
			return err
		}
		written++
	}

	fmt.Fprintf(os.Stderr, "Wrote %d icons to %s\n", written, iconDir)
	return nil
}
