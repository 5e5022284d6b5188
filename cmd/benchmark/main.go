package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kass/go-fuel-map/pkg/cluster"
	"github.com/kass/go-fuel-map/pkg/gateway"
	"github.com/kass/go-fuel-map/pkg/models"
	"github.com/kass/go-fuel-map/pkg/rtree"
	"github.com/kass/go-fuel-map/pkg/synth"
)

type BenchmarkResult struct {
	QueryType     string
	TotalQueries  int
	TotalDuration time.Duration
	AvgDuration   time.Duration
	QueriesPerSec float64
	MinDuration   time.Duration
	MaxDuration   time.Duration
	TotalResults  int64
	AvgResults    float64
	Errors        int64
}

// queryFunc runs one query and returns the number of results
type queryFunc func(r *rand.Rand) (int, error)

var italy = models.BoundingBox{North: 47.1, South: 35.5, East: 18.6, West: 6.6}

func main() {
	var (
		indexFile  = flag.String("i", "", "Snapshot file path (generate stations when empty)")
		numPoints  = flag.Int("stations", 100000, "Number of stations to generate")
		queryType  = flag.String("t", "fetch", "Query type: box, fetch, rebuild, nearest")
		numQueries = flag.Int("n", 1000, "Number of queries to run")
		workers    = flag.Int("w", runtime.NumCPU(), "Number of concurrent workers")
		boxSize    = flag.Float64("box-size", 1.0, "Box size in degrees")
		zoom       = flag.Float64("zoom", 10, "Zoom level for fetch and rebuild queries")
		k          = flag.Int("k", 100, "Number of nearest neighbors")
		seed       = flag.Int64("seed", 1, "Random seed")
	)
	flag.Parse()

	index := rtree.NewStationIndex()
	if *indexFile != "" {
		log.Printf("Loading snapshot from %s...\n", *indexFile)
		if err := index.LoadFromFile(*indexFile); err != nil {
			log.Fatalf("Failed to load snapshot: %v", err)
		}
	} else {
		log.Printf("Generating %d stations...\n", *numPoints)
		if err := index.IndexStations(synth.Stations(*numPoints, italy, *workers, *seed)); err != nil {
			log.Fatalf("Failed to index stations: %v", err)
		}
	}
	log.Printf("Index ready with %d stations\n", index.Count())

	randomBox := func(r *rand.Rand) models.BoundingBox {
		lat := italy.South + r.Float64()*(italy.North-italy.South-*boxSize)
		lon := italy.West + r.Float64()*(italy.East-italy.West-*boxSize)
		return models.BoundingBox{North: lat + *boxSize, South: lat, East: lon + *boxSize, West: lon}
	}

	ctx := context.Background()
	gw := gateway.New(index, gateway.Options{CacheSize: 256, Region: &italy}, nil)
	engine, err := cluster.NewEngine(cluster.DefaultOptions(), nil)
	if err != nil {
		log.Fatalf("Failed to create cluster engine: %v", err)
	}

	var run queryFunc
	switch *queryType {
	case "box":
		limit := gateway.Limit(*zoom)
		run = func(r *rand.Rand) (int, error) {
			results, err := index.QueryBox(ctx, randomBox(r), limit)
			return len(results), err
		}
	case "fetch":
		run = func(r *rand.Rand) (int, error) {
			results, err := gw.FetchStationsInBounds(ctx, randomBox(r), *zoom)
			return len(results), err
		}
	case "rebuild":
		run = func(r *rand.Rand) (int, error) {
			stations, err := gw.FetchStationsInBounds(ctx, randomBox(r), *zoom)
			if err != nil {
				return 0, err
			}
			return len(engine.Rebuild(stations, *zoom)), nil
		}
	case "nearest":
		run = func(r *rand.Rand) (int, error) {
			center := models.Location{
				Lat: italy.South + r.Float64()*(italy.North-italy.South),
				Lon: italy.West + r.Float64()*(italy.East-italy.West),
			}
			return len(index.Nearest(center, *k)), nil
		}
	default:
		log.Fatalf("Unknown query type: %s", *queryType)
	}

	log.Printf("Running %d %s queries with %d workers...\n", *numQueries, *queryType, *workers)
	result := benchmark(*queryType, run, *numQueries, *workers)

	// Print results
	fmt.Println("\n=== Benchmark Results ===")
	fmt.Printf("Query Type: %s\n", result.QueryType)
	fmt.Printf("Total Queries: %d\n", result.TotalQueries)
	fmt.Printf("Total Duration: %v\n", result.TotalDuration)
	fmt.Printf("Average Duration: %v\n", result.AvgDuration)
	fmt.Printf("Queries/Second: %.2f\n", result.QueriesPerSec)
	fmt.Printf("Min Duration: %v\n", result.MinDuration)
	fmt.Printf("Max Duration: %v\n", result.MaxDuration)
	fmt.Printf("Total Results: %d\n", result.TotalResults)
	fmt.Printf("Avg Results/Query: %.2f\n", result.AvgResults)
	fmt.Printf("Errors: %d\n", result.Errors)
	fmt.Printf("Workers Used: %d\n", *workers)
	fmt.Printf("CPU Cores: %d\n", runtime.NumCPU())

	if *queryType == "fetch" || *queryType == "rebuild" {
		stats := gw.Stats()
		fmt.Printf("Cache Hits/Misses: %d/%d\n", stats.Hits, stats.Misses)
	}
}

func benchmark(name string, run queryFunc, numQueries, workers int) BenchmarkResult {
	var (
		totalResults atomic.Int64
		errCount     atomic.Int64
		minDuration  = time.Hour
		maxDuration  time.Duration
		durations    []time.Duration
		mu           sync.Mutex
	)

	startTime := time.Now()

	// Worker pool
	queryCh := make(chan int, numQueries)
	var wg sync.WaitGroup

	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(w) + 1))

			for range queryCh {
				queryStart := time.Now()
				n, err := run(r)
				queryDuration := time.Since(queryStart)

				if err != nil {
					errCount.Add(1)
					continue
				}
				totalResults.Add(int64(n))

				mu.Lock()
				durations = append(durations, queryDuration)
				if queryDuration < minDuration {
					minDuration = queryDuration
				}
				if queryDuration > maxDuration {
					maxDuration = queryDuration
				}
				mu.Unlock()
			}
		}(w)
	}

	// Send queries
	for i := 0; i < numQueries; i++ {
		queryCh <- i
	}
	close(queryCh)

	wg.Wait()
	totalDuration := time.Since(startTime)

	var avgDuration time.Duration
	if len(durations) > 0 {
		var totalDur time.Duration
		for _, d := range durations {
			totalDur += d
		}
		avgDuration = totalDur / time.Duration(len(durations))
	}

	return BenchmarkResult{
		QueryType:     name,
		TotalQueries:  numQueries,
		TotalDuration: totalDuration,
		AvgDuration:   avgDuration,
		QueriesPerSec: float64(numQueries) / totalDuration.Seconds(),
		MinDuration:   minDuration,
		MaxDuration:   maxDuration,
		TotalResults:  totalResults.Load(),
		AvgResults:    float64(totalResults.Load()) / float64(numQueries),
		Errors:        errCount.Load(),
	}
}
