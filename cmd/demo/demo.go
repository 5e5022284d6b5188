package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kass/go-fuel-map/pkg/cluster"
	"github.com/kass/go-fuel-map/pkg/config"
	"github.com/kass/go-fuel-map/pkg/gateway"
	"github.com/kass/go-fuel-map/pkg/models"
	"github.com/kass/go-fuel-map/pkg/viewport"
	"github.com/mattn/go-isatty"
)

const (
	plainCols = 72
	plainRows = 20
	waitFrame = 5 * time.Second
)

var (
	// ANSI color codes
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorPurple = "\033[35m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

var errNoFrame = errors.New("timed out waiting for a frame")

func init() {
	// Disable colors if not in a terminal
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		colorReset = ""
		colorGreen = ""
		colorYellow = ""
		colorPurple = ""
		colorCyan = ""
		colorBold = ""
	}
}

func printTitle(title string) {
	fmt.Printf("\n%s%s⛽ %s%s\n", colorBold, colorPurple, title, colorReset)
	fmt.Println(strings.Repeat("=", 60))
}

func printSubtitle(subtitle string) {
	fmt.Printf("\n%s%s%s%s\n", colorBold, colorCyan, subtitle, colorReset)
}

func printSuccess(message string) {
	fmt.Printf("%s✓ %s%s\n", colorGreen, message, colorReset)
}

func printStat(label string, value interface{}) {
	fmt.Printf("  %s%s:%s %s%v%s\n", colorBold, label, colorReset, colorYellow, value, colorReset)
}

// chanSink hands tracker output to the walkthrough
type chanSink struct {
	frames   chan viewport.Frame
	reframes chan models.BoundingBox
}

func (s *chanSink) Render(f viewport.Frame) {
	select {
	case s.frames <- f:
	default:
	}
}

func (s *chanSink) Reframe(bounds models.BoundingBox) {
	select {
	case s.reframes <- bounds:
	default:
	}
}

// waitFor returns the next frame from source, skipping others
func (s *chanSink) waitFor(source string) (viewport.Frame, error) {
	deadline := time.After(waitFrame)
	for {
		select {
		case f := <-s.frames:
			if f.Source == source {
				return f, nil
			}
		case <-deadline:
			return viewport.Frame{}, fmt.Errorf("%w from %s", errNoFrame, source)
		}
	}
}

func printFrame(f viewport.Frame, view models.BoundingBox) {
	g := newGrid(plainCols, plainRows)
	g.draw(f.Markers, view)
	fmt.Println(g.Plain())

	aggregates := 0
	for _, m := range f.Markers {
		if m.Kind == cluster.KindCluster {
			aggregates++
		}
	}
	printStat("Stations", f.Stations)
	printStat("Markers", len(f.Markers))
	printStat("Clusters", aggregates)
	printStat("Zoom", fmt.Sprintf("%.1f", f.Zoom))
}

// runPlain drives a tracker through a fixed tour and prints each step
func runPlain(gw *gateway.Gateway, engine *cluster.Engine, cfg *config.Config) error {
	sink := &chanSink{
		frames:   make(chan viewport.Frame, 16),
		reframes: make(chan models.BoundingBox, 4),
	}
	tracker := viewport.New(gw, engine, sink, cfg.ViewportOptions(), nil)
	defer tracker.Close()

	printTitle("Fuel Map Walkthrough")

	// Country view
	center := cfg.Map.Region.Box().Center()
	zoom := cfg.Map.DefaultZoom
	view := viewBox(center, zoom, plainCols, plainRows)

	printSubtitle("Initial load")
	if err := tracker.Scroll(center, view); err != nil {
		return err
	}
	f, err := sink.waitFor(viewport.SourceFetch)
	if err != nil {
		return err
	}
	printFrame(f, view)

	// Zoom into Milano
	center = models.Location{Lat: 45.4642, Lon: 9.1900}
	zoom = 10
	view = viewBox(center, zoom, plainCols, plainRows)

	printSubtitle("Zoom into Milano")
	if err := tracker.Zoom(zoom, view); err != nil {
		return err
	}
	if _, err := sink.waitFor(viewport.SourceZoom); err != nil {
		return err
	}
	printSuccess("Reclustered the stations already on screen")
	f, err = sink.waitFor(viewport.SourceFetch)
	if err != nil {
		return err
	}
	printFrame(f, view)

	if len(f.Markers) > 0 {
		action, err := tracker.Tap(0)
		if err != nil {
			return err
		}
		printSuccess(fmt.Sprintf("Tap on the first marker: %s", cluster.ActionName(action)))
	}

	// Search
	printSubtitle("Search \"Bologna\"")
	if err := tracker.Search("Bologna", models.SearchFilters{}); err != nil {
		return err
	}
	f, err = sink.waitFor(viewport.SourceSearch)
	if err != nil {
		return err
	}
	select {
	case bounds := <-sink.reframes:
		view = viewBox(bounds.Center(), zoom, plainCols, plainRows)
		printSuccess(fmt.Sprintf("Map reframed on %.3f,%.3f", bounds.Center().Lat, bounds.Center().Lon))
	case <-time.After(waitFrame):
		printSuccess("No results to reframe on")
	}
	printFrame(f, view)

	// Back to the viewport
	printSubtitle("Clear search")
	if err := tracker.ClearSearch(); err != nil {
		return err
	}
	f, err = sink.waitFor(viewport.SourceFetch)
	if err != nil {
		return err
	}
	printStat("Stations", f.Stations)

	stats := gw.Stats()
	printSubtitle("Gateway cache")
	printStat("Hits", stats.Hits)
	printStat("Misses", stats.Misses)
	printStat("Entries", stats.Entries)
	return nil
}
