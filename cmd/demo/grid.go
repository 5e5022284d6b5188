package main

import (
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/kass/go-fuel-map/pkg/cluster"
	"github.com/kass/go-fuel-map/pkg/models"
)

const (
	minZoom = 5.0
	maxZoom = 19.0

	// terminal cells are about twice as tall as they are wide, and a degree
	// of longitude is about 0.75 of a degree of latitude at these latitudes
	cellAspect = 2 * 0.75
)

// lonSpan returns the longitude degrees shown across the grid at zoom
func lonSpan(zoom float64) float64 {
	return 1080 / math.Pow(2, zoom)
}

// viewBox returns the visible box for a center, zoom and grid size
func viewBox(center models.Location, zoom float64, cols, rows int) models.BoundingBox {
	lon := lonSpan(zoom)
	lat := lon * float64(rows) / float64(cols) * cellAspect

	return models.BoundingBox{
		North: center.Lat + lat/2,
		South: center.Lat - lat/2,
		East:  center.Lon + lon/2,
		West:  center.Lon - lon/2,
	}
}

// zoomToFit returns the highest zoom, in half levels, that shows box with
// some margin
func zoomToFit(box models.BoundingBox, cols, rows int) float64 {
	for z := maxZoom; z > minZoom; z -= 0.5 {
		view := viewBox(box.Center(), z, cols, rows)
		if (view.East-view.West)*0.9 >= box.East-box.West &&
			(view.North-view.South)*0.9 >= box.North-box.South {
			return z
		}
	}
	return minZoom
}

// cell is one character of the map grid
type cell struct {
	glyph  string
	color  string
	marker int
}

// grid is a character rendering of a marker set
type grid struct {
	cols, rows int
	cells      [][]cell
}

func newGrid(cols, rows int) *grid {
	cells := make([][]cell, rows)
	for r := range cells {
		cells[r] = make([]cell, cols)
		for c := range cells[r] {
			cells[r][c] = cell{glyph: "·", color: "#44475A", marker: -1}
		}
	}
	return &grid{cols: cols, rows: rows, cells: cells}
}

// place returns the cell of a location inside view
func (g *grid) place(view models.BoundingBox, loc models.Location) (col, row int, ok bool) {
	if !view.Contains(loc) {
		return 0, 0, false
	}
	col = int((loc.Lon - view.West) / (view.East - view.West) * float64(g.cols))
	row = int((view.North - loc.Lat) / (view.North - view.South) * float64(g.rows))
	if col >= g.cols {
		col = g.cols - 1
	}
	if row >= g.rows {
		row = g.rows - 1
	}
	return col, row, true
}

// draw lays markers on the grid. Larger aggregates are drawn last so they
// stay visible when markers overlap.
func (g *grid) draw(markers []cluster.Marker, view models.BoundingBox) {
	order := make([]int, len(markers))
	for i := range order {
		order[i] = i
	}
	// insertion sort keeps the order stable for equal counts
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && markers[order[j]].Count < markers[order[j-1]].Count; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}

	for _, idx := range order {
		m := markers[idx]
		col, row, ok := g.place(view, m.Position)
		if !ok {
			continue
		}

		if m.Kind == cluster.KindStation {
			g.cells[row][col] = cell{glyph: "•", color: "#F8F8F2", marker: idx}
			continue
		}

		label := m.Label
		if col+len(label) > g.cols {
			col = g.cols - len(label)
			if col < 0 {
				col, label = 0, label[:g.cols]
			}
		}
		for i, ch := range label {
			g.cells[row][col+i] = cell{glyph: string(ch), color: m.Color.Hex(), marker: idx}
		}
	}
}

// nearest returns the index of the marker drawn closest to the grid center,
// or -1 when the grid is empty
func (g *grid) nearest() int {
	best, bestDist := -1, math.MaxFloat64
	cc, cr := float64(g.cols)/2, float64(g.rows)/2
	for r, line := range g.cells {
		for c, cl := range line {
			if cl.marker < 0 {
				continue
			}
			dc := float64(c) - cc
			dr := (float64(r) - cr) * 2
			if d := dc*dc + dr*dr; d < bestDist {
				best, bestDist = cl.marker, d
			}
		}
	}
	return best
}

// String renders the grid with colors
func (g *grid) String() string {
	var b strings.Builder
	for r, line := range g.cells {
		for _, cl := range line {
			b.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color(cl.color)).Render(cl.glyph))
		}
		if r < len(g.cells)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// Plain renders the grid without colors
func (g *grid) Plain() string {
	var b strings.Builder
	for r, line := range g.cells {
		for _, cl := range line {
			b.WriteString(cl.glyph)
		}
		if r < len(g.cells)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}
