package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/kass/go-fuel-map/pkg/cluster"
	"github.com/kass/go-fuel-map/pkg/config"
	"github.com/kass/go-fuel-map/pkg/gateway"
	"github.com/kass/go-fuel-map/pkg/models"
	"github.com/kass/go-fuel-map/pkg/rtree"
	"github.com/kass/go-fuel-map/pkg/synth"
	"github.com/kass/go-fuel-map/pkg/viewport"
	"github.com/mattn/go-isatty"
)

var (
	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF79C6")).
			Background(lipgloss.Color("#282A36")).
			Padding(0, 1)

	subtitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#8BE9FD"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5555"))

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F1FA8C"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6272A4"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#BD93F9"))

	statStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFB86C"))
)

type frameMsg viewport.Frame
type reframeMsg models.BoundingBox
type tapMsg struct {
	action cluster.TapAction
}
type errMsg struct {
	err error
}
type pollMsg time.Time

// programSink forwards tracker output to the program in order without
// blocking the tracker goroutine
type programSink struct {
	ch chan tea.Msg
}

func newProgramSink() *programSink {
	return &programSink{ch: make(chan tea.Msg, 64)}
}

func (s *programSink) Render(f viewport.Frame)           { s.push(frameMsg(f)) }
func (s *programSink) Reframe(bounds models.BoundingBox) { s.push(reframeMsg(bounds)) }

func (s *programSink) push(msg tea.Msg) {
	select {
	case s.ch <- msg:
	default:
	}
}

func (s *programSink) forward(p *tea.Program) {
	for msg := range s.ch {
		p.Send(msg)
	}
}

type model struct {
	tracker *viewport.Tracker
	gw      *gateway.Gateway
	spinner spinner.Model
	input   textinput.Model

	center models.Location
	zoom   float64
	width  int
	height int

	frame     viewport.Frame
	hasFrame  bool
	state     viewport.State
	searching bool
	status    string
	err       error
}

func initialModel(tracker *viewport.Tracker, gw *gateway.Gateway, center models.Location, zoom float64) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF79C6"))

	in := textinput.New()
	in.Placeholder = "name, city or province"
	in.CharLimit = 64
	in.Prompt = "search: "

	return model{
		tracker: tracker,
		gw:      gw,
		spinner: s,
		input:   in,
		center:  center,
		zoom:    zoom,
		width:   80,
		height:  30,
	}
}

func poll() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg { return pollMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		poll(),
		m.scroll(),
	)
}

func (m model) gridSize() (cols, rows int) {
	cols, rows = m.width-2, m.height-9
	if cols < 20 {
		cols = 20
	}
	if rows < 8 {
		rows = 8
	}
	return cols, rows
}

func (m model) view() models.BoundingBox {
	cols, rows := m.gridSize()
	return viewBox(m.center, m.zoom, cols, rows)
}

func (m model) scroll() tea.Cmd {
	return report(m.tracker.Scroll(m.center, m.view()))
}

func (m model) zoomTo(level float64) (model, tea.Cmd) {
	if level < minZoom {
		level = minZoom
	}
	if level > maxZoom {
		level = maxZoom
	}
	m.zoom = level
	return m, report(m.tracker.Zoom(level, m.view()))
}

// report turns an event error into a message
func report(err error) tea.Cmd {
	if err == nil {
		return nil
	}
	return func() tea.Msg { return errMsg{err} }
}

func (m model) tap() tea.Cmd {
	if !m.hasFrame {
		return nil
	}
	cols, rows := m.gridSize()
	g := newGrid(cols, rows)
	g.draw(m.frame.Markers, m.view())
	idx := g.nearest()
	if idx < 0 {
		return nil
	}

	tracker := m.tracker
	return func() tea.Msg {
		action, err := tracker.Tap(idx)
		if err != nil {
			return errMsg{err}
		}
		return tapMsg{action}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, m.scroll()

	case tea.KeyMsg:
		if m.searching {
			return m.updateSearch(msg)
		}
		return m.updateKeys(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case pollMsg:
		m.state = m.tracker.Snapshot()
		return m, poll()

	case frameMsg:
		m.frame = viewport.Frame(msg)
		m.hasFrame = true
		m.err = nil
		return m, nil

	case reframeMsg:
		cols, rows := m.gridSize()
		box := models.BoundingBox(msg)
		m.center = box.Center()
		var cmd tea.Cmd
		m, cmd = m.zoomTo(zoomToFit(box, cols, rows))
		return m, tea.Batch(cmd, m.scroll())

	case tapMsg:
		return m.applyTap(msg.action)

	case errMsg:
		m.err = msg.err
		return m, nil
	}

	return m, nil
}

func (m model) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	step := lonSpan(m.zoom) / 4

	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "up", "k":
		m.center.Lat += step / 2
		return m, m.scroll()
	case "down", "j":
		m.center.Lat -= step / 2
		return m, m.scroll()
	case "left", "h":
		m.center.Lon -= step
		return m, m.scroll()
	case "right", "l":
		m.center.Lon += step
		return m, m.scroll()
	case "+", "=":
		return m.zoomTo(m.zoom + 1)
	case "-", "_":
		return m.zoomTo(m.zoom - 1)
	case "/":
		m.searching = true
		m.input.SetValue("")
		return m, m.input.Focus()
	case "c":
		m.status = "search cleared"
		return m, report(m.tracker.ClearSearch())
	case "r":
		return m, report(m.tracker.Refresh())
	case "enter", "t":
		return m, m.tap()
	}
	return m, nil
}

func (m model) updateSearch(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.searching = false
		m.input.Blur()
		return m, nil
	case tea.KeyEnter:
		m.searching = false
		m.input.Blur()
		query := strings.TrimSpace(m.input.Value())
		m.status = fmt.Sprintf("searching %q", query)
		return m, report(m.tracker.Search(query, models.SearchFilters{}))
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) applyTap(action cluster.TapAction) (tea.Model, tea.Cmd) {
	switch a := action.(type) {
	case cluster.ZoomToCluster:
		cols, rows := m.gridSize()
		m.center = a.Bounds.Center()
		m.status = "zooming into cluster"
		var cmd tea.Cmd
		m, cmd = m.zoomTo(zoomToFit(a.Bounds, cols, rows))
		return m, tea.Batch(cmd, m.scroll())
	case cluster.ShowStation:
		m.status = m.describeStation(a.ID)
	case cluster.ListStations:
		ids := make([]string, 0, len(a.IDs))
		for _, id := range a.IDs {
			ids = append(ids, fmt.Sprintf("#%d", id))
		}
		m.status = fmt.Sprintf("%d stations here: %s", len(a.IDs), strings.Join(ids, " "))
	default:
		m.status = "nothing to tap"
	}
	return m, nil
}

func (m model) describeStation(id int64) string {
	for _, mk := range m.frame.Markers {
		if mk.Kind == cluster.KindStation && mk.Station != nil && mk.Station.ID == id {
			return fmt.Sprintf("#%d %s, %s", id, mk.Title, mk.Subtitle)
		}
	}
	return fmt.Sprintf("station #%d", id)
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("⛽ Fuel Map Explorer"))
	b.WriteString("  ")

	activity := dimStyle.Render("idle")
	if m.state.Phase != viewport.PhaseIdle {
		activity = m.spinner.View() + " " + infoStyle.Render(m.state.Phase.String())
	}
	b.WriteString(fmt.Sprintf("zoom %s  center %s  stations %s  markers %s  %s\n",
		statStyle.Render(fmt.Sprintf("%.1f", m.zoom)),
		statStyle.Render(fmt.Sprintf("%.3f,%.3f", m.center.Lat, m.center.Lon)),
		statStyle.Render(fmt.Sprintf("%d", m.frame.Stations)),
		statStyle.Render(fmt.Sprintf("%d", len(m.frame.Markers))),
		activity,
	))

	cols, rows := m.gridSize()
	g := newGrid(cols, rows)
	if m.hasFrame {
		g.draw(m.frame.Markers, m.view())
	}
	b.WriteString(boxStyle.Render(g.String()))
	b.WriteString("\n")

	b.WriteString(legend())
	b.WriteString("\n")

	switch {
	case m.searching:
		b.WriteString(m.input.View())
	case m.err != nil:
		b.WriteString(errorStyle.Render(m.err.Error()))
	case m.status != "":
		b.WriteString(subtitleStyle.Render(m.status))
	}
	b.WriteString("\n")

	stats := m.gw.Stats()
	b.WriteString(dimStyle.Render(fmt.Sprintf(
		"arrows pan • +/- zoom • / search • c clear • r refresh • enter tap • q quit    cache %d/%d",
		stats.Hits, stats.Hits+stats.Misses)))

	return b.String()
}

func legend() string {
	parts := make([]string, 0, 4)
	for _, c := range []cluster.Color{cluster.ColorOK, cluster.ColorWarning, cluster.ColorAlert} {
		parts = append(parts, lipgloss.NewStyle().Foreground(lipgloss.Color(c.Hex())).Render("■ "+c.String()))
	}
	parts = append(parts, "• station")
	return strings.Join(parts, "   ")
}

func main() {
	var (
		configFile = flag.String("config", "", "Config file path (YAML)")
		numPoints  = flag.Int("stations", 20000, "Stations to generate when no snapshot exists")
		plain      = flag.Bool("plain", false, "Run the scripted walkthrough without the TUI")
	)
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	index := rtree.NewStationIndex()
	if err := index.LoadFromFile(cfg.Snapshot); err != nil {
		stations := synth.Stations(*numPoints, cfg.Map.Region.Box(), runtime.NumCPU(), 1)
		if err := index.IndexStations(stations); err != nil {
			log.Fatalf("Failed to index stations: %v", err)
		}
		index.IndexFuels(synth.Fuels(stations, 1, time.Now().UTC()))
		index.SetFuelTypes(synth.FuelTypes())
	}

	gw := gateway.New(index, cfg.GatewayOptions(), nil)
	engine, err := cluster.NewEngine(cfg.ClusterOptions(), nil)
	if err != nil {
		log.Fatalf("Failed to create cluster engine: %v", err)
	}

	tty := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	if *plain || !tty {
		if err := runPlain(gw, engine, cfg); err != nil {
			log.Fatalf("Walkthrough failed: %v", err)
		}
		return
	}

	sink := newProgramSink()
	tracker := viewport.New(gw, engine, sink, cfg.ViewportOptions(), nil)
	defer tracker.Close()

	center := cfg.Map.Region.Box().Center()
	p := tea.NewProgram(initialModel(tracker, gw, center, cfg.Map.DefaultZoom), tea.WithAltScreen())
	go sink.forward(p)

	if _, err := p.Run(); err != nil {
		fmt.Printf("Error running demo: %v\n", err)
		os.Exit(1)
	}
}
