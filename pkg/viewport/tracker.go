// Package viewport decides when the visible map region needs fresh station
// data, debounces the fetches and hands clustered frames to a render sink.
//
// A Tracker owns one goroutine that plays the role of the UI thread: every
// event, timer expiry and fetch completion is applied there in order, so the
// tracker state needs no locking.
package viewport

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/kass/go-fuel-map/pkg/cluster"
	"github.com/kass/go-fuel-map/pkg/geo"
	"github.com/kass/go-fuel-map/pkg/models"
	"go.uber.org/zap"
)

// ErrClosed is returned for events posted after Close
var ErrClosed = errors.New("viewport tracker closed")

// Source supplies stations to the tracker
type Source interface {
	FetchStationsInBounds(ctx context.Context, bounds models.BoundingBox, zoom float64) ([]models.Station, error)
	SearchStations(ctx context.Context, query string, filters models.SearchFilters) ([]models.Station, error)
}

// Sink receives render output. Calls are made from the tracker goroutine.
type Sink interface {
	Render(Frame)
	Reframe(bounds models.BoundingBox)
}

// Frame origin
const (
	SourceZoom   = "zoom"
	SourceFetch  = "fetch"
	SourceSearch = "search"
)

// Frame is a complete marker set to draw
type Frame struct {
	Token    uint64            `json:"token"`
	Zoom     float64           `json:"zoom"`
	Source   string            `json:"source"`
	Clusters []cluster.Cluster `json:"-"`
	Markers  []cluster.Marker  `json:"markers"`
	Stations int               `json:"stations"`
}

// Phase is the refresh state of a tracker
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePending
	PhaseFetching
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseFetching:
		return "fetching"
	default:
		return "idle"
	}
}

// State is a point-in-time copy of the tracker state
type State struct {
	// Loaded is the visible box of the last successful fetch
	Loaded     *models.BoundingBox `json:"loaded,omitempty"`
	LoadedZoom float64             `json:"loaded_zoom"`
	Zoom       float64             `json:"zoom"`
	Center     models.Location     `json:"center"`
	Token      uint64              `json:"token"`
	Phase      Phase               `json:"phase"`
	Stations   int                 `json:"stations"`
	Searching  bool                `json:"searching"`
}

// Options tunes debouncing and fetch bounds
type Options struct {
	ZoomDebounce    time.Duration
	PanDebounce     time.Duration
	InitialDebounce time.Duration
	SearchDebounce  time.Duration
	// ZoomHysteresis is the zoom change below which zoom events are ignored
	ZoomHysteresis float64
	// BoundsBuffer pads the visible box, in degrees, at low zoom
	BoundsBuffer float64
	FetchTimeout time.Duration
	InitialZoom  float64
}

// DefaultOptions returns the stock timings
func DefaultOptions() Options {
	return Options{
		ZoomDebounce:    200 * time.Millisecond,
		PanDebounce:     100 * time.Millisecond,
		InitialDebounce: 300 * time.Millisecond,
		ZoomHysteresis:  0.3,
		BoundsBuffer:    0.5,
		FetchTimeout:    10 * time.Second,
		InitialZoom:     6,
	}
}

// ExpandBuffer returns the padding applied to the visible box at a zoom level
func ExpandBuffer(zoom, buffer float64) float64 {
	switch {
	case zoom < 8:
		return buffer
	case zoom < 12:
		return buffer / 2
	default:
		return buffer / 10
	}
}

// Tracker turns zoom, scroll and search events into debounced fetches and
// rendered frames
type Tracker struct {
	src    Source
	engine *cluster.Engine
	sink   Sink
	opts   Options
	log    *zap.Logger

	events chan func()
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once

	// root context of every fetch, cancelled on Close
	ctx    context.Context
	cancel context.CancelFunc

	// owned by the loop goroutine
	debounce   *Debouncer
	zoom       float64
	visible    models.BoundingBox
	center     models.Location
	hasView    bool
	loaded     *models.BoundingBox
	loadedZoom float64
	token      uint64
	inflight   map[uint64]context.CancelFunc
	searching  bool
	stations   []models.Station
	frame      Frame

	mu    sync.Mutex
	state State
}

// New starts a tracker. Close must be called to release it.
func New(src Source, engine *cluster.Engine, sink Sink, opts Options, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		src:      src,
		engine:   engine,
		sink:     sink,
		opts:     opts,
		log:      log,
		events:   make(chan func(), 64),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		zoom:     opts.InitialZoom,
		inflight: make(map[uint64]context.CancelFunc),
	}
	t.debounce = NewDebouncer(func(fn func()) { _ = t.post(fn) })
	t.publish()

	go t.loop()
	return t
}

func (t *Tracker) loop() {
	defer close(t.done)
	for {
		select {
		case fn := <-t.events:
			fn()
			t.publish()
		case <-t.quit:
			t.debounce.Cancel()
			t.cancel()
			t.inflight = map[uint64]context.CancelFunc{}
			t.publish()
			t.log.Debug("viewport tracker stopped")
			return
		}
	}
}

// post queues fn for the loop goroutine
func (t *Tracker) post(fn func()) error {
	select {
	case <-t.quit:
		return ErrClosed
	default:
	}

	select {
	case t.events <- fn:
		return nil
	case <-t.quit:
		return ErrClosed
	}
}

// Close stops timers, makes in-flight fetches no-ops and stops the loop.
// It is safe to call more than once.
func (t *Tracker) Close() error {
	t.once.Do(func() { close(t.quit) })
	<-t.done
	return nil
}

// Snapshot returns a copy of the current state
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state
	if s.Loaded != nil {
		box := *s.Loaded
		s.Loaded = &box
	}
	return s
}

// Zoom reports a new zoom level and the box now visible. Changes within the
// hysteresis are ignored; others recluster at once and schedule a fetch.
func (t *Tracker) Zoom(level float64, visible models.BoundingBox) error {
	return t.post(func() {
		if math.Abs(level-t.zoom) <= t.opts.ZoomHysteresis {
			return
		}

		t.log.Debug("zoom change", zap.Float64("from", t.zoom), zap.Float64("to", level))
		t.zoom = level
		t.setView(visible.Center(), visible)

		// immediate feedback from the stations already on screen
		t.render(SourceZoom)
		t.schedule(t.opts.ZoomDebounce, PriorityNormal)
	})
}

// Scroll reports a new map center and visible box
func (t *Tracker) Scroll(center models.Location, visible models.BoundingBox) error {
	return t.post(func() {
		t.setView(center, visible)

		switch {
		case t.loaded == nil:
			t.schedule(t.opts.InitialDebounce, PriorityNormal)
		case !t.loaded.Contains(center):
			t.schedule(t.opts.PanDebounce, PriorityNormal)
		}
	})
}

// Refresh requests a load of the current view
func (t *Tracker) Refresh() error {
	return t.post(func() {
		delay := t.opts.PanDebounce
		if t.loaded == nil {
			delay = t.opts.InitialDebounce
		}
		t.schedule(delay, PriorityNormal)
	})
}

// Search replaces the markers with the search results. It takes priority
// over every pending or in-flight viewport fetch.
func (t *Tracker) Search(query string, filters models.SearchFilters) error {
	return t.post(func() {
		// results of earlier fetches must not land after the search
		t.token++
		t.cancelInflight()
		t.searching = true

		t.debounce.Schedule(t.opts.SearchDebounce, PriorityHigh, func() {
			t.fireSearch(query, filters)
		})
		t.log.Debug("search scheduled", zap.String("query", query))
	})
}

// ClearSearch drops search results and reloads the current view at once
func (t *Tracker) ClearSearch() error {
	return t.post(func() {
		// a search still in flight must not land after it was cleared
		t.token++
		t.cancelInflight()
		t.debounce.Cancel()
		t.searching = false
		if !t.hasView {
			return
		}
		t.fire()
	})
}

// Tap resolves a tap on the marker at index in the last rendered frame
func (t *Tracker) Tap(index int) (cluster.TapAction, error) {
	reply := make(chan cluster.TapAction, 1)
	err := t.post(func() {
		if index < 0 || index >= len(t.frame.Markers) {
			reply <- cluster.NoAction{}
			return
		}
		reply <- cluster.Resolve(t.frame.Markers[index], t.zoom)
	})
	if err != nil {
		return cluster.NoAction{}, err
	}

	select {
	case action := <-reply:
		return action, nil
	case <-t.done:
		return cluster.NoAction{}, ErrClosed
	}
}

func (t *Tracker) setView(center models.Location, visible models.BoundingBox) {
	t.center = center
	t.visible = visible
	t.hasView = true
}

func (t *Tracker) schedule(delay time.Duration, p Priority) {
	if t.searching && p < PriorityHigh {
		t.log.Debug("refresh skipped while search is active")
		return
	}
	if t.debounce.Schedule(delay, p, t.fire) {
		t.log.Debug("refresh scheduled",
			zap.Duration("delay", delay),
			zap.Stringer("priority", p))
	}
}

// fire issues a viewport fetch for the current view
func (t *Tracker) fire() {
	t.token++
	token := t.token
	zoom := t.zoom
	visible := t.visible
	bounds := geo.Expand(visible, ExpandBuffer(zoom, t.opts.BoundsBuffer))

	ctx, cancel := t.fetchContext()
	t.inflight[token] = cancel

	t.log.Debug("fetching stations",
		zap.Uint64("token", token),
		zap.Float64("zoom", zoom),
		zap.Any("bounds", bounds))

	go func() {
		stations, err := t.src.FetchStationsInBounds(ctx, bounds, zoom)
		_ = t.post(func() {
			if !t.finish(token, err) {
				return
			}
			t.stations = stations
			t.loaded = &visible
			t.loadedZoom = zoom
			t.render(SourceFetch)
			t.log.Info("stations loaded",
				zap.Int("count", len(stations)),
				zap.Float64("zoom", zoom))
		})
	}()
}

func (t *Tracker) fireSearch(query string, filters models.SearchFilters) {
	t.token++
	token := t.token

	ctx, cancel := t.fetchContext()
	t.inflight[token] = cancel

	go func() {
		stations, err := t.src.SearchStations(ctx, query, filters)
		_ = t.post(func() {
			if !t.finish(token, err) {
				return
			}
			t.searching = false
			t.stations = stations
			t.render(SourceSearch)

			if bounds, ok := geo.StationBounds(stations); ok {
				t.sink.Reframe(bounds)
			}
			t.log.Info("search results loaded",
				zap.String("query", query),
				zap.Int("count", len(stations)))
		})
	}()
}

// finish releases the fetch context and reports whether the result should
// be applied
func (t *Tracker) finish(token uint64, err error) bool {
	if cancel, ok := t.inflight[token]; ok {
		cancel()
		delete(t.inflight, token)
	}

	if token != t.token {
		t.log.Debug("discarding stale result",
			zap.Uint64("token", token),
			zap.Uint64("latest", t.token))
		return false
	}
	if err != nil {
		t.searching = false
		t.log.Error("failed to load stations", zap.Uint64("token", token), zap.Error(err))
		return false
	}
	return true
}

func (t *Tracker) fetchContext() (context.Context, context.CancelFunc) {
	if t.opts.FetchTimeout <= 0 {
		return context.WithCancel(t.ctx)
	}
	return context.WithTimeout(t.ctx, t.opts.FetchTimeout)
}

func (t *Tracker) cancelInflight() {
	for token, cancel := range t.inflight {
		cancel()
		delete(t.inflight, token)
	}
}

func (t *Tracker) render(source string) {
	clusters := t.engine.Rebuild(t.stations, t.zoom)
	t.frame = Frame{
		Token:    t.token,
		Zoom:     t.zoom,
		Source:   source,
		Clusters: clusters,
		Markers:  t.engine.Markers(clusters),
		Stations: len(t.stations),
	}
	t.sink.Render(t.frame)
}

func (t *Tracker) phase() Phase {
	switch {
	case t.debounce.Pending():
		return PhasePending
	case t.inflight[t.token] != nil:
		return PhaseFetching
	default:
		return PhaseIdle
	}
}

func (t *Tracker) publish() {
	s := State{
		LoadedZoom: t.loadedZoom,
		Zoom:       t.zoom,
		Center:     t.center,
		Token:      t.token,
		Phase:      t.phase(),
		Stations:   len(t.stations),
		Searching:  t.searching,
	}
	if t.loaded != nil {
		box := *t.loaded
		s.Loaded = &box
	}

	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}
