package viewport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kass/go-fuel-map/pkg/cluster"
	"github.com/kass/go-fuel-map/pkg/geo"
	"github.com/kass/go-fuel-map/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type result struct {
	stations []models.Station
	err      error
}

type request struct {
	bounds models.BoundingBox
	zoom   float64
	query  string
	search bool
	reply  chan result
}

// fakeSource hands every call to the test, which decides when and how it
// resolves
type fakeSource struct {
	requests chan request
}

func newFakeSource() *fakeSource {
	return &fakeSource{requests: make(chan request, 16)}
}

func (f *fakeSource) wait(ctx context.Context, req request) ([]models.Station, error) {
	f.requests <- req
	select {
	case r := <-req.reply:
		return r.stations, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeSource) FetchStationsInBounds(ctx context.Context, bounds models.BoundingBox, zoom float64) ([]models.Station, error) {
	return f.wait(ctx, request{bounds: bounds, zoom: zoom, reply: make(chan result, 1)})
}

func (f *fakeSource) SearchStations(ctx context.Context, query string, _ models.SearchFilters) ([]models.Station, error) {
	return f.wait(ctx, request{query: query, search: true, reply: make(chan result, 1)})
}

func (f *fakeSource) next(t *testing.T) request {
	t.Helper()
	select {
	case req := <-f.requests:
		return req
	case <-time.After(time.Second):
		t.Fatal("no request issued")
		return request{}
	}
}

func (f *fakeSource) none(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case req := <-f.requests:
		t.Fatalf("unexpected request: %+v", req)
	case <-time.After(within):
	}
}

type recordingSink struct {
	mu       sync.Mutex
	frames   []Frame
	reframes []models.BoundingBox
}

func (s *recordingSink) Render(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
}

func (s *recordingSink) Reframe(b models.BoundingBox) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reframes = append(s.reframes, b)
}

// rendered returns frames of one source
func (s *recordingSink) rendered(source string) []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Frame
	for _, f := range s.frames {
		if f.Source == source {
			out = append(out, f)
		}
	}
	return out
}

func (s *recordingSink) reframed() []models.BoundingBox {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.BoundingBox(nil), s.reframes...)
}

func testOptions() Options {
	return Options{
		ZoomDebounce:    40 * time.Millisecond,
		PanDebounce:     20 * time.Millisecond,
		InitialDebounce: 30 * time.Millisecond,
		ZoomHysteresis:  0.3,
		BoundsBuffer:    0.5,
		FetchTimeout:    time.Second,
		InitialZoom:     6,
	}
}

func newTestTracker(t *testing.T) (*Tracker, *fakeSource, *recordingSink) {
	t.Helper()
	engine, err := cluster.NewEngine(cluster.DefaultOptions(), nil)
	require.NoError(t, err)

	src := newFakeSource()
	sink := &recordingSink{}
	tr := New(src, engine, sink, testOptions(), nil)
	t.Cleanup(func() { _ = tr.Close() })
	return tr, src, sink
}

var (
	milan   = models.BoundingBox{North: 45.6, South: 45.3, East: 9.4, West: 9.0}
	bologna = models.BoundingBox{North: 44.6, South: 44.4, East: 11.5, West: 11.2}
)

func stationAt(id int64, lat, lon float64) models.Station {
	return models.Station{ID: id, Name: models.StringPtr("station"), Lat: lat, Lon: lon}
}

func frameIDs(f Frame) []int64 {
	var ids []int64
	for _, m := range f.Markers {
		ids = append(ids, m.Members...)
	}
	return ids
}

// load performs the first viewport load and waits for its frame
func load(t *testing.T, tr *Tracker, src *fakeSource, sink *recordingSink, stations ...models.Station) {
	t.Helper()
	require.NoError(t, tr.Scroll(milan.Center(), milan))
	req := src.next(t)
	req.reply <- result{stations: stations}
	require.Eventually(t, func() bool { return len(sink.rendered(SourceFetch)) > 0 }, time.Second, 5*time.Millisecond)
}

func TestExpandBuffer(t *testing.T) {
	assert.Equal(t, 0.5, ExpandBuffer(5, 0.5))
	assert.Equal(t, 0.25, ExpandBuffer(8, 0.5))
	assert.Equal(t, 0.25, ExpandBuffer(11.9, 0.5))
	assert.Equal(t, 0.05, ExpandBuffer(12, 0.5))
}

func TestInitialLoad(t *testing.T) {
	tr, src, sink := newTestTracker(t)
	assert.Equal(t, PhaseIdle, tr.Snapshot().Phase)

	require.NoError(t, tr.Scroll(milan.Center(), milan))
	req := src.next(t)

	// zoom 6 uses the full buffer
	assert.Equal(t, geo.Expand(milan, 0.5), req.bounds)
	assert.Equal(t, 6.0, req.zoom)
	assert.Eventually(t, func() bool { return tr.Snapshot().Phase == PhaseFetching }, time.Second, 5*time.Millisecond)

	req.reply <- result{stations: []models.Station{stationAt(1, 45.46, 9.19), stationAt(2, 45.47, 9.2)}}
	require.Eventually(t, func() bool { return len(sink.rendered(SourceFetch)) == 1 }, time.Second, 5*time.Millisecond)

	frame := sink.rendered(SourceFetch)[0]
	assert.Equal(t, []int64{1, 2}, frameIDs(frame))
	assert.Equal(t, 2, frame.Stations)

	state := tr.Snapshot()
	require.NotNil(t, state.Loaded)
	// the visible box is recorded, not the padded one
	assert.Equal(t, milan, *state.Loaded)
	assert.Equal(t, 6.0, state.LoadedZoom)
	assert.Equal(t, PhaseIdle, state.Phase)
}

func TestZoomDebounceCollapses(t *testing.T) {
	tr, src, sink := newTestTracker(t)

	require.NoError(t, tr.Zoom(7, milan))
	require.NoError(t, tr.Zoom(8, milan))
	require.NoError(t, tr.Zoom(9, bologna))

	req := src.next(t)
	assert.Equal(t, 9.0, req.zoom)
	assert.Equal(t, geo.Expand(bologna, 0.25), req.bounds)
	src.none(t, 120*time.Millisecond)

	// every qualifying zoom reclusters at once
	assert.Len(t, sink.rendered(SourceZoom), 3)
	req.reply <- result{}
}

func TestZoomHysteresis(t *testing.T) {
	tr, src, sink := newTestTracker(t)

	require.NoError(t, tr.Zoom(6.2, milan))
	require.NoError(t, tr.Zoom(5.8, milan))
	src.none(t, 100*time.Millisecond)

	assert.Empty(t, sink.rendered(SourceZoom))
	assert.Equal(t, 6.0, tr.Snapshot().Zoom)
}

func TestZoomReclustersCurrentStations(t *testing.T) {
	tr, src, sink := newTestTracker(t)
	load(t, tr, src, sink, stationAt(1, 45.40, 9.10), stationAt(2, 45.45, 9.15))

	// at zoom 6 both stations share a cluster
	require.Len(t, sink.rendered(SourceFetch)[0].Markers, 1)

	require.NoError(t, tr.Zoom(14, milan))
	require.Eventually(t, func() bool { return len(sink.rendered(SourceZoom)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, sink.rendered(SourceZoom)[0].Markers, 2)

	src.next(t).reply <- result{}
}

func TestScrollInsideLoadedBoxIgnored(t *testing.T) {
	tr, src, sink := newTestTracker(t)
	load(t, tr, src, sink, stationAt(1, 45.46, 9.19))

	inside := models.Location{Lat: 45.5, Lon: 9.3}
	require.NoError(t, tr.Scroll(inside, milan))
	src.none(t, 80*time.Millisecond)

	require.NoError(t, tr.Scroll(bologna.Center(), bologna))
	req := src.next(t)
	assert.Equal(t, geo.Expand(bologna, 0.5), req.bounds)
	req.reply <- result{}
}

func TestStaleResultDiscarded(t *testing.T) {
	tr, src, sink := newTestTracker(t)

	require.NoError(t, tr.Scroll(milan.Center(), milan))
	first := src.next(t)

	require.NoError(t, tr.Zoom(9, bologna))
	second := src.next(t)

	second.reply <- result{stations: []models.Station{stationAt(2, 44.5, 11.3)}}
	require.Eventually(t, func() bool { return len(sink.rendered(SourceFetch)) == 1 }, time.Second, 5*time.Millisecond)

	first.reply <- result{stations: []models.Station{stationAt(1, 45.46, 9.19)}}
	assert.Never(t, func() bool { return len(sink.rendered(SourceFetch)) > 1 }, 100*time.Millisecond, 5*time.Millisecond)

	assert.Equal(t, []int64{2}, frameIDs(sink.rendered(SourceFetch)[0]))
	state := tr.Snapshot()
	require.NotNil(t, state.Loaded)
	assert.Equal(t, bologna, *state.Loaded)
}

func TestFetchFailureKeepsFrame(t *testing.T) {
	tr, src, sink := newTestTracker(t)
	load(t, tr, src, sink, stationAt(1, 45.46, 9.19))

	require.NoError(t, tr.Scroll(bologna.Center(), bologna))
	src.next(t).reply <- result{err: errors.New("network down")}

	assert.Eventually(t, func() bool { return tr.Snapshot().Phase == PhaseIdle }, time.Second, 5*time.Millisecond)
	assert.Len(t, sink.rendered(SourceFetch), 1)

	state := tr.Snapshot()
	require.NotNil(t, state.Loaded)
	assert.Equal(t, milan, *state.Loaded)
	assert.Equal(t, 1, state.Stations)

	// no automatic retry
	src.none(t, 80*time.Millisecond)
}

func TestSearchPreemptsPendingRefresh(t *testing.T) {
	tr, src, sink := newTestTracker(t)

	require.NoError(t, tr.Scroll(milan.Center(), milan))
	require.NoError(t, tr.Search("bologna", models.SearchFilters{}))

	req := src.next(t)
	assert.True(t, req.search)
	assert.Equal(t, "bologna", req.query)

	// refreshes are refused while the search is active
	require.NoError(t, tr.Scroll(bologna.Center(), bologna))
	src.none(t, 80*time.Millisecond)

	req.reply <- result{stations: []models.Station{stationAt(5, 44.49, 11.34), stationAt(6, 44.51, 11.36)}}
	require.Eventually(t, func() bool { return len(sink.rendered(SourceSearch)) == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []int64{5, 6}, frameIDs(sink.rendered(SourceSearch)[0]))
	require.Len(t, sink.reframed(), 1)
	assert.Equal(t, models.BoundingBox{North: 44.51, South: 44.49, East: 11.36, West: 11.34}, sink.reframed()[0])
	assert.False(t, tr.Snapshot().Searching)
}

func TestSearchDiscardsInflightFetch(t *testing.T) {
	tr, src, sink := newTestTracker(t)

	require.NoError(t, tr.Scroll(milan.Center(), milan))
	fetch := src.next(t)

	require.NoError(t, tr.Search("roma", models.SearchFilters{}))
	search := src.next(t)
	require.True(t, search.search)

	// the fetch context is cancelled, a late reply is dropped either way
	fetch.reply <- result{stations: []models.Station{stationAt(1, 45.46, 9.19)}}
	search.reply <- result{stations: []models.Station{stationAt(9, 41.9, 12.5)}}

	require.Eventually(t, func() bool { return len(sink.rendered(SourceSearch)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, sink.rendered(SourceFetch))
	assert.Equal(t, []int64{9}, frameIDs(sink.rendered(SourceSearch)[0]))
}

func TestEmptySearchDoesNotReframe(t *testing.T) {
	tr, src, sink := newTestTracker(t)

	require.NoError(t, tr.Search("nowhere", models.SearchFilters{}))
	src.next(t).reply <- result{}

	require.Eventually(t, func() bool { return len(sink.rendered(SourceSearch)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, sink.reframed())
}

func TestClearSearchReloadsView(t *testing.T) {
	tr, src, sink := newTestTracker(t)
	load(t, tr, src, sink, stationAt(1, 45.46, 9.19))

	require.NoError(t, tr.Search("roma", models.SearchFilters{}))
	src.next(t).reply <- result{stations: []models.Station{stationAt(9, 41.9, 12.5)}}
	require.Eventually(t, func() bool { return len(sink.rendered(SourceSearch)) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, tr.ClearSearch())
	req := src.next(t)
	assert.False(t, req.search)
	assert.Equal(t, geo.Expand(milan, 0.5), req.bounds)
	req.reply <- result{stations: []models.Station{stationAt(1, 45.46, 9.19)}}

	require.Eventually(t, func() bool { return len(sink.rendered(SourceFetch)) == 2 }, time.Second, 5*time.Millisecond)
}

func TestClearSearchBeforeViewDropsInflightSearch(t *testing.T) {
	tr, src, sink := newTestTracker(t)

	require.NoError(t, tr.Search("roma", models.SearchFilters{}))
	search := src.next(t)
	require.True(t, search.search)

	require.NoError(t, tr.ClearSearch())
	search.reply <- result{stations: []models.Station{stationAt(9, 41.9, 12.5)}}

	assert.Never(t, func() bool { return len(sink.rendered(SourceSearch)) > 0 }, 80*time.Millisecond, 5*time.Millisecond)
	assert.Empty(t, sink.reframed())
	assert.False(t, tr.Snapshot().Searching)

	// nothing to reload without a view
	src.none(t, 20*time.Millisecond)
}

func TestTap(t *testing.T) {
	tr, src, sink := newTestTracker(t)
	load(t, tr, src, sink,
		stationAt(1, 45.40, 9.10),
		stationAt(2, 45.45, 9.15),
		stationAt(3, 41.90, 12.50),
	)

	action, err := tr.Tap(0)
	require.NoError(t, err)
	assert.Equal(t, cluster.ZoomToCluster{Bounds: models.BoundingBox{North: 45.45, South: 45.40, East: 9.15, West: 9.10}}, action)

	action, err = tr.Tap(1)
	require.NoError(t, err)
	assert.Equal(t, cluster.ShowStation{ID: 3}, action)

	action, err = tr.Tap(7)
	require.NoError(t, err)
	assert.Equal(t, cluster.NoAction{}, action)
}

func TestCloseMakesCompletionNoop(t *testing.T) {
	tr, src, sink := newTestTracker(t)

	require.NoError(t, tr.Scroll(milan.Center(), milan))
	req := src.next(t)

	require.NoError(t, tr.Close())
	req.reply <- result{stations: []models.Station{stationAt(1, 45.46, 9.19)}}

	assert.Never(t, func() bool { return len(sink.rendered(SourceFetch)) > 0 }, 80*time.Millisecond, 5*time.Millisecond)
	assert.ErrorIs(t, tr.Scroll(bologna.Center(), bologna), ErrClosed)
	assert.ErrorIs(t, tr.Zoom(12, bologna), ErrClosed)
	assert.ErrorIs(t, tr.Search("x", models.SearchFilters{}), ErrClosed)
	_, err := tr.Tap(0)
	assert.ErrorIs(t, err, ErrClosed)

	// idempotent
	assert.NoError(t, tr.Close())
	assert.Equal(t, PhaseIdle, tr.Snapshot().Phase)
}

func TestCloseCancelsPendingTimer(t *testing.T) {
	tr, src, _ := newTestTracker(t)

	require.NoError(t, tr.Zoom(10, milan))
	require.NoError(t, tr.Close())
	src.none(t, 100*time.Millisecond)
}

func TestFetchTimeout(t *testing.T) {
	engine, err := cluster.NewEngine(cluster.DefaultOptions(), nil)
	require.NoError(t, err)

	src := newFakeSource()
	sink := &recordingSink{}
	opts := testOptions()
	opts.FetchTimeout = 20 * time.Millisecond
	tr := New(src, engine, sink, opts, nil)
	defer tr.Close()

	require.NoError(t, tr.Scroll(milan.Center(), milan))
	src.next(t) // never answered

	assert.Eventually(t, func() bool { return tr.Snapshot().Phase == PhaseIdle }, time.Second, 5*time.Millisecond)
	assert.Empty(t, sink.rendered(SourceFetch))
	assert.Nil(t, tr.Snapshot().Loaded)
}
