package server

import (
	"bytes"
	"encoding/json"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kass/go-fuel-map/pkg/cluster"
	"github.com/kass/go-fuel-map/pkg/gateway"
	"github.com/kass/go-fuel-map/pkg/models"
	"github.com/kass/go-fuel-map/pkg/rtree"
	"github.com/kass/go-fuel-map/pkg/viewport"
	geojson "github.com/paulmach/go.geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const northItaly = "n=46&s=44&e=12&w=8"

func station(id int64, name, city string, flag int, lat, lon float64) models.Station {
	return models.Station{
		ID:   id,
		Flag: models.StationFlag(flag),
		Name: models.StringPtr(name),
		City: models.StringPtr(city),
		Lat:  lat,
		Lon:  lon,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	idx := rtree.NewStationIndex()
	require.NoError(t, idx.IndexStations([]models.Station{
		station(1, "Eni Milano", "Milano", 1, 45.4642, 9.1900),
		station(2, "Q8 Bologna", "Bologna", 2, 44.4949, 11.3426),
		station(3, "IP Modena", "Modena", 1, 44.6471, 10.9252),
		station(4, "Tamoil Roma", "Roma", 3, 41.9028, 12.4964),
	}))
	idx.IndexFuels([]models.Fuel{
		{StationID: 1, Type: 2, Price: 1.789, Self: true},
		{StationID: 1, Type: 1, Price: 1.899, Self: true},
	})
	idx.SetFuelTypes([]models.FuelType{{ID: 1, Name: "Benzina"}, {ID: 2, Name: "Gasolio"}})

	gw := gateway.New(idx, gateway.DefaultOptions(), nil)
	engine, err := cluster.NewEngine(cluster.Options{MaxSize: 100, IconCacheSize: 8, IconPx: 64}, nil)
	require.NoError(t, err)

	vp := viewport.DefaultOptions()
	vp.ZoomDebounce = 20 * time.Millisecond
	vp.PanDebounce = 10 * time.Millisecond
	vp.InitialDebounce = 10 * time.Millisecond
	vp.FetchTimeout = time.Second

	return New(gw, engine, Options{AllowedOrigins: []string{"http://localhost:3000"}, Viewport: vp}, nil)
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealthz(t *testing.T) {
	rec := get(t, newTestServer(t).Router(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestStations(t *testing.T) {
	h := newTestServer(t).Router()

	rec := get(t, h, "/api/stations?"+northItaly+"&zoom=9")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Data  []models.Station `json:"data"`
		Limit int              `json:"limit"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Data, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{body.Data[0].ID, body.Data[1].ID, body.Data[2].ID})
	assert.Equal(t, 5000, body.Limit)
}

func TestStationsBadRequest(t *testing.T) {
	h := newTestServer(t).Router()

	testCases := []struct {
		name  string
		query string
	}{
		{"missing zoom", northItaly},
		{"not a number", "n=abc&s=44&e=12&w=8&zoom=6"},
		{"inverted box", "n=44&s=46&e=12&w=8&zoom=6"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := get(t, h, "/api/stations?"+tc.query)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestClusters(t *testing.T) {
	h := newTestServer(t).Router()

	rec := get(t, h, "/api/clusters?"+northItaly+"&zoom=6")
	require.Equal(t, http.StatusOK, rec.Code)

	fc, err := geojson.UnmarshalFeatureCollection(rec.Body.Bytes())
	require.NoError(t, err)

	// Bologna and Modena merge at zoom 6, Milano stays alone
	require.Len(t, fc.Features, 2)
	total := 0
	for _, f := range fc.Features {
		total += f.PropertyMustInt("point_count")
	}
	assert.Equal(t, 3, total)
}

func TestStationByID(t *testing.T) {
	h := newTestServer(t).Router()

	rec := get(t, h, "/api/stations/2")
	require.Equal(t, http.StatusOK, rec.Code)
	var s models.Station
	decode(t, rec, &s)
	assert.Equal(t, "Q8 Bologna", s.DisplayName())

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/stations/99").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/stations/abc").Code)
}

func TestFuels(t *testing.T) {
	h := newTestServer(t).Router()

	rec := get(t, h, "/api/stations/1/fuels")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []models.Fuel `json:"data"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Data, 2)
	assert.Equal(t, 1, body.Data[0].Type)

	rec = get(t, h, "/api/fuel-types")
	require.Equal(t, http.StatusOK, rec.Code)
	var types struct {
		Data []models.FuelType `json:"data"`
	}
	decode(t, rec, &types)
	assert.Len(t, types.Data, 2)
}

func TestSearch(t *testing.T) {
	h := newTestServer(t).Router()

	var body struct {
		Data []models.Station `json:"data"`
	}

	rec := get(t, h, "/api/search?q=bologna")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &body)
	require.Len(t, body.Data, 1)
	assert.Equal(t, int64(2), body.Data[0].ID)

	rec = get(t, h, "/api/search?flags=1")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &body)
	assert.Len(t, body.Data, 2)

	// blank query without filters is an empty list, not null
	rec = get(t, h, "/api/search?q=")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":[]}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/search?flags=x").Code)
}

func TestIcon(t *testing.T) {
	h := newTestServer(t).Router()

	rec := get(t, h, "/api/icons/2/alert.png?label=5H%2B")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/icons/9/alert.png").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/icons/1/purple.png").Code)
}

func TestStats(t *testing.T) {
	h := newTestServer(t).Router()

	get(t, h, "/api/stations?"+northItaly+"&zoom=9")
	get(t, h, "/api/stations?"+northItaly+"&zoom=9.1")

	rec := get(t, h, "/api/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Gateway  gateway.CacheStats `json:"gateway"`
		Sessions int64              `json:"sessions"`
	}
	decode(t, rec, &body)
	assert.Equal(t, uint64(1), body.Gateway.Hits)
	assert.Equal(t, 1, body.Gateway.Entries)
	assert.Zero(t, body.Sessions)
}

func TestCheckOrigin(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, s.checkOrigin(req))

	req.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, s.checkOrigin(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, s.checkOrigin(req))
}

type wireMessage struct {
	Type    string              `json:"type"`
	Session string              `json:"session"`
	Action  string              `json:"action"`
	Error   string              `json:"error"`
	Bounds  *models.BoundingBox `json:"bounds"`
	Frame   *struct {
		Source   string           `json:"source"`
		Stations int              `json:"stations"`
		Markers  []map[string]any `json:"markers"`
	} `json:"frame"`
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil reads messages until one of the given type arrives
func readUntil(t *testing.T, conn *websocket.Conn, typ string) wireMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg wireMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == typ {
			return msg
		}
	}
}

func TestWebSocketSession(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	conn := dial(t, srv)

	hello := readUntil(t, conn, msgHello)
	assert.NotEmpty(t, hello.Session)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":   "scroll",
		"bounds": models.BoundingBox{North: 46, South: 44, East: 12, West: 8},
	}))

	frame := readUntil(t, conn, msgFrame)
	require.NotNil(t, frame.Frame)
	assert.Equal(t, viewport.SourceFetch, frame.Frame.Source)
	assert.Equal(t, 3, frame.Frame.Stations)
	assert.NotEmpty(t, frame.Frame.Markers)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "tap", "index": 0}))
	tap := readUntil(t, conn, msgAction)
	assert.NotEqual(t, "none", tap.Action)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "search", "query": "roma"}))
	reframe := readUntil(t, conn, msgReframe)
	require.NotNil(t, reframe.Bounds)
	assert.InDelta(t, 41.9028, reframe.Bounds.North, 1e-9)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "teleport"}))
	bad := readUntil(t, conn, msgError)
	assert.Equal(t, errUnknownType.Error(), bad.Error)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "zoom", "zoom": 10}))
	bad = readUntil(t, conn, msgError)
	assert.Equal(t, errMissingBounds.Error(), bad.Error)
}

func TestWebSocketSessionCount(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	conn := dial(t, srv)
	readUntil(t, conn, msgHello)
	assert.Equal(t, int64(1), s.active.Load())

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return s.active.Load() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSessionSendKeepsLatestFrame(t *testing.T) {
	sess := &session{out: make(chan serverMessage, 2), log: zap.NewNop()}

	for token := uint64(1); token <= 4; token++ {
		sess.Render(viewport.Frame{Token: token})
	}

	require.Len(t, sess.out, 2)
	first := <-sess.out
	last := <-sess.out
	assert.Equal(t, uint64(3), first.Frame.Token)
	assert.Equal(t, uint64(4), last.Frame.Token)
}
