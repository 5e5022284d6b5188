package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/kass/go-fuel-map/pkg/cluster"
	"github.com/kass/go-fuel-map/pkg/gateway"
	"github.com/kass/go-fuel-map/pkg/models"
	"go.uber.org/zap"
)

// parseViewport reads n, s, e, w and zoom query parameters
func parseViewport(r *http.Request) (models.BoundingBox, float64, error) {
	q := r.URL.Query()
	values := make(map[string]float64, 5)
	for _, key := range []string{"n", "s", "e", "w", "zoom"} {
		raw := q.Get(key)
		if raw == "" {
			return models.BoundingBox{}, 0, fmt.Errorf("missing %s", key)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return models.BoundingBox{}, 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		values[key] = v
	}

	box := models.BoundingBox{North: values["n"], South: values["s"], East: values["e"], West: values["w"]}
	if !box.Valid() {
		return models.BoundingBox{}, 0, errors.New("invalid bounds")
	}
	return box, values["zoom"], nil
}

// splitCSV handles both repeated and comma-separated query params
func splitCSV(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseInts(values []string) ([]int, error) {
	parts := splitCSV(values)
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", p)
		}
		out = append(out, n)
	}
	return out, nil
}

func stationID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func (s *Server) handleStations(w http.ResponseWriter, r *http.Request) {
	box, zoom, err := parseViewport(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stations, err := s.gw.FetchStationsInBounds(r.Context(), box, zoom)
	if err != nil {
		s.log.Error("failed to fetch stations", zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to fetch stations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  stations,
		"limit": gateway.Limit(zoom),
	})
}

func (s *Server) handleClusters(w http.ResponseWriter, r *http.Request) {
	box, zoom, err := parseViewport(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stations, err := s.gw.FetchStationsInBounds(r.Context(), box, zoom)
	if err != nil {
		s.log.Error("failed to fetch stations", zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to fetch stations")
		return
	}

	markers := s.engine.Markers(s.engine.Rebuild(stations, zoom))
	writeJSON(w, http.StatusOK, cluster.ToFeatureCollection(markers))
}

func (s *Server) handleStation(w http.ResponseWriter, r *http.Request) {
	id, err := stationID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid station id")
		return
	}

	station, err := s.gw.StationByID(r.Context(), id)
	if errors.Is(err, gateway.ErrNotFound) {
		writeError(w, http.StatusNotFound, "station not found")
		return
	}
	if err != nil {
		s.log.Error("failed to fetch station", zap.Int64("id", id), zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to fetch station")
		return
	}
	writeJSON(w, http.StatusOK, station)
}

func (s *Server) handleFuels(w http.ResponseWriter, r *http.Request) {
	id, err := stationID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid station id")
		return
	}

	fuels, err := s.gw.FuelPrices(r.Context(), id)
	if err != nil {
		s.log.Error("failed to fetch fuel prices", zap.Int64("id", id), zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to fetch fuel prices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": fuels})
}

func (s *Server) handleFuelTypes(w http.ResponseWriter, r *http.Request) {
	types, err := s.gw.FuelTypes(r.Context())
	if err != nil {
		s.log.Error("failed to fetch fuel types", zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to fetch fuel types")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": types})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	flags, err := parseInts(q["flags"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fuelTypes, err := parseInts(q["fuels"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	filters := models.SearchFilters{FuelTypes: fuelTypes}
	for _, f := range flags {
		filters.Flags = append(filters.Flags, models.StationFlag(f))
	}

	stations, err := s.gw.SearchStations(r.Context(), q.Get("q"), filters)
	if err != nil {
		s.log.Error("failed to search stations", zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to search stations")
		return
	}
	if stations == nil {
		stations = []models.Station{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": stations})
}

func (s *Server) handleIcon(w http.ResponseWriter, r *http.Request) {
	bucket, err := strconv.Atoi(chi.URLParam(r, "bucket"))
	if err != nil || bucket < int(cluster.BucketUnits) || bucket > int(cluster.BucketThousands) {
		writeError(w, http.StatusBadRequest, "invalid bucket")
		return
	}
	color, err := cluster.ParseColor(chi.URLParam(r, "color"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	img, err := s.engine.IconFor(cluster.IconKey{Bucket: cluster.SizeBucket(bucket), Color: color}, r.URL.Query().Get("label"))
	if err != nil {
		s.log.Error("failed to render icon", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to render icon")
		return
	}
	data, err := cluster.IconPNG(img)
	if err != nil {
		s.log.Error("failed to encode icon", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to encode icon")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"gateway":  s.gw.Stats(),
		"icons":    s.engine.Icons().Len(),
		"sessions": s.active.Load(),
	})
}
