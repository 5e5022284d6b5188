// Package server exposes the station gateway and cluster engine over HTTP
// and runs one viewport tracker per WebSocket connection.
package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/kass/go-fuel-map/pkg/cluster"
	"github.com/kass/go-fuel-map/pkg/gateway"
	"github.com/kass/go-fuel-map/pkg/viewport"
	"go.uber.org/zap"
)

// Options configures the HTTP surface
type Options struct {
	AllowedOrigins []string
	Viewport       viewport.Options
}

// Server wires HTTP handlers to the map core
type Server struct {
	gw     *gateway.Gateway
	engine *cluster.Engine
	opts   Options
	log    *zap.Logger

	upgrader websocket.Upgrader
	sessions sync.Map // id -> *session
	active   atomic.Int64
}

// New creates a server
func New(gw *gateway.Gateway, engine *cluster.Engine, opts Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		gw:     gw,
		engine: engine,
		opts:   opts,
		log:    log,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Router returns the HTTP handler
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/fuel-types", s.handleFuelTypes)
		r.Get("/search", s.handleSearch)
		r.Get("/clusters", s.handleClusters)

		r.Route("/stations", func(r chi.Router) {
			r.Get("/", s.handleStations)
			r.Get("/{id}", s.handleStation)
			r.Get("/{id}/fuels", s.handleFuels)
		})

		r.Get("/icons/{bucket}/{color}.png", s.handleIcon)
	})

	r.Get("/ws", s.handleWebSocket)

	return r
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	enc := json.NewEncoder(w)
	_ = enc.Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
