package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kass/go-fuel-map/pkg/cluster"
	"github.com/kass/go-fuel-map/pkg/models"
	"github.com/kass/go-fuel-map/pkg/viewport"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	outboxSize     = 32
)

// Client message types
const (
	msgZoom    = "zoom"
	msgScroll  = "scroll"
	msgSearch  = "search"
	msgClear   = "clear"
	msgTap     = "tap"
	msgRefresh = "refresh"
)

// Server message types
const (
	msgHello   = "hello"
	msgFrame   = "frame"
	msgReframe = "reframe"
	msgAction  = "tap"
	msgError   = "error"
)

var (
	errMissingBounds = errors.New("bounds are required")
	errUnknownType   = errors.New("unknown message type")
)

// clientMessage is a map event sent by the browser
type clientMessage struct {
	Type    string               `json:"type"`
	Zoom    float64              `json:"zoom,omitempty"`
	Bounds  *models.BoundingBox  `json:"bounds,omitempty"`
	Center  *models.Location     `json:"center,omitempty"`
	Query   string               `json:"query,omitempty"`
	Filters models.SearchFilters `json:"filters,omitempty"`
	Index   int                  `json:"index,omitempty"`
}

// serverMessage is pushed to the browser
type serverMessage struct {
	Type    string              `json:"type"`
	Session string              `json:"session,omitempty"`
	Frame   *viewport.Frame     `json:"frame,omitempty"`
	Bounds  *models.BoundingBox `json:"bounds,omitempty"`
	Action  string              `json:"action,omitempty"`
	Tap     cluster.TapAction   `json:"tap,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// session is one connected map view
type session struct {
	id      string
	conn    *websocket.Conn
	tracker *viewport.Tracker
	out     chan serverMessage
	log     *zap.Logger
}

// Render implements viewport.Sink
func (s *session) Render(f viewport.Frame) {
	s.send(serverMessage{Type: msgFrame, Frame: &f})
}

// Reframe implements viewport.Sink
func (s *session) Reframe(bounds models.BoundingBox) {
	s.send(serverMessage{Type: msgReframe, Bounds: &bounds})
}

// send never blocks the tracker goroutine. A slow client loses its oldest
// queued messages so the latest frame always goes out.
func (s *session) send(msg serverMessage) {
	for {
		select {
		case s.out <- msg:
			return
		default:
		}

		select {
		case dropped := <-s.out:
			s.log.Warn("client too slow, dropping message", zap.String("type", dropped.Type))
		default:
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sess := &session{
		id:   uuid.NewString(),
		conn: conn,
		out:  make(chan serverMessage, outboxSize),
	}
	sess.log = s.log.With(zap.String("session", sess.id))
	sess.tracker = viewport.New(s.gw, s.engine, sess, s.opts.Viewport, sess.log)

	s.sessions.Store(sess.id, sess)
	s.active.Add(1)
	sess.log.Info("session opened", zap.String("remote", r.RemoteAddr))

	sess.out <- serverMessage{Type: msgHello, Session: sess.id}

	go sess.writePump()
	sess.readPump()

	_ = sess.tracker.Close()
	close(sess.out)
	s.sessions.Delete(sess.id)
	s.active.Add(-1)
	sess.log.Info("session closed")
}

func (s *session) readPump() {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.send(serverMessage{Type: msgError, Error: "malformed message"})
			continue
		}
		if err := s.dispatch(msg); err != nil {
			s.send(serverMessage{Type: msgError, Error: err.Error()})
		}
	}
}

func (s *session) dispatch(msg clientMessage) error {
	switch msg.Type {
	case msgZoom:
		if msg.Bounds == nil {
			return errMissingBounds
		}
		return s.tracker.Zoom(msg.Zoom, *msg.Bounds)
	case msgScroll:
		if msg.Bounds == nil {
			return errMissingBounds
		}
		center := msg.Bounds.Center()
		if msg.Center != nil {
			center = *msg.Center
		}
		return s.tracker.Scroll(center, *msg.Bounds)
	case msgSearch:
		return s.tracker.Search(msg.Query, msg.Filters)
	case msgClear:
		return s.tracker.ClearSearch()
	case msgRefresh:
		return s.tracker.Refresh()
	case msgTap:
		action, err := s.tracker.Tap(msg.Index)
		if err != nil {
			return err
		}
		s.send(serverMessage{Type: msgAction, Action: cluster.ActionName(action), Tap: action})
		return nil
	default:
		return errUnknownType
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(msg); err != nil {
				s.log.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
