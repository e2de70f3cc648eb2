package fanout

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/microlink/mcs/internal/schema"
)

// Server upgrades HTTP requests into hub subscriptions.
type Server struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer wires a Server onto a hub.
func NewServer(hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Routes mounts the live endpoint.
func (s *Server) Routes(r *mux.Router) {
	r.HandleFunc("/ws/live", s.handleLive)
}

// handleLive validates the filter query, upgrades the connection, and hands
// it to the hub.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newClient(s.hub, conn, filter)
	s.hub.register(c)
	go c.writePump()
	go c.readPump()
}

// parseFilter reads the subscription query parameters:
//
//	blocks=b1,b2            restrict to these block ids
//	min_priority=P1         alarms at this severity or worse
//	streams=telemetry,alarms
func parseFilter(q url.Values) (Filter, error) {
	var f Filter

	if raw := q.Get("blocks"); raw != "" {
		f.Blocks = make(map[string]bool)
		for _, b := range strings.Split(raw, ",") {
			if b = strings.TrimSpace(b); b != "" {
				f.Blocks[b] = true
			}
		}
	}

	if raw := q.Get("min_priority"); raw != "" {
		p, err := schema.ParsePriority(raw)
		if err != nil {
			return Filter{}, err
		}
		f.MinPriority = &p
	}

	if raw := q.Get("streams"); raw != "" {
		f.Streams = make(map[string]bool)
		for _, st := range strings.Split(raw, ",") {
			st = strings.TrimSpace(st)
			switch st {
			case StreamTelemetry, StreamAlarms:
				f.Streams[st] = true
			case "":
			default:
				return Filter{}, fmt.Errorf("unknown stream %q", st)
			}
		}
	}

	return f, nil
}
