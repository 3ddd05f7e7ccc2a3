// Package admin serves the loopback-only control and inspection API.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"simcal.ai/internal/persistence/indexdb"
	"simcal.ai/internal/sim/runner"
)

type StateSource interface {
	Metrics() runner.Metrics
}

// EventSource is an index that can answer recent-event queries.
type EventSource interface {
	Recent(ctx context.Context, name string, limit int) ([]indexdb.EventRow, error)
}

type Server struct {
	instance string
	state    StateSource
	commands runner.CommandSender
	events   EventSource
	log      *log.Logger
}

// NewServer wires the admin API. events may be nil when no queryable index is configured.
func NewServer(instance string, state StateSource, commands runner.CommandSender, events EventSource, logger *log.Logger) *Server {
	return &Server{
		instance: instance,
		state:    state,
		commands: commands,
		events:   events,
		log:      logger,
	}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/v1/state", s.StateHandler())
	mux.HandleFunc("/admin/v1/events", s.EventsHandler())
	mux.HandleFunc("/admin/v1/target_rate", s.TargetRateHandler())
	mux.HandleFunc("/admin/v1/pause", s.commandHandler(runner.Pause()))
	mux.HandleFunc("/admin/v1/resume", s.commandHandler(runner.Resume()))
}

type StateResponse struct {
	Instance string         `json:"instance"`
	Metrics  runner.Metrics `json:"metrics"`
}

func (s *Server) StateHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		writeJSON(rw, http.StatusOK, StateResponse{Instance: s.instance, Metrics: s.state.Metrics()})
	}
}

func (s *Server) EventsHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		if s.events == nil {
			writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": indexdb.ErrNotQueryable.Error()})
			return
		}
		limit := 100
		if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(rw, "bad limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		rows, err := s.events.Recent(ctx, strings.TrimSpace(r.URL.Query().Get("name")), limit)
		if err != nil {
			writeJSON(rw, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		if rows == nil {
			rows = []indexdb.EventRow{}
		}
		writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "events": rows})
	}
}

type targetRateRequest struct {
	TargetRate *int `json:"target_rate"`
}

func (s *Server) TargetRateHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		var req targetRateRequest
		if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 4096)).Decode(&req); err != nil || req.TargetRate == nil {
			http.Error(rw, "expected {\"target_rate\": <int>}", http.StatusBadRequest)
			return
		}
		if *req.TargetRate < 0 {
			http.Error(rw, "target_rate must be >= 0", http.StatusBadRequest)
			return
		}
		s.send(rw, runner.SetTargetRate(*req.TargetRate))
	}
}

func (s *Server) commandHandler(cmd runner.Command) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		s.send(rw, cmd)
	}
}

func (s *Server) send(rw http.ResponseWriter, cmd runner.Command) {
	if err := s.commands.Send(cmd); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, runner.ErrMailboxClosed) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(rw, status, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	if s.log != nil {
		s.log.Printf("admin: %s target_rate=%d", cmd.Kind, cmd.TargetRate)
	}
	writeJSON(rw, http.StatusAccepted, map[string]any{"ok": true, "command": cmd.Kind.String()})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
