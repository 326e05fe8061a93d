package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/morezero/kiwibus/pkg/bus"
	"github.com/morezero/kiwibus/pkg/db"
	"github.com/morezero/kiwibus/pkg/dispatcher"
	"github.com/morezero/kiwibus/pkg/trace"
)

const gatewayLogPrefix = "server:gateway"

// traceLister is the read side of the trace store used by /traces.
type traceLister interface {
	ListTraces(ctx context.Context, f db.TraceFilter) ([]*trace.Entry, error)
}

// gatewayRequest is the JSON body accepted by /send and /publish.
type gatewayRequest struct {
	Action string                 `json:"action"`
	Params map[string]interface{} `json:"params,omitempty"`
	Body   interface{}            `json:"body,omitempty"`
}

// busStatus describes one registered handle.
type busStatus struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	State string `json:"state"`
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth())
	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /buses", s.handleBuses())
	mux.HandleFunc("GET /traces", s.handleTraces())
	mux.HandleFunc("POST /send/{address}", s.handleSend())
	mux.HandleFunc("POST /publish/{address}", s.handlePublish())
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) statuses() []busStatus {
	out := []busStatus{}
	for _, id := range s.reg.IDs() {
		h := s.reg.Get(id)
		if h == nil {
			continue
		}
		out = append(out, busStatus{ID: id, URL: h.Options().URL, State: h.ReadyState().String()})
	}
	return out
}

// handleHealth reports healthy when every bus is OPEN and the database, if any, answers.
func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		healthy := true
		buses := s.statuses()
		for _, b := range buses {
			if b.State != bus.StateOpen.String() {
				healthy = false
			}
		}
		checks := map[string]interface{}{"buses": buses}
		if s.pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
			defer cancel()
			dbOK := s.pool.Ping(ctx) == nil
			checks["database"] = dbOK
			healthy = healthy && dbOK
		}

		status, code := "healthy", http.StatusOK
		if !healthy {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]interface{}{
			"status":    status,
			"checks":    checks,
			"debug":     s.reg.IsDebug(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func (s *Server) handleBuses() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"buses": s.statuses(),
			"debug": s.reg.IsDebug(),
		})
	}
}

func (s *Server) handleTraces() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.traces == nil {
			writeError(w, http.StatusNotFound, "trace store is not configured")
			return
		}
		q := r.URL.Query()
		f := db.TraceFilter{BusID: q.Get("bus"), Kind: q.Get("kind")}
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			f.Limit = n
		}
		if raw := q.Get("since"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
				return
			}
			f.Since = t
		}
		entries, err := s.traces.ListTraces(r.Context(), f)
		if err != nil {
			slog.Error(fmt.Sprintf("%s - failed to list traces: %v", gatewayLogPrefix, err))
			writeError(w, http.StatusInternalServerError, "failed to list traces")
			return
		}
		if entries == nil {
			entries = []*trace.Entry{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"traces": entries})
	}
}

// decodeGateway resolves the target bus and decodes the message body.
func (s *Server) decodeGateway(w http.ResponseWriter, r *http.Request) (bus.Handle, *bus.Message, bool) {
	busID := r.URL.Query().Get("bus")
	if busID == "" {
		busID = s.cfg.BusID
	}
	h, err := s.disp.Bus(busID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, nil, false
	}
	var req gatewayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, nil, false
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required")
		return nil, nil, false
	}
	return h, &bus.Message{Action: req.Action, Params: req.Params, Body: req.Body}, true
}

// handleSend forwards the request and answers with the bus reply. The HTTP
// status mirrors the reply code.
func (s *Server) handleSend() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, msg, ok := s.decodeGateway(w, r)
		if !ok {
			return
		}
		address := r.PathValue("address")
		opts := h.Options()
		ctx, cancel := context.WithTimeout(r.Context(), opts.RequestTimeout+opts.ReplyTimeout)
		defer cancel()

		reply, err := s.disp.Request(ctx, h, address, msg)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				writeError(w, http.StatusGatewayTimeout, err.Error())
				return
			}
			if errors.Is(err, dispatcher.ErrNilBus) || errors.Is(err, dispatcher.ErrNilMessage) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		code := reply.Code
		if code < 100 || code > 599 {
			code = http.StatusBadGateway
		}
		writeJSON(w, code, reply)
	}
}

func (s *Server) handlePublish() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, msg, ok := s.decodeGateway(w, r)
		if !ok {
			return
		}
		address := r.PathValue("address")
		// The dispatcher would park the publish until the bus opens.
		if state := h.ReadyState(); state != bus.StateOpen {
			writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("bus %s is %s", h.ID(), state))
			return
		}
		if err := s.disp.Publish(h, address, msg); err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "published", "address": address})
	}
}
