// Package metrics keeps a bounded in-process sample of recent request
// timings. Samples live in a fixed ring buffer so memory stays constant
// no matter how long the process runs; once the buffer is full the
// oldest samples are overwritten.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/prolinkhq/prolink-server/cmd/utils"
)

const DefaultCapacity = 1024

type Sample struct {
	Route      string        `json:"route"`
	Method     string        `json:"method"`
	StatusCode int           `json:"status_code"`
	Duration   time.Duration `json:"duration_ns"`
	At         time.Time     `json:"at"`
}

type Recorder struct {
	mu      sync.Mutex
	samples []Sample
	next    int
	filled  bool
}

func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{samples: make([]Sample, capacity)}
}

func (r *Recorder) Record(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = s
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.filled = true
	}
}

// Snapshot returns the retained samples, oldest first.
func (r *Recorder) Snapshot() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.filled {
		out := make([]Sample, r.next)
		copy(out, r.samples[:r.next])
		return out
	}
	out := make([]Sample, 0, len(r.samples))
	out = append(out, r.samples[r.next:]...)
	out = append(out, r.samples[:r.next]...)
	return out
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware times every request and records a sample after it finishes.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, req)

		route := req.URL.Path
		if current := mux.CurrentRoute(req); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		r.Record(Sample{
			Route:      route,
			Method:     req.Method,
			StatusCode: sw.status,
			Duration:   time.Since(start),
			At:         start,
		})
	})
}

type Handler struct {
	recorder *Recorder
}

func NewHandler(recorder *Recorder) *Handler {
	return &Handler{recorder: recorder}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/metrics/requests", utils.AuthMiddleware(h.GetSamples)).Methods("GET")
}

func (h *Handler) GetSamples(w http.ResponseWriter, r *http.Request) {
	samples := h.recorder.Snapshot()
	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(samples),
		"samples": samples,
	})
}
