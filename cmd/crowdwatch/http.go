package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	goahttp "goa.design/goa/v3/http"

	"crowdwatch/internal/database"
	"crowdwatch/internal/metrics"
	"crowdwatch/internal/pipeline"
	"crowdwatch/internal/stream"
	"crowdwatch/internal/ws"
)

// server holds everything the HTTP handlers read from
type server struct {
	pipeline    *pipeline.Pipeline
	journal     *database.Journal
	hub         *ws.Hub
	wsHandler   http.Handler
	broadcaster *stream.Broadcaster
	metrics     *metrics.Metrics
	staticDir   string
	streamFPS   int
	log         zerolog.Logger
}

// statusResponse is the polling view of the service state
type statusResponse struct {
	Count      int                 `json:"count"`
	Status     string              `json:"status"`
	Alert      pipeline.AlertLevel `json:"alert"`
	Detections [][4]int            `json:"detections"`
	FPS        int                 `json:"fps"`
	Phase      pipeline.Phase      `json:"phase"`
	Features   pipeline.Features   `json:"features"`
	UpdatedAt  time.Time           `json:"updated_at"`
	Stats      pipeline.Stats      `json:"stats"`
	Detector   string              `json:"detector"`
	Viewers    int                 `json:"viewers"`
}

type toggleRequest struct {
	Value *pipeline.FlagValue `json:"value"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// mount registers every route on mux
func (s *server) mount(mux goahttp.Muxer) {
	mux.Handle("GET", "/ws", s.wsHandler.ServeHTTP)
	mux.Handle("GET", "/stream", s.broadcaster.ServeHTTP)
	mux.Handle("GET", "/api/snapshot", s.broadcaster.SnapshotHandler())
	mux.Handle("GET", "/api/status", s.handleStatus)
	mux.Handle("GET", "/api/features", s.handleFeatures)
	mux.Handle("POST", "/api/features/{name}", s.handleToggle(mux))
	mux.Handle("GET", "/api/alerts", s.handleAlerts)
	mux.Handle("GET", "/api/feature-changes", s.handleFeatureChanges)
	mux.Handle("GET", "/healthz", s.handleHealth)
	mux.Handle("GET", "/readyz", s.handleReady)
	mux.Handle("GET", "/metrics", s.metrics.Handler().ServeHTTP)

	if s.staticDir != "" {
		files := http.FileServer(http.Dir(s.staticDir))
		mux.Handle("GET", "/", files.ServeHTTP)
		mux.Handle("GET", "/static/{*filepath}", http.StripPrefix("/static", files).ServeHTTP)
	}
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.pipeline.Snapshot()
	writeJSON(w, http.StatusOK, statusResponse{
		Count:      snap.Count,
		Status:     snap.Alert.Status(),
		Alert:      snap.Alert,
		Detections: snap.Boxes(),
		FPS:        s.streamFPS,
		Phase:      s.pipeline.Phase(),
		Features:   s.pipeline.Features(),
		UpdatedAt:  snap.UpdatedAt,
		Stats:      s.pipeline.Stats(),
		Detector:   s.pipeline.Detector().Name(),
		Viewers:    s.hub.ClientCount() + s.broadcaster.Clients(),
	})
}

func (s *server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.Features())
}

func (s *server) handleToggle(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]

		var req toggleRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "body must be {\"value\": bool|number}"})
			return
		}
		if req.Value == nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing value"})
			return
		}

		if err := s.pipeline.Toggle(name, *req.Value); err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, pipeline.ErrUnknownFeature) {
				status = http.StatusNotFound
			}
			writeJSON(w, status, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, s.pipeline.Features())
	}
}

func (s *server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	events, err := s.journal.RecentAlerts(limitParam(r))
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to read alert journal")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "journal unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *server) handleFeatureChanges(w http.ResponseWriter, r *http.Request) {
	changes, err := s.journal.RecentFeatureChanges(limitParam(r))
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to read feature journal")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "journal unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, changes)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.pipeline.Alive() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopped"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	det := s.pipeline.Detector()
	healthy := s.pipeline.Alive() && det.IsHealthy()
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":    healthy,
		"detector": det.Name(),
		"phase":    s.pipeline.Phase(),
	})
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n > 500 {
		return 50
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHTTPServer starts the HTTP server on addr. It shuts down the
// server when ctx is done, allowing shutdownTimeout for requests in
// flight.
func handleHTTPServer(ctx context.Context, addr string, shutdownTimeout time.Duration, s *server, wg *sync.WaitGroup, errc chan error, log zerolog.Logger) {
	mux := goahttp.NewMuxer()
	s.mount(mux)

	var handler http.Handler = mux
	handler = requestLogger(log)(handler)

	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}

	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: time.Second * 60}

	wg.Add(1)
	go func() {
		defer wg.Done()

		// Start HTTP server in a separate goroutine.
		go func() {
			log.Info().Str("addr", addr).Msg("HTTP server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()

		<-ctx.Done()
		log.Info().Str("addr", addr).Msg("Shutting down HTTP server")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to shutdown")
		}
	}()
}

// requestLogger tags each request with an ID and logs it on completion
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-Id")
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-Id", id)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)

			log.Debug().
				Str("request_id", id).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("duration", time.Since(start)).
				Msg("Request")
		})
	}
}

// statusRecorder keeps the Flusher and Hijacker of the wrapped writer
// reachable for the MJPEG and WebSocket handlers
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
