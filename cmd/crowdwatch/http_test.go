package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	goahttp "goa.design/goa/v3/http"

	"crowdwatch/internal/database"
	"crowdwatch/internal/detection"
	"crowdwatch/internal/metrics"
	"crowdwatch/internal/pipeline"
	"crowdwatch/internal/stream"
	"crowdwatch/internal/ws"
)

func people(n int) []pipeline.Detection {
	dets := make([]pipeline.Detection, n)
	for i := range dets {
		dets[i] = pipeline.Detection{Class: "person", Confidence: 0.9, BBox: pipeline.BBox{X1: i * 10, Y1: 10, X2: i*10 + 8, Y2: 50}}
	}
	return dets
}

func newTestServer(t *testing.T, policy pipeline.FeaturePolicy, dets ...pipeline.Detection) (*httptest.Server, *pipeline.Pipeline) {
	t.Helper()

	cfg := pipeline.DefaultConfig()
	cfg.Throttle = 1
	cfg.IdleInterval = time.Millisecond
	cfg.FeaturePolicy = policy

	p, err := pipeline.New(cfg, detection.NewStaticDetector(dets...))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))

	db, err := database.New(database.MemoryDSN)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	journal := database.NewJournal(db, zerolog.Nop())
	snaps, _ := p.SubscribeSnapshots(16)
	changes, _ := p.SubscribeFeatures(16)
	go journal.Run(ctx, snaps, changes)

	hub := ws.NewHub(zerolog.Nop())
	b := stream.NewBroadcaster(zerolog.Nop())
	s := &server{
		pipeline:    p,
		journal:     journal,
		hub:         hub,
		wsHandler:   ws.NewHandler(hub, p, zerolog.Nop()),
		broadcaster: b,
		metrics:     metrics.New(p, hub, metrics.ClientCountFunc(b.Clients)),
		streamFPS:   20,
		log:         zerolog.Nop(),
	}
	mux := goahttp.NewMuxer()
	s.mount(mux)
	srv := httptest.NewServer(requestLogger(zerolog.Nop())(mux))

	t.Cleanup(func() {
		srv.Close()
		cancel()
		p.Shutdown(context.Background())
		db.Close()
	})
	return srv, p
}

func jpegImage(t *testing.T) image.Image {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	decoded, err := jpeg.Decode(&buf)
	require.NoError(t, err)
	return decoded
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestStatus_ReflectsInference(t *testing.T) {
	srv, p := newTestServer(t, pipeline.FeaturePolicyOpen, people(7)...)

	var status statusResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/status", &status))
	assert.Equal(t, 0, status.Count)
	assert.Equal(t, "Normal", status.Status)
	assert.Equal(t, 20, status.FPS)
	assert.Equal(t, "static", status.Detector)

	require.NoError(t, p.SubmitImage(jpegImage(t)))
	require.Eventually(t, func() bool { return p.Snapshot().Count == 7 }, 3*time.Second, 5*time.Millisecond)

	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/status", &status))
	assert.Equal(t, 7, status.Count)
	assert.Equal(t, "HIGH DENSITY WARNING", status.Status)
	assert.Len(t, status.Detections, 7)
	assert.Equal(t, pipeline.Phase("RESULT_READY"), status.Phase)

	// The transition was journaled
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/api/alerts")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var alerts []database.AlertEventRecord
		if err := json.NewDecoder(resp.Body).Decode(&alerts); err != nil {
			return false
		}
		return len(alerts) == 1 && alerts[0].Level == "HIGH_DENSITY"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestToggleFeature(t *testing.T) {
	srv, p := newTestServer(t, pipeline.FeaturePolicyOpen)

	resp, err := http.Post(srv.URL+"/api/features/night_vision", "application/json", strings.NewReader(`{"value": false}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, p.Features().Enabled("night_vision"))

	resp, err = http.Post(srv.URL+"/api/features/sensitivity", "application/json", strings.NewReader(`{"value": 0.3}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 0.3, p.Features()["sensitivity"].Number())

	resp, err = http.Post(srv.URL+"/api/features/sensitivity", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/features/sensitivity", "application/json", strings.NewReader(`{"value": "high"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestToggleFeature_ClosedPolicy(t *testing.T) {
	srv, _ := newTestServer(t, pipeline.FeaturePolicyClosed)

	resp, err := http.Post(srv.URL+"/api/features/warp_drive", "application/json", strings.NewReader(`{"value": true}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndReady(t *testing.T) {
	srv, _ := newTestServer(t, pipeline.FeaturePolicyOpen)

	var health map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", &health))
	assert.Equal(t, "ok", health["status"])

	var ready map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/readyz", &ready))
	assert.Equal(t, true, ready["ready"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, pipeline.FeaturePolicyOpen)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "crowdwatch_frames_submitted_total")
}

func TestRequestLogger_SetsRequestID(t *testing.T) {
	srv, _ := newTestServer(t, pipeline.FeaturePolicyOpen)

	resp, err := http.Get(srv.URL + "/api/features")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}
