package detection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdwatch/internal/pipeline"
)

func TestHTTPDetector_Detect(t *testing.T) {
	var gotConf string
	var gotType string
	mux := http.NewServeMux()
	mux.HandleFunc("/detect", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		gotConf = r.FormValue("conf_threshold")
		if _, hdr, err := r.FormFile("file"); err == nil {
			gotType = hdr.Header.Get("Content-Type")
		}

		_ = json.NewEncoder(w).Encode(DetectionResult{
			Detections: []Detection{
				{Class: "person", Confidence: 0.8, BBox: []float32{1, 2, 3, 4}},
				{Class: "person", Confidence: 0.1, BBox: []float32{1, 2, 3, 4}},
			},
		})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	det := NewHTTPDetector(HTTPDetectorConfig{Endpoint: srv.URL + "/", ConfThreshold: 0.3}, zerolog.Nop())
	assert.Equal(t, "http", det.Name())
	assert.True(t, det.IsHealthy())

	dets, err := det.Detect(context.Background(), canonicalFrame(1))
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, pipeline.BBox{X1: 1, Y1: 2, X2: 3, Y2: 4}, dets[0].BBox)
	assert.Equal(t, "0.30", gotConf)
	assert.Equal(t, "image/jpeg", gotType)
}

func TestHTTPDetector_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model warming up", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	det := NewHTTPDetector(HTTPDetectorConfig{Endpoint: srv.URL}, zerolog.Nop())
	assert.False(t, det.IsHealthy())

	_, err := det.Detect(context.Background(), canonicalFrame(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model warming up")
}

func TestHTTPDetector_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	det := NewHTTPDetector(HTTPDetectorConfig{Endpoint: url}, zerolog.Nop())
	_, err := det.Detect(context.Background(), canonicalFrame(1))
	assert.Error(t, err)
	assert.False(t, det.IsHealthy())
}

func TestStaticDetector(t *testing.T) {
	want := pipeline.Detection{Class: "person", BBox: pipeline.BBox{X2: 5, Y2: 5}}
	det := NewStaticDetector(want)

	got, err := det.Detect(context.Background(), canonicalFrame(1))
	require.NoError(t, err)
	assert.Equal(t, []pipeline.Detection{want}, got)

	got[0].Class = "mutated"
	again, _ := det.Detect(context.Background(), canonicalFrame(2))
	assert.Equal(t, "person", again[0].Class)

	empty, err := NewStaticDetector().Detect(context.Background(), canonicalFrame(3))
	require.NoError(t, err)
	assert.Empty(t, empty)
}
