package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"crowdwatch/internal/pipeline"
)

// HTTPDetector posts frames to a YOLO-style HTTP inference service
type HTTPDetector struct {
	endpoint      string
	client        *http.Client
	confThreshold float32
	quality       int
	log           zerolog.Logger

	healthMu    sync.RWMutex
	healthy     bool
	lastHealthy time.Time
	healthTTL   time.Duration
}

// HTTPDetectorConfig holds configuration for the HTTP detector
type HTTPDetectorConfig struct {
	Endpoint      string
	ConfThreshold float32
	Timeout       time.Duration
	Client        *http.Client // Optional, overrides Timeout
}

// NewHTTPDetector creates a detector for the service at endpoint
func NewHTTPDetector(cfg HTTPDetectorConfig, log zerolog.Logger) *HTTPDetector {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPDetector{
		endpoint:      strings.TrimRight(cfg.Endpoint, "/"),
		client:        client,
		confThreshold: cfg.ConfThreshold,
		quality:       DefaultJPEGQuality,
		log:           log,
		healthTTL:     30 * time.Second,
	}
}

func (d *HTTPDetector) Name() string {
	return "http"
}

// IsHealthy probes {endpoint}/health, caching a success for 30 seconds
func (d *HTTPDetector) IsHealthy() bool {
	d.healthMu.RLock()
	if d.healthy && time.Since(d.lastHealthy) < d.healthTTL {
		d.healthMu.RUnlock()
		return true
	}
	d.healthMu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	healthy := false
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+"/health", nil)
	if err == nil {
		resp, err := d.client.Do(req)
		if err != nil {
			d.log.Debug().Err(err).Msg("Health check failed")
		} else {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			healthy = resp.StatusCode == http.StatusOK
		}
	}

	d.healthMu.Lock()
	d.healthy = healthy
	if healthy {
		d.lastHealthy = time.Now()
	}
	d.healthMu.Unlock()
	return healthy
}

func (d *HTTPDetector) Detect(ctx context.Context, frame *pipeline.Frame) ([]pipeline.Detection, error) {
	imageData, err := encodeFrame(frame, d.quality)
	if err != nil {
		return nil, err
	}

	// Create multipart form data
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	fw, err := w.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(imageData); err != nil {
		return nil, err
	}
	if err := w.WriteField("conf_threshold", fmt.Sprintf("%.2f", d.confThreshold)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		d.markUnhealthy()
		return nil, errors.Wrap(err, "detection request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errors.Errorf("detection failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var result DetectionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "failed to decode detection response")
	}

	return toPipeline(result.Detections, d.confThreshold), nil
}

func (d *HTTPDetector) markUnhealthy() {
	d.healthMu.Lock()
	d.healthy = false
	d.healthMu.Unlock()
}

// Close is a no-op; the detector only holds an HTTP client
func (d *HTTPDetector) Close() error {
	return nil
}

var _ pipeline.Detector = (*HTTPDetector)(nil)
