package detection

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"crowdwatch/internal/pipeline"
)

const (
	serviceName  = "crowdwatch.detection.v1.DetectionService"
	detectMethod = "/" + serviceName + "/Detect"
	healthMethod = "/" + serviceName + "/Health"
)

// GRPCDetector calls a remote detection service over gRPC.
// Messages are google.protobuf.Struct values, so no generated stubs
// are needed on either side.
type GRPCDetector struct {
	endpoint      string
	conn          *grpc.ClientConn
	confThreshold float32
	quality       int
	log           zerolog.Logger

	healthMu   sync.RWMutex
	healthy    bool
	lastHealth time.Time
}

// GRPCDetectorConfig holds configuration for the gRPC detector
type GRPCDetectorConfig struct {
	Endpoint      string
	ConfThreshold float32
	DialOptions   []grpc.DialOption // Appended after the defaults
}

// NewGRPCDetector creates a client for the service at cfg.Endpoint.
// The connection is established lazily on first use.
func NewGRPCDetector(cfg GRPCDetectorConfig, log zerolog.Logger) (*GRPCDetector, error) {
	// Keepalive detects dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Endpoint, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create client for %s", cfg.Endpoint)
	}

	log.Info().Str("endpoint", cfg.Endpoint).Msg("gRPC detector configured")
	return &GRPCDetector{
		endpoint:      cfg.Endpoint,
		conn:          conn,
		confThreshold: cfg.ConfThreshold,
		quality:       DefaultJPEGQuality,
		log:           log,
	}, nil
}

func (gd *GRPCDetector) Name() string {
	return "grpc"
}

// IsHealthy checks the service health, caching a healthy answer for 30s
func (gd *GRPCDetector) IsHealthy() bool {
	gd.healthMu.RLock()
	if time.Since(gd.lastHealth) < 30*time.Second && gd.healthy {
		gd.healthMu.RUnlock()
		return true
	}
	gd.healthMu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp := new(structpb.Struct)
	err := gd.conn.Invoke(ctx, healthMethod, &structpb.Struct{}, resp)

	healthy := false
	if err != nil {
		gd.log.Debug().Err(err).Msg("Health check failed")
	} else {
		fields := resp.GetFields()
		healthy = fields["status"].GetStringValue() == "healthy" && fields["model_loaded"].GetBoolValue()
	}

	gd.healthMu.Lock()
	gd.healthy = healthy
	gd.lastHealth = time.Now()
	gd.healthMu.Unlock()

	return healthy
}

// Detect performs a unary detection call for one frame
func (gd *GRPCDetector) Detect(ctx context.Context, frame *pipeline.Frame) ([]pipeline.Detection, error) {
	imageData, err := encodeFrame(frame, gd.quality)
	if err != nil {
		return nil, err
	}

	req, err := structpb.NewStruct(map[string]any{
		"jpeg":           base64.StdEncoding.EncodeToString(imageData),
		"width":          frame.Width(),
		"height":         frame.Height(),
		"frame_seq":      frame.Seq,
		"conf_threshold": float64(gd.confThreshold),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}

	resp := new(structpb.Struct)
	if err := gd.conn.Invoke(ctx, detectMethod, req, resp); err != nil {
		gd.healthMu.Lock()
		gd.healthy = false
		gd.healthMu.Unlock()
		return nil, errors.Wrap(err, "detect call failed")
	}

	result := resultFromStruct(resp)
	return toPipeline(result.Detections, gd.confThreshold), nil
}

// Close shuts down the gRPC connection
func (gd *GRPCDetector) Close() error {
	if gd.conn != nil {
		return gd.conn.Close()
	}
	return nil
}

// resultFromStruct reads a detection response message
func resultFromStruct(s *structpb.Struct) DetectionResult {
	fields := s.GetFields()
	result := DetectionResult{
		InferenceTimeMs: float32(fields["inference_time_ms"].GetNumberValue()),
		Device:          fields["device"].GetStringValue(),
	}

	for _, v := range fields["detections"].GetListValue().GetValues() {
		df := v.GetStructValue().GetFields()
		det := Detection{
			Class:      df["class"].GetStringValue(),
			ClassID:    int(df["class_id"].GetNumberValue()),
			Confidence: float32(df["confidence"].GetNumberValue()),
		}
		for _, c := range df["bbox"].GetListValue().GetValues() {
			det.BBox = append(det.BBox, float32(c.GetNumberValue()))
		}
		result.Detections = append(result.Detections, det)
	}
	result.Count = len(result.Detections)
	return result
}

// resultToStruct builds a detection response message
func resultToStruct(r *DetectionResult) (*structpb.Struct, error) {
	dets := make([]any, 0, len(r.Detections))
	for _, d := range r.Detections {
		bbox := make([]any, 0, len(d.BBox))
		for _, c := range d.BBox {
			bbox = append(bbox, float64(c))
		}
		dets = append(dets, map[string]any{
			"class":      d.Class,
			"class_id":   d.ClassID,
			"confidence": float64(d.Confidence),
			"bbox":       bbox,
		})
	}
	return structpb.NewStruct(map[string]any{
		"detections":        dets,
		"count":             len(r.Detections),
		"inference_time_ms": float64(r.InferenceTimeMs),
		"device":            r.Device,
	})
}

var _ pipeline.Detector = (*GRPCDetector)(nil)
