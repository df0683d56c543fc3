package detection

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"crowdwatch/internal/pipeline"
)

// DetectRequest is a decoded Detect call
type DetectRequest struct {
	JPEG          []byte
	Width         int
	Height        int
	FrameSeq      uint64
	ConfThreshold float32
}

// DetectionServer is implemented by detection backends served over gRPC
type DetectionServer interface {
	Detect(ctx context.Context, req *DetectRequest) (*DetectionResult, error)
	Healthy(ctx context.Context) bool
}

// RegisterDetectionServer registers srv with a gRPC server
func RegisterDetectionServer(s grpc.ServiceRegistrar, srv DetectionServer) {
	s.RegisterService(&detectionServiceDesc, srv)
}

var detectionServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*DetectionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Detect", Handler: detectHandler},
		{MethodName: "Health", Handler: healthHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "crowdwatch/detection/v1/detection.proto",
}

func detectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		return serveDetect(ctx, srv.(DetectionServer), req.(*structpb.Struct))
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: detectMethod}
	return interceptor(ctx, in, info, call)
}

func healthHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		healthy := srv.(DetectionServer).Healthy(ctx)
		state := "unhealthy"
		if healthy {
			state = "healthy"
		}
		return structpb.NewStruct(map[string]any{
			"status":       state,
			"model_loaded": healthy,
		})
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: healthMethod}
	return interceptor(ctx, in, info, call)
}

func serveDetect(ctx context.Context, srv DetectionServer, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.GetFields()
	data, err := base64.StdEncoding.DecodeString(fields["jpeg"].GetStringValue())
	if err != nil || len(data) == 0 {
		return nil, status.Error(codes.InvalidArgument, "jpeg field missing or not base64")
	}

	result, err := srv.Detect(ctx, &DetectRequest{
		JPEG:          data,
		Width:         int(fields["width"].GetNumberValue()),
		Height:        int(fields["height"].GetNumberValue()),
		FrameSeq:      uint64(fields["frame_seq"].GetNumberValue()),
		ConfThreshold: float32(fields["conf_threshold"].GetNumberValue()),
	})
	if err != nil {
		if _, ok := status.FromError(err); ok {
			return nil, err
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resultToStruct(result)
}

// detectorServer serves a local pipeline.Detector over gRPC
type detectorServer struct {
	detector pipeline.Detector
}

// NewDetectorServer exposes det as a DetectionServer
func NewDetectorServer(det pipeline.Detector) DetectionServer {
	return &detectorServer{detector: det}
}

func (s *detectorServer) Healthy(ctx context.Context) bool {
	return s.detector.IsHealthy()
}

func (s *detectorServer) Detect(ctx context.Context, req *DetectRequest) (*DetectionResult, error) {
	img, _, err := image.Decode(bytes.NewReader(req.JPEG))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "undecodable frame: %v", err)
	}
	b := img.Bounds()
	frame := &pipeline.Frame{
		Image:     pipeline.Normalize(img, b.Dx(), b.Dy()),
		Seq:       req.FrameSeq,
		Timestamp: time.Now(),
		Source:    "grpc",
	}

	start := time.Now()
	dets, err := s.detector.Detect(ctx, frame)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "%s: %v", s.detector.Name(), err)
	}

	wire := fromPipeline(dets)
	return &DetectionResult{
		Detections:      wire,
		Count:           len(wire),
		InferenceTimeMs: float32(time.Since(start).Microseconds()) / 1000,
		Device:          s.detector.Name(),
	}, nil
}
