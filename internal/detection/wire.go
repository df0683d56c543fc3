package detection

import (
	"bytes"
	"image/jpeg"
	"math"

	"github.com/pkg/errors"

	"crowdwatch/internal/pipeline"
)

// DefaultJPEGQuality is used when frames are shipped to a remote detector
const DefaultJPEGQuality = 85

// Detection is the wire form of a detected object
type Detection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float32   `json:"confidence"`
	BBox       []float32 `json:"bbox"` // [x1, y1, x2, y2]
}

// DetectionResult is the full detection response
type DetectionResult struct {
	Detections      []Detection `json:"detections"`
	Count           int         `json:"count"`
	InferenceTimeMs float32     `json:"inference_time_ms"`
	Device          string      `json:"device"`
}

// encodeFrame JPEG-encodes a canonical frame
func encodeFrame(frame *pipeline.Frame, quality int) ([]byte, error) {
	if frame == nil || frame.Image == nil {
		return nil, errors.New("empty frame")
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: quality}); err != nil {
		return nil, errors.Wrap(err, "failed to encode frame")
	}
	return buf.Bytes(), nil
}

// toPipeline converts wire detections, dropping malformed boxes and
// anything under minConfidence
func toPipeline(dets []Detection, minConfidence float32) []pipeline.Detection {
	out := make([]pipeline.Detection, 0, len(dets))
	for _, d := range dets {
		if len(d.BBox) != 4 || d.Confidence < minConfidence {
			continue
		}
		out = append(out, pipeline.Detection{
			Class:      d.Class,
			Confidence: d.Confidence,
			BBox: pipeline.BBox{
				X1: int(math.Round(float64(d.BBox[0]))),
				Y1: int(math.Round(float64(d.BBox[1]))),
				X2: int(math.Round(float64(d.BBox[2]))),
				Y2: int(math.Round(float64(d.BBox[3]))),
			},
		})
	}
	return out
}

// fromPipeline converts detections to their wire form
func fromPipeline(dets []pipeline.Detection) []Detection {
	out := make([]Detection, 0, len(dets))
	for _, d := range dets {
		out = append(out, Detection{
			Class:      d.Class,
			Confidence: d.Confidence,
			BBox: []float32{
				float32(d.BBox.X1), float32(d.BBox.Y1),
				float32(d.BBox.X2), float32(d.BBox.Y2),
			},
		})
	}
	return out
}
