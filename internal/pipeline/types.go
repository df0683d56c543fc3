package pipeline

import (
	"image"
	"time"

	"github.com/pkg/errors"
)

// Default pipeline constants
const (
	DefaultThrottle       = 3
	DefaultAlertThreshold = 5
	DefaultIdleInterval   = 10 * time.Millisecond
	DefaultWidth          = 480
	DefaultHeight         = 360
	DefaultTargetClass    = "person"
)

// AlertLevel is the derived crowd density classification
type AlertLevel string

const (
	// AlertNormal - count is at or below the threshold
	AlertNormal AlertLevel = "NORMAL"
	// AlertHighDensity - count is strictly above the threshold
	AlertHighDensity AlertLevel = "HIGH_DENSITY"
)

// Status returns the viewer-facing status line for the alert level
func (a AlertLevel) Status() string {
	if a == AlertHighDensity {
		return "HIGH DENSITY WARNING"
	}
	return "Normal"
}

// Phase is the coarse state of the pipeline as a whole
type Phase string

const (
	PhaseEmpty        Phase = "EMPTY"
	PhaseFramePending Phase = "FRAME_PENDING"
	PhaseInferring    Phase = "INFERRING"
	PhaseResultReady  Phase = "RESULT_READY"
)

// Frame is a canonical image owned by whoever holds it.
// Frames are never mutated after being published.
type Frame struct {
	Image     *image.RGBA // Canonical resolution pixels
	Seq       uint64      // Submission sequence number
	Timestamp time.Time   // When the frame entered the pipeline
	Source    string      // "push" for client submissions, "capture" for device frames
}

// Width returns the frame width in pixels
func (f *Frame) Width() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the frame height in pixels
func (f *Frame) Height() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}

// BBox is a bounding box in canonical-frame pixel coordinates
type BBox struct {
	X1 int `json:"x1"` // Left
	Y1 int `json:"y1"` // Top
	X2 int `json:"x2"` // Right
	Y2 int `json:"y2"` // Bottom
}

// Rect converts the box to an image.Rectangle
func (b BBox) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// Detection is a single detected object
type Detection struct {
	Class      string  `json:"class"`
	Confidence float32 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

// Snapshot is an immutable view of the latest detection state
type Snapshot struct {
	Count      int         `json:"count"`
	Detections []Detection `json:"detections"`
	Alert      AlertLevel  `json:"alert"`
	FrameSeq   uint64      `json:"frame_seq"`  // Seq of the frame the detections came from
	UpdatedAt  time.Time   `json:"updated_at"` // Zero until the first inference
}

// Boxes returns the detection boxes as [x1, y1, x2, y2] arrays
func (s Snapshot) Boxes() [][4]int {
	boxes := make([][4]int, 0, len(s.Detections))
	for _, d := range s.Detections {
		boxes = append(boxes, [4]int{d.BBox.X1, d.BBox.Y1, d.BBox.X2, d.BBox.Y2})
	}
	return boxes
}

// Response is the payload produced for one processed frame.
// It always reflects the most recently completed inference, not the
// frame that was just submitted.
type Response struct {
	Count      int        `json:"count"`
	Detections [][4]int   `json:"detections"`
	Alert      AlertLevel `json:"alert"`
	Status     string     `json:"status"`
	Features   Features   `json:"features"`
	Timestamp  time.Time  `json:"timestamp"`
	Skipped    bool       `json:"skipped"`
	Error      string     `json:"error,omitempty"`
}

// Stats contains pipeline counters
type Stats struct {
	FramesSubmitted   uint64 `json:"frames_submitted"`
	FramesOverwritten uint64 `json:"frames_overwritten"`
	DecodeErrors      uint64 `json:"decode_errors"`
	FramesTaken       uint64 `json:"frames_taken"`
	Inferences        uint64 `json:"inferences"`
	DetectorErrors    uint64 `json:"detector_errors"`
	LastInferenceMs   int64  `json:"last_inference_ms"`
}

// Error classes. Use errors.Is to classify.
var (
	ErrDecode              = errors.New("frame decode failed")
	ErrDetector            = errors.New("detector failed")
	ErrDevice              = errors.New("capture device unavailable")
	ErrInvariant           = errors.New("detection state invariant violated")
	ErrUnknownFeature      = errors.New("unknown feature")
	ErrInvalidFeatureValue = errors.New("invalid feature value")
	ErrShutdown            = errors.New("pipeline is shut down")
)
