package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeDetector returns whatever fn returns and counts calls
type fakeDetector struct {
	fn     func(ctx context.Context, frame *Frame) ([]Detection, error)
	calls  atomic.Int64
	closed atomic.Bool

	mu   sync.Mutex
	seqs []uint64
}

func (d *fakeDetector) Name() string    { return "fake" }
func (d *fakeDetector) IsHealthy() bool { return true }
func (d *fakeDetector) Close() error {
	d.closed.Store(true)
	return nil
}

func (d *fakeDetector) Detect(ctx context.Context, frame *Frame) ([]Detection, error) {
	d.calls.Add(1)
	d.mu.Lock()
	d.seqs = append(d.seqs, frame.Seq)
	d.mu.Unlock()
	if d.fn == nil {
		return nil, nil
	}
	return d.fn(ctx, frame)
}

func (d *fakeDetector) Seqs() []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uint64, len(d.seqs))
	copy(out, d.seqs)
	return out
}

func returning(dets ...Detection) func(context.Context, *Frame) ([]Detection, error) {
	return func(context.Context, *Frame) ([]Detection, error) {
		return dets, nil
	}
}

func people(n int) []Detection {
	dets := make([]Detection, n)
	for i := range dets {
		dets[i] = Detection{
			Class:      "person",
			Confidence: 0.9,
			BBox:       BBox{X1: i * 10, Y1: 10, X2: i*10 + 8, Y2: 40},
		}
	}
	return dets
}

func testFrame(seq uint64) *Frame {
	return &Frame{
		Image: image.NewRGBA(image.Rect(0, 0, DefaultWidth, DefaultHeight)),
		Seq:   seq,
	}
}

func solidImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func jpegBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}))
	return buf.Bytes()
}

func dataURL(t *testing.T, img image.Image) []byte {
	t.Helper()
	return []byte("data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpegBytes(t, img)))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.IdleInterval = time.Millisecond
	return cfg
}
