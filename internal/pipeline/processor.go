package pipeline

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// FrameProcessor runs one request/response cycle: normalize the input,
// publish it to the slot and answer with the latest detection state.
// It never waits for inference.
type FrameProcessor struct {
	slot     *FrameSlot
	state    *DetectionState
	features *FeatureRegistry
	width    int
	height   int
	log      zerolog.Logger

	seq          atomic.Uint64
	submitted    atomic.Uint64
	decodeErrors atomic.Uint64

	latestMu sync.RWMutex
	latest   *Frame // Most recent canonical frame, for display
}

// NewFrameProcessor creates a processor normalizing to width x height
func NewFrameProcessor(slot *FrameSlot, state *DetectionState, features *FeatureRegistry, width, height int, log zerolog.Logger) *FrameProcessor {
	return &FrameProcessor{
		slot:     slot,
		state:    state,
		features: features,
		width:    width,
		height:   height,
		log:      log,
	}
}

// ProcessFrame decodes an encoded frame (data URL, bare base64 or raw
// JPEG/PNG bytes), publishes it and returns the latest known result.
// Malformed input yields a skipped response and leaves the slot as is.
func (p *FrameProcessor) ProcessFrame(raw []byte) Response {
	img, err := Decode(raw)
	if err != nil {
		p.decodeErrors.Add(1)
		p.log.Warn().Err(err).Int("bytes", len(raw)).Msg("Skipping undecodable frame")
		return p.respond(true, err)
	}

	p.Submit(img, "push")
	return p.respond(false, nil)
}

// Submit normalizes img to the canonical size and publishes it
func (p *FrameProcessor) Submit(img image.Image, source string) *Frame {
	frame := &Frame{
		Image:     Normalize(img, p.width, p.height),
		Seq:       p.seq.Add(1),
		Timestamp: time.Now(),
		Source:    source,
	}

	p.slot.Publish(frame)
	p.submitted.Add(1)

	p.latestMu.Lock()
	p.latest = frame
	p.latestMu.Unlock()

	return frame
}

// Respond builds a response from the current state without submitting
func (p *FrameProcessor) Respond() Response {
	return p.respond(false, nil)
}

func (p *FrameProcessor) respond(skipped bool, err error) Response {
	snap := p.state.Snapshot()
	features := p.features.Snapshot()

	resp := Response{
		Count:      snap.Count,
		Detections: snap.Boxes(),
		Alert:      snap.Alert,
		Status:     snap.Alert.Status(),
		Features:   features,
		Timestamp:  time.Now(),
		Skipped:    skipped,
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// LatestFrame returns the most recently submitted canonical frame or nil
func (p *FrameProcessor) LatestFrame() *Frame {
	p.latestMu.RLock()
	defer p.latestMu.RUnlock()
	return p.latest
}

// Decode turns an encoded frame into an image
func Decode(raw []byte) (image.Image, error) {
	data := bytes.TrimSpace(raw)
	if len(data) == 0 {
		return nil, errors.Wrap(ErrDecode, "empty frame")
	}

	if !isImageMagic(data) {
		s := string(data)
		if strings.HasPrefix(s, "data:") {
			idx := strings.IndexByte(s, ',')
			if idx < 0 {
				return nil, errors.Wrap(ErrDecode, "data URL without payload")
			}
			s = s[idx+1:]
		}
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, errors.Wrapf(ErrDecode, "base64: %v", err)
		}
		data = decoded
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(ErrDecode, "image: %v", err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, errors.Wrap(ErrDecode, "zero-sized image")
	}
	return img, nil
}

func isImageMagic(b []byte) bool {
	switch {
	case len(b) >= 2 && b[0] == 0xFF && b[1] == 0xD8:
		return true
	case len(b) >= 8 && bytes.Equal(b[:8], []byte("\x89PNG\r\n\x1a\n")):
		return true
	}
	return false
}

// Normalize returns a fresh RGBA copy of img at width x height
func Normalize(img image.Image, width, height int) *image.RGBA {
	b := img.Bounds()
	src := img
	if b.Dx() != width || b.Dy() != height {
		src = resize.Resize(uint(width), uint(height), img, resize.Bilinear)
	}

	out := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(out, out.Bounds(), src, src.Bounds().Min, draw.Src)
	return out
}
