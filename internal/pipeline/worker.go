package pipeline

import (
	"context"
	"fmt"
	"image"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// InferenceWorker drains the frame slot, runs the detector on throttled
// frames and replaces the detection state with each result. It is the
// only writer of DetectionState.
type InferenceWorker struct {
	slot     *FrameSlot
	state    *DetectionState
	detector Detector
	throttle Throttle
	handler  SnapshotHandler
	log      zerolog.Logger

	idleInterval  time.Duration
	detectTimeout time.Duration
	targetClass   string

	counter uint64 // Owned by the worker goroutine

	inferring      atomic.Bool
	framesTaken    atomic.Uint64
	inferences     atomic.Uint64
	detectorErrors atomic.Uint64
	lastInference  atomic.Int64 // Milliseconds

	done chan struct{}
}

// NewInferenceWorker wires a worker. handler may be nil.
func NewInferenceWorker(cfg Config, slot *FrameSlot, state *DetectionState, detector Detector, throttle Throttle, handler SnapshotHandler, log zerolog.Logger) *InferenceWorker {
	if throttle == nil {
		throttle = EveryNth(cfg.Throttle)
	}
	idle := cfg.IdleInterval
	if idle <= 0 {
		idle = DefaultIdleInterval
	}
	target := cfg.TargetClass
	if target == "" {
		target = DefaultTargetClass
	}
	return &InferenceWorker{
		slot:          slot,
		state:         state,
		detector:      detector,
		throttle:      throttle,
		handler:       handler,
		log:           log,
		idleInterval:  idle,
		detectTimeout: cfg.DetectTimeout,
		targetClass:   target,
		done:          make(chan struct{}),
	}
}

// Run loops until ctx is cancelled. Detector failures never end the loop.
func (w *InferenceWorker) Run(ctx context.Context) {
	defer close(w.done)

	w.log.Info().Str("throttle", w.throttle.Name()).Str("detector", w.detector.Name()).Msg("Inference loop started")
	defer func() {
		w.log.Info().Uint64("inferences", w.inferences.Load()).Msg("Inference loop stopped")
	}()

	for ctx.Err() == nil {
		frame, ok := w.slot.TakeLatest()
		if !ok {
			w.slot.Wait(ctx, w.idleInterval)
			continue
		}
		w.framesTaken.Add(1)

		w.counter++
		if !w.shouldDetect(frame) {
			continue
		}
		w.infer(ctx, frame)
	}
}

func (w *InferenceWorker) shouldDetect(frame *Frame) bool {
	if ft, ok := w.throttle.(FrameThrottle); ok {
		return ft.ShouldDetectFrame(w.counter, frame)
	}
	return w.throttle.ShouldDetect(w.counter)
}

// Done is closed once Run has returned
func (w *InferenceWorker) Done() <-chan struct{} {
	return w.done
}

// Inferring reports whether a detector call is in flight
func (w *InferenceWorker) Inferring() bool {
	return w.inferring.Load()
}

func (w *InferenceWorker) infer(ctx context.Context, frame *Frame) {
	w.inferring.Store(true)
	defer w.inferring.Store(false)

	start := time.Now()
	raw, err := w.detect(ctx, frame)
	elapsed := time.Since(start)

	w.inferences.Add(1)
	w.lastInference.Store(elapsed.Milliseconds())
	w.throttle.OnDetectionComplete()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.detectorErrors.Add(1)
		w.log.Warn().Err(err).Uint64("frame_seq", frame.Seq).Msg("Detection failed, keeping previous result")
		return
	}

	snap := w.state.Build(w.filter(raw, frame.Image.Bounds()), frame.Seq)
	prev := w.state.Replace(snap)

	if prev.Alert != snap.Alert {
		w.log.Info().
			Str("from", string(prev.Alert)).
			Str("to", string(snap.Alert)).
			Int("count", snap.Count).
			Msg("Alert level changed")
	}
	w.log.Debug().Int("count", snap.Count).Dur("took", elapsed).Uint64("frame_seq", frame.Seq).Msg("Inference complete")

	if w.handler != nil {
		w.handler.OnSnapshot(snap)
	}
}

// detect calls the detector without holding any lock and turns panics
// into ErrDetector.
func (w *InferenceWorker) detect(ctx context.Context, frame *Frame) (dets []Detection, err error) {
	if w.detectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.detectTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrap(ErrDetector, fmt.Sprintf("panic: %v", r))
		}
	}()

	dets, err = w.detector.Detect(ctx, frame)
	if err != nil && !errors.Is(err, ErrDetector) {
		err = errors.Wrapf(ErrDetector, "%s: %v", w.detector.Name(), err)
	}
	return dets, err
}

// filter keeps target-class detections, clipped to the frame bounds
func (w *InferenceWorker) filter(raw []Detection, bounds image.Rectangle) []Detection {
	out := make([]Detection, 0, len(raw))
	for _, d := range raw {
		if !strings.EqualFold(d.Class, w.targetClass) {
			continue
		}
		r := d.BBox.Rect().Canon().Intersect(bounds)
		if r.Empty() {
			continue
		}
		d.BBox = BBox{X1: r.Min.X, Y1: r.Min.Y, X2: r.Max.X, Y2: r.Max.Y}
		out = append(out, d)
	}
	return out
}
