package pipeline

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// FeatureChange is published after every accepted toggle
type FeatureChange struct {
	Name      string    `json:"name"`
	Value     FlagValue `json:"value"`
	Created   bool      `json:"created"` // Name was not stored before
	Timestamp time.Time `json:"timestamp"`
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithLogger sets the pipeline logger
func WithLogger(log zerolog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// WithThrottle overrides the every-Nth throttle built from Config
func WithThrottle(t Throttle) Option {
	return func(p *Pipeline) { p.throttle = t }
}

// WithFeatures replaces the default feature set
func WithFeatures(f Features) Option {
	return func(p *Pipeline) { p.defaults = f }
}

// Pipeline owns the frame slot, detection state, feature registry and
// the single inference worker. Producers only touch the slot through
// the processor; the worker only writes the state.
type Pipeline struct {
	cfg      Config
	log      zerolog.Logger
	detector Detector
	throttle Throttle
	defaults Features

	slot      *FrameSlot
	state     *DetectionState
	features  *FeatureRegistry
	processor *FrameProcessor
	worker    *InferenceWorker

	snapshots *EventBus[Snapshot]
	changes   *EventBus[FeatureChange]

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc

	releaseOnce sync.Once
}

// New builds a pipeline around detector
func New(cfg Config, detector Detector, opts ...Option) (*Pipeline, error) {
	if detector == nil {
		return nil, errors.New("detector cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid pipeline config")
	}

	p := &Pipeline{
		cfg:       cfg,
		log:       zerolog.Nop(),
		detector:  detector,
		defaults:  DefaultFeatures(),
		snapshots: NewEventBus[Snapshot](),
		changes:   NewEventBus[FeatureChange](),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.throttle == nil {
		p.throttle = EveryNth(cfg.Throttle)
	}

	p.slot = NewFrameSlot()
	p.state = NewDetectionState(cfg.AlertThreshold)
	p.features = NewFeatureRegistry(p.defaults, cfg.FeaturePolicy)
	p.processor = NewFrameProcessor(p.slot, p.state, p.features, cfg.Width, cfg.Height,
		p.log.With().Str("component", "processor").Logger())
	p.worker = NewInferenceWorker(cfg, p.slot, p.state, detector, p.throttle,
		snapshotPublisher{bus: p.snapshots}, p.log.With().Str("component", "worker").Logger())

	return p, nil
}

// Start launches the inference worker. It may be called once.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrShutdown
	}
	if p.started {
		return errors.New("pipeline already started")
	}

	wctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.started = true

	go p.worker.Run(wctx)

	p.log.Info().
		Int("throttle", p.cfg.Throttle).
		Int("alert_threshold", p.cfg.AlertThreshold).
		Int("width", p.cfg.Width).
		Int("height", p.cfg.Height).
		Msg("Pipeline started")
	return nil
}

// Shutdown stops the worker and waits for it to exit, then releases the
// slot, the event buses and the detector. A nil return means the worker
// has exited. Safe to call more than once: a call whose ctx expired can
// be retried and resources are released exactly once.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	started := p.started
	cancel := p.cancel
	p.mu.Unlock()

	if started {
		cancel()
		select {
		case <-p.worker.Done():
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for inference worker")
		}
	}

	p.releaseOnce.Do(p.release)
	return nil
}

func (p *Pipeline) release() {
	p.slot.Close()
	p.snapshots.Close()
	p.changes.Close()

	if err := p.detector.Close(); err != nil {
		p.log.Warn().Err(err).Str("detector", p.detector.Name()).Msg("Error closing detector")
	}
	p.log.Info().Msg("Pipeline stopped")
}

func (p *Pipeline) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Alive reports whether the worker goroutine is running
func (p *Pipeline) Alive() bool {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-p.worker.Done():
		return false
	default:
		return true
	}
}

// ProcessFrame handles one pushed frame. See FrameProcessor.ProcessFrame.
// After Shutdown the frame is dropped and the last known state is served
// as a skipped response.
func (p *Pipeline) ProcessFrame(raw []byte) Response {
	if p.isStopped() {
		return p.processor.respond(true, ErrShutdown)
	}
	return p.processor.ProcessFrame(raw)
}

// SubmitImage publishes a captured image
func (p *Pipeline) SubmitImage(img image.Image) error {
	if img == nil {
		return errors.Wrap(ErrDecode, "nil image")
	}
	if p.isStopped() {
		return ErrShutdown
	}
	p.processor.Submit(img, "capture")
	return nil
}

// Respond returns the current response payload without submitting a frame
func (p *Pipeline) Respond() Response {
	return p.processor.Respond()
}

// Toggle sets a feature flag. Unknown names are stored under the open
// policy and rejected under the closed one.
func (p *Pipeline) Toggle(name string, value FlagValue) error {
	existed, err := p.features.Toggle(name, value)
	if err != nil {
		p.log.Debug().Err(err).Str("feature", name).Msg("Feature toggle rejected")
		return err
	}
	if !existed {
		p.log.Debug().Str("feature", name).Msg("Storing previously unknown feature")
	}
	p.changes.Publish(FeatureChange{
		Name:      name,
		Value:     value,
		Created:   !existed,
		Timestamp: time.Now(),
	})
	return nil
}

// Snapshot returns the latest detection state
func (p *Pipeline) Snapshot() Snapshot {
	return p.state.Snapshot()
}

// Features returns a copy of all feature flags
func (p *Pipeline) Features() Features {
	return p.features.Snapshot()
}

// LatestFrame returns the most recent canonical frame or nil
func (p *Pipeline) LatestFrame() *Frame {
	return p.processor.LatestFrame()
}

// Phase reports the coarse pipeline state
func (p *Pipeline) Phase() Phase {
	switch {
	case p.worker.Inferring():
		return PhaseInferring
	case p.slot.Pending():
		return PhaseFramePending
	case p.state.Ready():
		return PhaseResultReady
	default:
		return PhaseEmpty
	}
}

// SubscribeSnapshots returns a channel of replaced detection states
func (p *Pipeline) SubscribeSnapshots(buffer int) (<-chan Snapshot, func()) {
	return p.snapshots.Subscribe(buffer)
}

// SubscribeFeatures returns a channel of accepted feature changes
func (p *Pipeline) SubscribeFeatures(buffer int) (<-chan FeatureChange, func()) {
	return p.changes.Subscribe(buffer)
}

// Config returns the pipeline configuration
func (p *Pipeline) Config() Config {
	return p.cfg
}

// Detector returns the detector the worker calls
func (p *Pipeline) Detector() Detector {
	return p.detector
}

// Stats returns pipeline counters
func (p *Pipeline) Stats() Stats {
	slot := p.slot.Stats()
	return Stats{
		FramesSubmitted:   p.processor.submitted.Load(),
		FramesOverwritten: slot.Overwritten,
		DecodeErrors:      p.processor.decodeErrors.Load(),
		FramesTaken:       p.worker.framesTaken.Load(),
		Inferences:        p.worker.inferences.Load(),
		DetectorErrors:    p.worker.detectorErrors.Load(),
		LastInferenceMs:   p.worker.lastInference.Load(),
	}
}
