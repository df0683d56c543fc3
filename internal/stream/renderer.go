package stream

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"crowdwatch/internal/pipeline"
	"crowdwatch/internal/render"
	"crowdwatch/internal/source"
)

// DefaultFPS is the viewer stream rate
const DefaultFPS = 20

// FrameSource is the read side of the pipeline the renderer needs
type FrameSource interface {
	LatestFrame() *pipeline.Frame
	Snapshot() pipeline.Snapshot
	Features() pipeline.Features
}

// Run renders the latest frame with its overlays at fps and publishes
// it to b until ctx is done. Before the first frame arrives the
// placeholder is shown.
func Run(ctx context.Context, src FrameSource, b *Broadcaster, fps, quality int, log zerolog.Logger) {
	if fps <= 0 {
		fps = DefaultFPS
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	placeholder := &pipeline.Frame{Image: source.Placeholder(pipeline.DefaultWidth, pipeline.DefaultHeight)}

	log.Info().Int("fps", fps).Int("quality", quality).Msg("Stream renderer started")
	defer log.Info().Msg("Stream renderer stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame := src.LatestFrame()
		if frame == nil {
			frame = placeholder
		}
		img := render.Annotate(frame, src.Snapshot(), src.Features())
		data, err := render.EncodeJPEG(img, quality)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to encode stream frame")
			continue
		}
		b.Publish(data)
	}
}
