// Package source captures frames from cameras and streams for the
// pull side of the pipeline.
package source

import (
	"context"
	"image"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"crowdwatch/internal/pipeline"
)

// Source is a pollable capture device
type Source interface {
	// Read returns the next frame. Failures wrap pipeline.ErrDevice.
	Read(ctx context.Context) (image.Image, error)

	// Close releases the device
	Close() error
}

// Sink receives captured frames
type Sink func(img image.Image) error

// Config controls capture
type Config struct {
	Device string // V4L2 device path, rtsp:// or http(s):// URL
	FPS    int
	Width  int // Requested device resolution
	Height int
}

// Open picks a source implementation for cfg.Device
func Open(cfg Config, log zerolog.Logger) (Source, error) {
	if cfg.Device == "" {
		return nil, errors.New("no capture device configured")
	}
	if isHTTPImageEndpoint(cfg.Device) {
		return NewHTTPSnapshotSource(cfg.Device, 10*time.Second), nil
	}
	return NewFFmpegSource(cfg, log), nil
}

func isHTTPImageEndpoint(device string) bool {
	return (strings.HasPrefix(device, "http://") || strings.HasPrefix(device, "https://")) &&
		(strings.Contains(device, ".jpg") || strings.Contains(device, ".jpeg") || strings.Contains(device, "image"))
}

// Stats contains capture counters
type Stats struct {
	FramesCaptured uint64
	DeviceErrors   uint64
}

// Run polls src at fps and hands every frame to sink until ctx is done.
// A device failure never stops the loop: the placeholder frame is
// submitted instead and the device is polled again on the next tick.
func Run(ctx context.Context, src Source, sink Sink, fps int, log zerolog.Logger) Stats {
	if fps <= 0 {
		fps = 20
	}
	interval := time.Second / time.Duration(fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		stats       Stats
		placeholder image.Image
		failing     bool
	)

	log.Info().Int("fps", fps).Msg("Capture loop started")
	defer func() {
		log.Info().Uint64("frames", stats.FramesCaptured).Uint64("device_errors", stats.DeviceErrors).Msg("Capture loop stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return stats
		case <-ticker.C:
		}

		img, err := src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return stats
			}
			stats.DeviceErrors++
			if !failing {
				log.Warn().Err(err).Msg("Capture device unavailable, showing placeholder")
				failing = true
			}
			if placeholder == nil {
				placeholder = Placeholder(pipeline.DefaultWidth, pipeline.DefaultHeight)
			}
			img = placeholder
		} else {
			if failing {
				log.Info().Msg("Capture device recovered")
				failing = false
			}
			stats.FramesCaptured++
		}

		if err := sink(img); err != nil {
			if errors.Is(err, pipeline.ErrShutdown) {
				return stats
			}
			log.Warn().Err(err).Msg("Frame rejected by pipeline")
		}
	}
}
