package telegram

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"crowdwatch/internal/pipeline"
)

// FrameFunc returns the current annotated JPEG, or nil
type FrameFunc func() []byte

// Notifier sends a Telegram alert whenever the crowd enters HIGH_DENSITY
type Notifier struct {
	bot   *Bot
	frame FrameFunc
	log   zerolog.Logger
}

// NewNotifier creates a notifier. frame may be nil for text-only alerts.
func NewNotifier(bot *Bot, frame FrameFunc, log zerolog.Logger) *Notifier {
	return &Notifier{bot: bot, frame: frame, log: log}
}

// Run consumes snapshots until ctx is done or the channel closes
func (n *Notifier) Run(ctx context.Context, snapshots <-chan pipeline.Snapshot) {
	previous := pipeline.AlertNormal
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			if snap.Alert == pipeline.AlertHighDensity && previous != pipeline.AlertHighDensity {
				n.send(ctx, snap)
			}
			previous = snap.Alert
		}
	}
}

func (n *Notifier) send(ctx context.Context, snap pipeline.Snapshot) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	text := alertText(snap)
	var err error
	if photo := n.photo(); photo != nil {
		err = n.bot.SendPhoto(ctx, photo, text)
	} else {
		err = n.bot.SendMessage(ctx, text)
	}

	switch {
	case err == nil:
		n.log.Info().Int("count", snap.Count).Msg("High density alert sent")
	case errors.Is(err, ErrCooldown):
		n.log.Debug().Int("count", snap.Count).Msg("High density alert suppressed by cooldown")
	default:
		n.log.Warn().Err(err).Msg("Failed to send high density alert")
	}
}

func (n *Notifier) photo() []byte {
	if n.frame == nil {
		return nil
	}
	return n.frame()
}

func alertText(snap pipeline.Snapshot) string {
	at := snap.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	zone, _ := at.Zone()
	return fmt.Sprintf(
		"🚨 <b>%s</b>\n\n👥 People: %d\n🕐 Time: %s %s",
		snap.Alert.Status(),
		snap.Count,
		at.Format("2 Jan 2006, 15:04:05"),
		zone,
	)
}
