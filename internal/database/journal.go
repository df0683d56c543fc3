package database

import (
	"context"

	"github.com/rs/zerolog"

	"crowdwatch/internal/pipeline"
)

// Journal records alert transitions and feature changes as they happen
type Journal struct {
	db  *Database
	log zerolog.Logger
}

// NewJournal creates a journal writing to db
func NewJournal(db *Database, log zerolog.Logger) *Journal {
	return &Journal{db: db, log: log}
}

// Run consumes both channels until ctx is done or both are closed.
// Only snapshots whose alert level differs from the previous one are
// stored; the level before the first snapshot is NORMAL.
func (j *Journal) Run(ctx context.Context, snapshots <-chan pipeline.Snapshot, changes <-chan pipeline.FeatureChange) {
	previous := pipeline.AlertNormal

	for snapshots != nil || changes != nil {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				snapshots = nil
				continue
			}
			if snap.Alert == previous {
				continue
			}
			ev := &AlertEventRecord{
				Level:     string(snap.Alert),
				Previous:  string(previous),
				Count:     snap.Count,
				FrameSeq:  snap.FrameSeq,
				CreatedAt: snap.UpdatedAt,
			}
			if err := j.db.SaveAlertEvent(ev); err != nil {
				j.log.Error().Err(err).Msg("Failed to record alert transition")
			}
			previous = snap.Alert
		case ch, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			rec := &FeatureChangeRecord{
				Name:      ch.Name,
				Value:     ch.Value.String(),
				Created:   ch.Created,
				CreatedAt: ch.Timestamp,
			}
			if err := j.db.SaveFeatureChange(rec); err != nil {
				j.log.Error().Err(err).Str("feature", ch.Name).Msg("Failed to record feature change")
			}
		}
	}
}

// RecentAlerts returns up to limit alert transitions, newest first
func (j *Journal) RecentAlerts(limit int) ([]*AlertEventRecord, error) {
	return j.db.ListAlertEvents(limit)
}

// RecentFeatureChanges returns up to limit feature changes, newest first
func (j *Journal) RecentFeatureChanges(limit int) ([]*FeatureChangeRecord, error) {
	return j.db.ListFeatureChanges(limit)
}
