package database

import (
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// MemoryDSN keeps the journal in process memory only
const MemoryDSN = ":memory:"

// Database handles SQLite database operations
type Database struct {
	db *sql.DB
}

// AlertEventRecord is one alert-level transition
type AlertEventRecord struct {
	ID        string    `json:"id"`
	Level     string    `json:"level"`
	Previous  string    `json:"previous"`
	Count     int       `json:"count"`
	FrameSeq  uint64    `json:"frame_seq"`
	CreatedAt time.Time `json:"created_at"`
}

// FeatureChangeRecord is one accepted feature toggle
type FeatureChangeRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Value     string    `json:"value"`
	Created   bool      `json:"created"`
	CreatedAt time.Time `json:"created_at"`
}

// New opens the database at dsn. An empty dsn means MemoryDSN.
func New(dsn string) (*Database, error) {
	if dsn == "" {
		dsn = MemoryDSN
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if isMemory(dsn) {
		// Every pooled connection would get its own empty in-memory database
		db.SetMaxOpenConns(1)
	} else {
		// Enable WAL mode for better concurrent access
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "failed to enable WAL mode")
		}
	}

	return &Database{db: db}, nil
}

func isMemory(dsn string) bool {
	return dsn == MemoryDSN || strings.Contains(dsn, "mode=memory")
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS alert_events (
			id TEXT PRIMARY KEY,
			level TEXT NOT NULL,
			previous TEXT NOT NULL,
			count INTEGER NOT NULL,
			frame_seq INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS feature_changes (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			created INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alert_events_time ON alert_events(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_feature_changes_time ON feature_changes(created_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return errors.Wrap(err, "migration failed")
		}
	}
	return nil
}

// SaveAlertEvent stores ev, assigning an ID when it has none
func (d *Database) SaveAlertEvent(ev *AlertEventRecord) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	_, err := d.db.Exec(`INSERT INTO alert_events (id, level, previous, count, frame_seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Level, ev.Previous, ev.Count, int64(ev.FrameSeq), ev.CreatedAt.UnixNano())
	if err != nil {
		return errors.Wrap(err, "failed to save alert event")
	}
	return nil
}

// ListAlertEvents returns the newest events first
func (d *Database) ListAlertEvents(limit int) ([]*AlertEventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.Query(`SELECT id, level, previous, count, frame_seq, created_at
		FROM alert_events ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list alert events")
	}
	defer rows.Close()

	events := make([]*AlertEventRecord, 0)
	for rows.Next() {
		var (
			ev       AlertEventRecord
			frameSeq int64
			created  int64
		)
		if err := rows.Scan(&ev.ID, &ev.Level, &ev.Previous, &ev.Count, &frameSeq, &created); err != nil {
			return nil, errors.Wrap(err, "failed to scan alert event")
		}
		ev.FrameSeq = uint64(frameSeq)
		ev.CreatedAt = time.Unix(0, created)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// DeleteOldAlertEvents removes events created before t
func (d *Database) DeleteOldAlertEvents(before time.Time) (int64, error) {
	result, err := d.db.Exec("DELETE FROM alert_events WHERE created_at < ?", before.UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete old alert events")
	}
	return result.RowsAffected()
}

// SaveFeatureChange stores ch, assigning an ID when it has none
func (d *Database) SaveFeatureChange(ch *FeatureChangeRecord) error {
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now()
	}

	created := 0
	if ch.Created {
		created = 1
	}
	_, err := d.db.Exec(`INSERT INTO feature_changes (id, name, value, created, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ch.ID, ch.Name, ch.Value, created, ch.CreatedAt.UnixNano())
	if err != nil {
		return errors.Wrap(err, "failed to save feature change")
	}
	return nil
}

// ListFeatureChanges returns the newest changes first
func (d *Database) ListFeatureChanges(limit int) ([]*FeatureChangeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.Query(`SELECT id, name, value, created, created_at
		FROM feature_changes ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list feature changes")
	}
	defer rows.Close()

	changes := make([]*FeatureChangeRecord, 0)
	for rows.Next() {
		var (
			ch      FeatureChangeRecord
			created int
			at      int64
		)
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Value, &created, &at); err != nil {
			return nil, errors.Wrap(err, "failed to scan feature change")
		}
		ch.Created = created != 0
		ch.CreatedAt = time.Unix(0, at)
		changes = append(changes, &ch)
	}
	return changes, rows.Err()
}
