// Package store implements the Event Bus & Store (SPEC_FULL.md §4.I):
// SQLite-backed persistence for nodes, spectrograms, alerts and the offline
// sync queue, plus a bounded-queue event broadcaster for live fan-out.
// Follows the teacher's db/sqlite.go connection idiom (busy-timeout DSN
// parameter, createTables run once at open).
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver registration

	"forestguardian/internal/classifier"
	"forestguardian/internal/telemetry"
)

// Store is the sole writer of persisted records (SPEC_FULL.md §5). Each write
// is issued through database/sql and ordered by SQLite's own locking (with the
// busy-timeout DSN parameter); no explicit transaction or mutex is used, so
// UpsertNode's existence check and its upsert are two separate statements.
type Store struct {
	db             *sql.DB
	broadcaster    *Broadcaster
	metrics        *telemetry.Metrics
	logger         *slog.Logger
	spectrogramDir string
	syncQueueDir   string
	classifyQueue  chan SpectrogramJob
}

// Open connects to a SQLite database at dsn, creating it and its tables if
// needed, and ensures spectrogramDir and its sibling sync_queue spill
// directory exist.
func Open(dsn, spectrogramDir string, metrics *telemetry.Metrics, logger *slog.Logger) (*Store, error) {
	dbPath := dsn
	if idx := strings.Index(dsn, "?"); idx != -1 {
		dbPath = dsn[:idx]
	}
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: creating db directory: %w", err)
		}
	}
	if !strings.Contains(dsn, "_busy_timeout") {
		if strings.Contains(dsn, "?") {
			dsn += "&_busy_timeout=5000"
		} else {
			dsn += "?_busy_timeout=5000"
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening sqlite: %w", err)
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: creating tables: %w", err)
	}
	if err := os.MkdirAll(spectrogramDir, 0o755); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: creating spectrogram dir: %w", err)
	}
	syncQueueDir := filepath.Join(filepath.Dir(spectrogramDir), "sync_queue")
	if err := os.MkdirAll(syncQueueDir, 0o755); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: creating sync_queue dir: %w", err)
	}

	return &Store{
		db:             db,
		broadcaster:    NewBroadcaster(metrics),
		metrics:        metrics,
		logger:         logger,
		spectrogramDir: spectrogramDir,
		syncQueueDir:   syncQueueDir,
		classifyQueue:  make(chan SpectrogramJob, 256),
	}, nil
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			node_id TEXT PRIMARY KEY,
			last_seen DATETIME NOT NULL,
			battery_percent INTEGER NOT NULL DEFAULT 0,
			lat REAL NOT NULL DEFAULT 0,
			lon REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'unknown',
			last_rssi INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS spectrograms (
			id TEXT PRIMARY KEY,
			node_id TEXT NOT NULL,
			image_path TEXT NOT NULL,
			lat REAL NOT NULL DEFAULT 0,
			lon REAL NOT NULL DEFAULT 0,
			anomaly_score REAL NOT NULL DEFAULT 0,
			received_at DATETIME NOT NULL,
			session_id INTEGER NOT NULL,
			rssi INTEGER NOT NULL DEFAULT 0,
			classification TEXT NOT NULL DEFAULT 'unknown',
			confidence INTEGER NOT NULL DEFAULT 0,
			threat_level TEXT NOT NULL DEFAULT 'NONE',
			reasoning TEXT,
			features TEXT,
			classifier_used TEXT NOT NULL DEFAULT 'none',
			classified_at DATETIME,
			truncated INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_spectrograms_received ON spectrograms(received_at)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			node_id TEXT NOT NULL,
			confidence INTEGER NOT NULL DEFAULT 0,
			lat REAL NOT NULL DEFAULT 0,
			lon REAL NOT NULL DEFAULT 0,
			timestamp DATETIME NOT NULL,
			analysis_text TEXT,
			responded INTEGER NOT NULL DEFAULT 0,
			responded_by TEXT,
			responded_at DATETIME,
			rssi INTEGER NOT NULL DEFAULT 0,
			spectrogram_id TEXT UNIQUE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON alerts(timestamp)`,
		`CREATE TABLE IF NOT EXISTS sync_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			spectrogram_id TEXT NOT NULL,
			rank INTEGER NOT NULL,
			enqueued_at DATETIME NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			status TEXT NOT NULL DEFAULT 'pending'
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("executing %q: %w", stmt, err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Subscribe registers a live-event subscriber; see Broadcaster.Subscribe.
func (s *Store) Subscribe() (<-chan Event, func()) {
	return s.broadcaster.Subscribe()
}

// ClassifyQueue is drained by the hub's classifier worker pool.
func (s *Store) ClassifyQueue() <-chan SpectrogramJob {
	return s.classifyQueue
}

// UpsertNode creates or updates a node record, publishing new_node on first
// sight of a node id and node_update thereafter. DuplicateKey on the
// underlying insert is treated as an update, never a failure (SPEC_FULL.md §7).
func (s *Store) UpsertNode(rec NodeRecord) error {
	var existed bool
	if err := s.db.QueryRow(`SELECT 1 FROM nodes WHERE node_id = ?`, rec.NodeID).Scan(new(int)); err == nil {
		existed = true
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("store: checking node existence: %w", err)
	}

	_, err := s.db.Exec(`
		INSERT INTO nodes (node_id, last_seen, battery_percent, lat, lon, status, last_rssi)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			last_seen = excluded.last_seen,
			battery_percent = excluded.battery_percent,
			lat = excluded.lat,
			lon = excluded.lon,
			status = excluded.status,
			last_rssi = excluded.last_rssi
	`, rec.NodeID, rec.LastSeen, rec.Battery, rec.Lat, rec.Lon, rec.Status, rec.LastRSSI)
	if err != nil {
		return fmt.Errorf("store: upserting node: %w", err)
	}

	if existed {
		s.broadcaster.Publish(Event{Type: EventNodeUpdate, Payload: rec})
	} else {
		log.Printf("[store] new node registered: %s\n", rec.NodeID)
		s.broadcaster.Publish(Event{Type: EventNewNode, Payload: rec})
	}
	return nil
}

// existingNodeLocation returns a previously recorded node's coordinates, or
// (0, 0) if the node is unseen, so that a location-less message (e.g. a
// heartbeat) never overwrites a known fix with the zero value.
func (s *Store) existingNodeLocation(nodeID string) (lat, lon float64) {
	s.db.QueryRow(`SELECT lat, lon FROM nodes WHERE node_id = ?`, nodeID).Scan(&lat, &lon)
	return lat, lon
}

// ListNodes returns every known node, most recently seen first.
func (s *Store) ListNodes() ([]NodeRecord, error) {
	rows, err := s.db.Query(`SELECT node_id, last_seen, battery_percent, lat, lon, status, last_rssi FROM nodes ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: listing nodes: %w", err)
	}
	defer rows.Close()

	nodes := []NodeRecord{}
	for rows.Next() {
		var n NodeRecord
		if err := rows.Scan(&n.NodeID, &n.LastSeen, &n.Battery, &n.Lat, &n.Lon, &n.Status, &n.LastRSSI); err != nil {
			return nil, fmt.Errorf("store: scanning node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// InsertSpectrogram persists a newly reassembled spectrogram, renders its PNG
// to spectrogramDir, enqueues it for classification, and publishes
// new_spectrogram. It returns the generated id.
func (s *Store) InsertSpectrogram(rec SpectrogramRecord, grid []uint8, gridW, gridH int) (string, error) {
	rec.ID = uuid.NewString()
	rec.ReceivedAt = time.Now()
	rec.Classification = "unknown"
	rec.ClassifierUsed = "none"

	imagePNG, err := classifier.EncodeGridPNG(grid, gridW, gridH)
	if err != nil {
		return "", fmt.Errorf("store: encoding spectrogram png: %w", err)
	}
	rec.ImagePath = filepath.Join(s.spectrogramDir, rec.ID+".png")
	if err := os.WriteFile(rec.ImagePath, imagePNG, 0o644); err != nil {
		return "", fmt.Errorf("store: writing spectrogram png: %w", err)
	}

	featuresJSON, _ := json.Marshal(rec.Features)
	_, err = s.db.Exec(`
		INSERT INTO spectrograms (id, node_id, image_path, lat, lon, anomaly_score, received_at, session_id, rssi, classification, confidence, threat_level, reasoning, features, classifier_used, truncated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.NodeID, rec.ImagePath, rec.Lat, rec.Lon, rec.AnomalyScore, rec.ReceivedAt, rec.SessionID, rec.RSSI,
		rec.Classification, rec.Confidence, "NONE", rec.Reasoning, string(featuresJSON), rec.ClassifierUsed, boolToInt(rec.Truncated))
	if err != nil {
		return "", fmt.Errorf("store: inserting spectrogram: %w", err)
	}

	s.broadcaster.Publish(Event{Type: EventNewSpectrogram, Payload: rec})

	select {
	case s.classifyQueue <- SpectrogramJob{SpectrogramID: rec.ID, ImagePNG: imagePNG}:
	default:
		s.logger.Warn("classify queue full, spectrogram will wait for sync queue", slog.String("spectrogram_id", rec.ID))
		s.EnqueueForSync(rec.ID)
	}

	return rec.ID, nil
}

// RecordClassification writes a classifier tier's outcome against a
// spectrogram, creates an alert when warranted, and publishes
// spectrogram_analyzed (and new_alert, if one was created).
func (s *Store) RecordClassification(spectrogramID string, outcome classifier.Outcome) error {
	now := time.Now()
	featuresJSON, _ := json.Marshal(outcome.Features)
	_, err := s.db.Exec(`
		UPDATE spectrograms SET classification=?, confidence=?, threat_level=?, reasoning=?, features=?, classifier_used=?, classified_at=?
		WHERE id = ?
	`, string(outcome.Label), outcome.Confidence, string(outcome.ThreatLevel), outcome.Reasoning, string(featuresJSON), string(outcome.Tier), now, spectrogramID)
	if err != nil {
		return fmt.Errorf("store: recording classification: %w", err)
	}

	s.broadcaster.Publish(Event{Type: EventSpectrogramAnalyzed, Payload: map[string]interface{}{
		"spectrogram_id": spectrogramID,
		"classification": outcome.Label,
		"confidence":     outcome.Confidence,
		"threat_level":   outcome.ThreatLevel,
		"classifier_used": outcome.Tier,
	}})

	if outcome.ThreatLevel == classifier.ThreatCritical || outcome.ThreatLevel == classifier.ThreatHigh {
		if err := s.createAlertForSpectrogram(spectrogramID, outcome); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) createAlertForSpectrogram(spectrogramID string, outcome classifier.Outcome) error {
	var nodeID string
	var lat, lon float64
	var rssi int
	row := s.db.QueryRow(`SELECT node_id, lat, lon, rssi FROM spectrograms WHERE id = ?`, spectrogramID)
	if err := row.Scan(&nodeID, &lat, &lon, &rssi); err != nil {
		return fmt.Errorf("store: loading spectrogram for alert: %w", err)
	}

	alert := AlertRecord{
		ID:            uuid.NewString(),
		NodeID:        nodeID,
		Confidence:    outcome.Confidence,
		Lat:           lat,
		Lon:           lon,
		Timestamp:     time.Now(),
		AnalysisText:  classifier.Summary(nodeID, outcome.Result),
		RSSI:          rssi,
		SpectrogramID: spectrogramID,
	}
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO alerts (id, node_id, confidence, lat, lon, timestamp, analysis_text, rssi, spectrogram_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, alert.ID, alert.NodeID, alert.Confidence, alert.Lat, alert.Lon, alert.Timestamp, alert.AnalysisText, alert.RSSI, alert.SpectrogramID)
	if err != nil {
		return fmt.Errorf("store: inserting alert: %w", err)
	}
	if s.metrics != nil {
		s.metrics.AlertsCreated.Inc()
	}
	s.broadcaster.Publish(Event{Type: EventNewAlert, Payload: alert})
	return nil
}

// InsertDirectAlert records an alert emitted directly by a node (type=alert
// JSON message) without an associated spectrogram.
func (s *Store) InsertDirectAlert(nodeID string, confidence int, lat, lon float64, rssi int, text string) error {
	alert := AlertRecord{
		ID:           uuid.NewString(),
		NodeID:       nodeID,
		Confidence:   confidence,
		Lat:          lat,
		Lon:          lon,
		Timestamp:    time.Now(),
		AnalysisText: text,
		RSSI:         rssi,
	}
	_, err := s.db.Exec(`
		INSERT INTO alerts (id, node_id, confidence, lat, lon, timestamp, analysis_text, rssi, spectrogram_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, alert.ID, alert.NodeID, alert.Confidence, alert.Lat, alert.Lon, alert.Timestamp, alert.AnalysisText, alert.RSSI, nil)
	if err != nil {
		return fmt.Errorf("store: inserting direct alert: %w", err)
	}
	if s.metrics != nil {
		s.metrics.AlertsCreated.Inc()
	}
	s.broadcaster.Publish(Event{Type: EventNewAlert, Payload: alert})
	return nil
}

// ListRecentAlerts returns up to limit alerts, most recent first.
func (s *Store) ListRecentAlerts(limit int) ([]AlertRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, node_id, confidence, lat, lon, timestamp, analysis_text, responded, responded_by, responded_at, rssi, spectrogram_id
		FROM alerts ORDER BY timestamp DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: listing alerts: %w", err)
	}
	defer rows.Close()

	var alerts []AlertRecord
	for rows.Next() {
		var a AlertRecord
		var respondedInt int
		var respondedBy sql.NullString
		var respondedAt sql.NullTime
		var spectrogramID sql.NullString
		if err := rows.Scan(&a.ID, &a.NodeID, &a.Confidence, &a.Lat, &a.Lon, &a.Timestamp, &a.AnalysisText, &respondedInt, &respondedBy, &respondedAt, &a.RSSI, &spectrogramID); err != nil {
			return nil, fmt.Errorf("store: scanning alert: %w", err)
		}
		a.Responded = respondedInt == 1
		a.RespondedBy = respondedBy.String
		a.SpectrogramID = spectrogramID.String
		if respondedAt.Valid {
			t := respondedAt.Time
			a.RespondedAt = &t
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// RespondToAlert marks an alert responded-to by respondedBy.
func (s *Store) RespondToAlert(id, respondedBy string) error {
	res, err := s.db.Exec(`UPDATE alerts SET responded=1, responded_by=?, responded_at=? WHERE id=?`, respondedBy, time.Now(), id)
	if err != nil {
		return fmt.Errorf("store: responding to alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: checking alert response result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: alert %s not found", id)
	}
	return nil
}

// ListRecentSpectrograms returns up to limit spectrograms, most recent first.
func (s *Store) ListRecentSpectrograms(limit int) ([]SpectrogramRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, node_id, image_path, lat, lon, anomaly_score, received_at, session_id, rssi, classification, confidence, threat_level, reasoning, features, classifier_used, classified_at, truncated
		FROM spectrograms ORDER BY received_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: listing spectrograms: %w", err)
	}
	defer rows.Close()

	var recs []SpectrogramRecord
	for rows.Next() {
		var r SpectrogramRecord
		var featuresJSON string
		var classifiedAt sql.NullTime
		var truncatedInt int
		if err := rows.Scan(&r.ID, &r.NodeID, &r.ImagePath, &r.Lat, &r.Lon, &r.AnomalyScore, &r.ReceivedAt, &r.SessionID, &r.RSSI,
			&r.Classification, &r.Confidence, &r.ThreatLevel, &r.Reasoning, &featuresJSON, &r.ClassifierUsed, &classifiedAt, &truncatedInt); err != nil {
			return nil, fmt.Errorf("store: scanning spectrogram: %w", err)
		}
		json.Unmarshal([]byte(featuresJSON), &r.Features)
		if classifiedAt.Valid {
			t := classifiedAt.Time
			r.ClassifiedAt = &t
		}
		r.Truncated = truncatedInt == 1
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
