package store

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"forestguardian/internal/classifier"
)

var _ classifier.SyncEnqueuer = (*Store)(nil)

// EnqueueForSync appends a spectrogram id to the offline sync queue,
// implementing classifier.SyncEnqueuer. Rank is one more than the largest
// rank already in the table, so FIFO order survives restarts.
func (s *Store) EnqueueForSync(spectrogramID string) {
	_, err := s.db.Exec(`
		INSERT INTO sync_queue (spectrogram_id, rank, enqueued_at, status)
		VALUES (?, (SELECT IFNULL(MAX(rank), 0) + 1 FROM sync_queue), ?, 'pending')
	`, spectrogramID, time.Now())
	if err != nil {
		s.logger.Error("enqueuing spectrogram for sync", "spectrogram_id", spectrogramID, "error", err)
		return
	}
	if s.metrics != nil {
		depth, derr := s.pendingSyncDepth()
		if derr == nil {
			s.metrics.SyncQueueDepth.Set(float64(depth))
		}
	}
}

func (s *Store) pendingSyncDepth() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sync_queue WHERE status = 'pending'`).Scan(&n)
	return n, err
}

// NextPendingSyncEntries returns up to limit pending entries in FIFO rank
// order, for a sync worker to drain against the classifier.
func (s *Store) NextPendingSyncEntries(limit int) ([]SyncQueueEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, spectrogram_id, rank, enqueued_at, attempts, last_error, status
		FROM sync_queue WHERE status = 'pending' ORDER BY rank ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: listing pending sync entries: %w", err)
	}
	defer rows.Close()

	var entries []SyncQueueEntry
	for rows.Next() {
		var e SyncQueueEntry
		var lastErr sql.NullString
		if err := rows.Scan(&e.ID, &e.SpectrogramID, &e.Rank, &e.EnqueuedAt, &e.Attempts, &lastErr, &e.Status); err != nil {
			return nil, fmt.Errorf("store: scanning sync entry: %w", err)
		}
		e.LastError = lastErr.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SpectrogramImagePNG loads a previously written spectrogram PNG back off
// disk, for the sync worker to hand to a classifier tier.
func (s *Store) SpectrogramImagePNG(spectrogramID string) ([]byte, error) {
	var path string
	if err := s.db.QueryRow(`SELECT image_path FROM spectrograms WHERE id = ?`, spectrogramID).Scan(&path); err != nil {
		return nil, fmt.Errorf("store: loading spectrogram path: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("store: reading spectrogram png: %w", err)
	}
	return data, nil
}

// MarkSyncResult records the outcome of one sync attempt. After
// maxSyncAttempts failed attempts the entry is marked failed and no longer
// retried. The aggregate sync_completed event for the batch this entry
// belongs to is published separately, by PublishSyncBatchCompleted.
func (s *Store) MarkSyncResult(id int64, spectrogramID string, success bool, attemptErr error) error {
	if success {
		_, err := s.db.Exec(`UPDATE sync_queue SET status = 'done', attempts = attempts + 1 WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("store: marking sync entry done: %w", err)
		}
		if s.metrics != nil {
			s.metrics.SyncQueueDrained.Inc()
		}
		s.refreshSyncDepthMetric()
		return nil
	}

	var attempts int
	if err := s.db.QueryRow(`SELECT attempts FROM sync_queue WHERE id = ?`, id).Scan(&attempts); err != nil {
		return fmt.Errorf("store: reading sync attempts: %w", err)
	}
	attempts++

	status := "pending"
	if attempts >= maxSyncAttempts {
		status = "failed"
		if s.metrics != nil {
			s.metrics.SyncQueueFailed.Inc()
		}
	}

	errText := ""
	if attemptErr != nil {
		errText = attemptErr.Error()
	}
	_, err := s.db.Exec(`UPDATE sync_queue SET attempts = ?, status = ?, last_error = ? WHERE id = ?`, attempts, status, errText, id)
	if err != nil {
		return fmt.Errorf("store: recording sync failure: %w", err)
	}
	s.refreshSyncDepthMetric()
	return nil
}

// PublishSyncBatchCompleted announces the result of one sync-drain pass,
// distilled from the original hub's sync_pending_detections() summary log
// line (SPEC_FULL.md Scenario 5: offline-then-online reporting {synced,
// failed} rather than one event per queued item).
func (s *Store) PublishSyncBatchCompleted(synced, failed int) {
	s.broadcaster.Publish(Event{
		Type:    EventSyncCompleted,
		Payload: map[string]interface{}{"synced": synced, "failed": failed},
	})
}

func (s *Store) refreshSyncDepthMetric() {
	if s.metrics == nil {
		return
	}
	if depth, err := s.pendingSyncDepth(); err == nil {
		s.metrics.SyncQueueDepth.Set(float64(depth))
	}
}
