package store

import "time"

// NodeRecord mirrors SPEC_FULL.md §3's Node Record: created on first message
// from a previously unseen node id, updated thereafter, never destroyed.
type NodeRecord struct {
	NodeID    string    `json:"node_id"`
	LastSeen  time.Time `json:"last_seen"`
	Battery   int       `json:"battery_percent"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Status    string    `json:"status"`
	LastRSSI  int       `json:"last_rssi"`
}

// SpectrogramRecord mirrors SPEC_FULL.md §3's Spectrogram Record.
type SpectrogramRecord struct {
	ID             string    `json:"id"`
	NodeID         string    `json:"node_id"`
	ImagePath      string    `json:"image_path"`
	Lat            float64   `json:"lat"`
	Lon            float64   `json:"lon"`
	AnomalyScore   float64   `json:"anomaly_score"`
	ReceivedAt     time.Time `json:"received_at"`
	SessionID      uint16    `json:"session_id"`
	RSSI           int       `json:"rssi"`
	Classification string    `json:"classification"`
	Confidence     int       `json:"confidence"`
	ThreatLevel    string    `json:"threat_level"`
	Reasoning      string    `json:"reasoning"`
	Features       []string  `json:"features"`
	ClassifierUsed string    `json:"classifier_used"`
	ClassifiedAt   *time.Time `json:"classified_at,omitempty"`
	Truncated      bool      `json:"truncated"`
}

// AlertRecord mirrors SPEC_FULL.md §3's Alert Record. A spectrogram has at
// most one alert.
type AlertRecord struct {
	ID            string     `json:"id"`
	NodeID        string     `json:"node_id"`
	Confidence    int        `json:"confidence"`
	Lat           float64    `json:"lat"`
	Lon           float64    `json:"lon"`
	Timestamp     time.Time  `json:"timestamp"`
	AnalysisText  string     `json:"analysis_text"`
	Responded     bool       `json:"responded"`
	RespondedBy   string     `json:"responded_by,omitempty"`
	RespondedAt   *time.Time `json:"responded_at,omitempty"`
	RSSI          int        `json:"rssi"`
	SpectrogramID string     `json:"spectrogram_id"`
}

// SyncQueueEntry mirrors SPEC_FULL.md §3's Sync Queue Entry.
type SyncQueueEntry struct {
	ID            int64     `json:"id"`
	SpectrogramID string    `json:"spectrogram_id"`
	Rank          int64     `json:"rank"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	Status        string    `json:"status"`
}

const maxSyncAttempts = 3

// SpectrogramJob is handed to a classifier worker by the Store whenever a
// spectrogram is persisted, decoupling reassembly from classification
// latency per SPEC_FULL.md §5's worker-pool model.
type SpectrogramJob struct {
	SpectrogramID string
	ImagePNG      []byte
}
