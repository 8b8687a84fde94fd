package store

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"forestguardian/internal/classifier"
	"forestguardian/internal/telemetry"
)

func testOutcomeCritical() classifier.Outcome {
	return classifier.Outcome{
		Result: classifier.Result{
			Label:       classifier.LabelChainsaw,
			Confidence:  92,
			ThreatLevel: classifier.ThreatCritical,
			Reasoning:   "broadband harmonic signature consistent with chainsaw",
		},
		Tier: classifier.TierLocal,
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	logger := slog.Default()
	s, err := Open(filepath.Join(dir, "guardian.db"), filepath.Join(dir, "spectrograms"), metrics, logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesTablesAndSpectrogramDir(t *testing.T) {
	s := newTestStore(t)
	nodes, err := s.ListNodes()
	require.NoError(t, err)
	require.Empty(t, nodes)
}

func TestUpsertNode_PublishesNewNodeThenNodeUpdate(t *testing.T) {
	s := newTestStore(t)
	sub, unsub := s.Subscribe()
	defer unsub()

	require.NoError(t, s.UpsertNode(NodeRecord{NodeID: "GUARDIAN_01", Status: "online", Battery: 90}))
	require.NoError(t, s.UpsertNode(NodeRecord{NodeID: "GUARDIAN_01", Status: "online", Battery: 85}))

	first := <-sub
	require.Equal(t, EventNewNode, first.Type)
	second := <-sub
	require.Equal(t, EventNodeUpdate, second.Type)

	nodes, err := s.ListNodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, 85, nodes[0].Battery)
}

func TestInsertSpectrogram_WritesPNGAndEnqueuesClassification(t *testing.T) {
	s := newTestStore(t)
	sub, unsub := s.Subscribe()
	defer unsub()

	grid := make([]uint8, 32*32)
	for i := range grid {
		grid[i] = uint8(i % 256)
	}

	id, err := s.InsertSpectrogram(SpectrogramRecord{NodeID: "GUARDIAN_01", SessionID: 7}, grid, 32, 32)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	ev := <-sub
	require.Equal(t, EventNewSpectrogram, ev.Type)

	select {
	case job := <-s.ClassifyQueue():
		require.Equal(t, id, job.SpectrogramID)
		require.NotEmpty(t, job.ImagePNG)
	default:
		t.Fatal("expected a classify job to be queued")
	}

	recs, err := s.ListRecentSpectrograms(10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "unknown", recs[0].Classification)
}

func TestRecordClassification_CriticalThreatCreatesAlert(t *testing.T) {
	s := newTestStore(t)
	grid := make([]uint8, 32*32)
	id, err := s.InsertSpectrogram(SpectrogramRecord{NodeID: "GUARDIAN_01"}, grid, 32, 32)
	require.NoError(t, err)

	sub, unsub := s.Subscribe()
	defer unsub()

	outcome := testOutcomeCritical()
	require.NoError(t, s.RecordClassification(id, outcome))

	analyzed := <-sub
	require.Equal(t, EventSpectrogramAnalyzed, analyzed.Type)
	alertEvent := <-sub
	require.Equal(t, EventNewAlert, alertEvent.Type)

	alerts, err := s.ListRecentAlerts(10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, id, alerts[0].SpectrogramID)
}

func TestRespondToAlert_UnknownIDReturnsError(t *testing.T) {
	s := newTestStore(t)
	err := s.RespondToAlert("does-not-exist", "ranger_1")
	require.Error(t, err)
}
