package store

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"forestguardian/internal/reassembler"
	"forestguardian/internal/wire"
)

// Store implements reassembler.Sink, turning reassembly events into
// persisted records and live-broadcast events (SPEC_FULL.md §4.G/§4.I).
var _ reassembler.Sink = (*Store)(nil)

// OnSpectrogramReceived persists a completed spectrogram and hands it to the
// classifier worker pool via InsertSpectrogram's own queue push.
func (s *Store) OnSpectrogramReceived(ev reassembler.SpectrogramReceived) {
	nodeID := ev.NodeID
	if nodeID == "" {
		nodeID = nodeIDForHash(ev.NodeHash)
	}

	if err := s.UpsertNode(NodeRecord{
		NodeID:   nodeID,
		LastSeen: time.Now(),
		Lat:      ev.Metadata.Lat,
		Lon:      ev.Metadata.Lon,
		Status:   "online",
		LastRSSI: ev.RSSIMax,
		Battery:  ev.Metadata.BatteryPct,
	}); err != nil {
		s.logger.Error("upserting node on spectrogram receipt", slog.Any("error", err))
	}

	rec := SpectrogramRecord{
		NodeID:       nodeID,
		Lat:          ev.Metadata.Lat,
		Lon:          ev.Metadata.Lon,
		AnomalyScore: float64(ev.Metadata.ConfidencePct) / 100.0,
		SessionID:    ev.SessionID,
		RSSI:         ev.RSSIMax,
		Truncated:    ev.Truncated,
	}
	id, err := s.InsertSpectrogram(rec, ev.Grid, ev.GridW, ev.GridH)
	if err != nil {
		s.logger.Error("inserting spectrogram", slog.Any("error", err))
		return
	}
	log.Printf("[store] spectrogram %s persisted for node %s, session %d\n", id, nodeID, ev.SessionID)
}

// OnSessionAbandoned logs an abandoned session (the Reassembler itself counts
// it in the sessions-abandoned metric); no record survives
// an incomplete transmission per SPEC_FULL.md §4.G.
func (s *Store) OnSessionAbandoned(ev reassembler.SessionAbandoned) {
	s.logger.Warn("session abandoned",
		slog.Int("node_hash", int(ev.NodeHash)),
		slog.Int("session_id", int(ev.SessionID)),
		slog.Int("received", ev.Received),
		slog.Int("expected", ev.Expected))
}

// OnPartialSpectrogram spills an undecodable payload's raw bytes to the
// sync_queue directory rather than discarding them outright (SPEC_FULL.md
// §7 DecodeFailed persistence requirement).
func (s *Store) OnPartialSpectrogram(ev reassembler.PartialSpectrogram) {
	name := fmt.Sprintf("%d-%d.raw", ev.NodeHash, ev.SessionID)
	path := filepath.Join(s.syncQueueDir, name)
	if err := os.WriteFile(path, ev.RawBytes, 0o644); err != nil {
		s.logger.Error("spilling undecodable spectrogram bytes",
			slog.String("path", path), slog.Any("error", err))
	}
	s.logger.Error("spectrogram payload failed to decode, raw bytes spilled",
		slog.String("node_id", ev.NodeID),
		slog.Int("session_id", int(ev.SessionID)),
		slog.Int("raw_len", len(ev.RawBytes)),
		slog.String("spill_path", path),
		slog.Any("error", ev.Err))
}

// OnJSONMessage routes a node's out-of-band boot/heartbeat/alert/low_battery
// message to the node table, and to a direct alert for type=alert.
func (s *Store) OnJSONMessage(msg wire.JSONMessage, rssi int) {
	batteryPct := 0
	if msg.Battery != nil {
		batteryPct = *msg.Battery
	}
	lat, lon := s.existingNodeLocation(msg.NodeID)
	if msg.Lat != nil {
		lat = *msg.Lat
	}
	if msg.Lon != nil {
		lon = *msg.Lon
	}

	status := "online"
	if msg.Type == wire.JSONLowBattery {
		status = "low_battery"
	}

	if err := s.UpsertNode(NodeRecord{
		NodeID:   msg.NodeID,
		LastSeen: time.Now(),
		Battery:  batteryPct,
		Lat:      lat,
		Lon:      lon,
		Status:   status,
		LastRSSI: rssi,
	}); err != nil {
		s.logger.Error("upserting node on json message", slog.Any("error", err))
	}

	if msg.Type == wire.JSONAlert {
		confidence := 0
		if msg.Confidence != nil {
			confidence = int(*msg.Confidence)
		}
		if err := s.InsertDirectAlert(msg.NodeID, confidence, lat, lon, rssi, directAlertText(msg.NodeID, confidence)); err != nil {
			s.logger.Error("inserting direct alert", slog.Any("error", err))
		}
	}
}

func directAlertText(nodeID string, confidence int) string {
	return "Alert reported directly by " + nodeID + " at " + strconv.Itoa(confidence) + "% confidence"
}

// nodeIDForHash is used only when a SPEC_DATA-only (permissive) session never
// carried a StartBody NodeID; the hash itself becomes the display id.
func nodeIDForHash(hash uint16) string {
	return "node_" + strconv.Itoa(int(hash))
}
