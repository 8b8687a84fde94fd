// Package node implements the sensor node's cooperative state-machine loop
// (SPEC_FULL.md §4.F): audio capture, spectrogram synthesis, anomaly gating,
// wire framing, and heartbeat/ACK bookkeeping, all on a single goroutine.
package node

import (
	"context"
	"log"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mdobak/go-xerrors"

	"forestguardian/internal/audio"
	"forestguardian/internal/config"
	"forestguardian/internal/gate"
	"forestguardian/internal/logging"
	"forestguardian/internal/radio"
	"forestguardian/internal/spectrogram"
	"forestguardian/internal/wire"
)

// State is one of the node scheduler's enumerated states.
type State string

const (
	StateBoot           State = "boot"
	StateInit           State = "init"
	StateListening       State = "listening"
	StateAnomalyPending  State = "anomaly_pending"
	StateTransmitting    State = "transmitting"
	StateHeartbeat       State = "heartbeat"
	StateLowBattery      State = "low_battery"
	StateError           State = "error"
	StateSleep           State = "sleep"
)

const (
	windowSamples = spectrogram.FFTSize + (spectrogram.NumFrames-1)*spectrogram.Hop
	ackWindow     = 2 * time.Second
	ackExpiry     = 5 * time.Minute
	sleepDuration = 10 * time.Minute
)

// Scheduler drives one node's Boot..Sleep state machine. It is not safe for
// concurrent use: the cooperative single-loop model means one goroutine ever
// calls Step/Run.
type Scheduler struct {
	cfg     *config.NodeConfig
	capture *audio.Capture
	engine  *spectrogram.Engine
	gate    *gate.Gate
	radio   radio.Transceiver
	battery BatterySource
	clock   clockwork.Clock
	logger  *slog.Logger

	nodeHash uint16
	state    State
	sessionID uint16

	lastHeartbeat time.Time
	lastAckAt     time.Time
	hubConnected  bool
	lowBatteryUntil time.Time

	lastGrid []uint8
}

// New builds a Scheduler. clock and logger may be nil to use real time and
// the shared process logger respectively.
func New(cfg *config.NodeConfig, capture *audio.Capture, engine *spectrogram.Engine, g *gate.Gate, transceiver radio.Transceiver, battery BatterySource, clock clockwork.Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logging.Get()
	}
	return &Scheduler{
		cfg:     cfg,
		capture: capture,
		engine:  engine,
		gate:    g,
		radio:   transceiver,
		battery: battery,
		clock:   clock,
		logger:  logger,
		nodeHash: wire.HashNodeID(cfg.NodeID),
		state:    StateBoot,
		lastHeartbeat: clock.Now(),
	}
}

// State reports the current state, exported for health/status surfaces.
func (s *Scheduler) State() State { return s.state }

// HubConnected reports whether a recent ACK has been observed.
func (s *Scheduler) HubConnected() bool { return s.hubConnected }

// Run drives the scheduler until ctx is cancelled, logging a liveness line
// at least every 8s to stand in for the original firmware's watchdog release.
func (s *Scheduler) Run(ctx context.Context) {
	s.state = StateInit
	s.logger.Info("node init", slog.String("node_id", s.cfg.NodeID))
	s.state = StateListening
	s.lastHeartbeat = s.clock.Now()

	watchdog := s.clock.Now()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[node %s] shutting down, last state %s\n", s.cfg.NodeID, s.state)
			return
		default:
		}

		s.Step(ctx)

		if s.clock.Now().Sub(watchdog) >= 8*time.Second {
			log.Printf("[node %s] watchdog release, state=%s hub_connected=%v\n", s.cfg.NodeID, s.state, s.hubConnected)
			watchdog = s.clock.Now()
		}
	}
}

// Step runs exactly one iteration of the state machine, dispatching on the
// current state. It is exported so tests can drive deterministic ticks.
func (s *Scheduler) Step(ctx context.Context) {
	now := s.clock.Now()

	if s.state != StateLowBattery && s.state != StateSleep {
		pct := VoltageToPercent(s.battery.ReadVoltage())
		if pct < s.cfg.LowBatteryPct {
			s.logger.Warn("battery low", slog.Int("battery_pct", pct))
			s.state = StateLowBattery
		}
	}

	switch s.state {
	case StateLowBattery:
		s.sendJSON(wire.JSONLowBattery, nil)
		s.lowBatteryUntil = now.Add(sleepDuration)
		s.state = StateSleep
		return
	case StateSleep:
		if now.Before(s.lowBatteryUntil) {
			return
		}
		s.state = StateListening
		return
	}

	if now.Sub(s.lastHeartbeat) >= s.cfg.HeartbeatPeriod {
		s.state = StateHeartbeat
	}

	switch s.state {
	case StateHeartbeat:
		s.runHeartbeat(ctx)
		s.state = StateListening
		s.lastHeartbeat = s.clock.Now()
	default:
		s.runListening(ctx)
	}

	if !s.lastAckAt.IsZero() && s.clock.Now().Sub(s.lastAckAt) > ackExpiry {
		s.hubConnected = false
	}
}

// runListening captures one spectrogram window and evaluates the gate,
// transmitting on a confirmed anomaly.
func (s *Scheduler) runListening(ctx context.Context) {
	buf := make([]int16, windowSamples)
	ok, err := s.capture.Read(buf, windowSamples)
	if err != nil {
		s.logger.Warn("audio read failed", slog.Any("error", xerrors.New(err)))
		return
	}
	if !ok {
		return
	}
	audio.CorrectDC(buf)

	grid, err := s.engine.Compute(buf)
	if err != nil {
		// Too little audio this window; not an error, just skip.
		return
	}
	s.lastGrid = grid

	s.state = StateListening
	if !s.gate.Evaluate(grid) {
		return
	}

	s.state = StateAnomalyPending
	s.logger.Info("anomaly confirmed", slog.String("node_id", s.cfg.NodeID))
	s.state = StateTransmitting
	s.transmitSpectrogram(ctx, grid)
	s.state = StateListening
}

// transmitSpectrogram frames grid as SPEC_START/SPEC_DATA*/SPEC_END packets
// and transmits them in sequence, falling back to a single JSON alert packet
// if the payload codec fails to encode the grid.
func (s *Scheduler) transmitSpectrogram(ctx context.Context, grid []uint8) {
	s.sessionID++
	sessionID := s.sessionID

	bands := gate.ComputeBands(grid)
	confidence := int(100 * bands.High)
	batteryPct := VoltageToPercent(s.battery.ReadVoltage())

	payload, err := wire.EncodePayload(grid, wire.GridWidth, wire.GridHeight)
	if err != nil {
		s.logger.Error("payload encode failed, falling back to JSON alert", slog.Any("error", xerrors.New(err)))
		confF := float64(confidence)
		battery := batteryPct
		s.sendJSON(wire.JSONAlert, &wire.JSONMessage{Confidence: &confF, Battery: &battery})
		return
	}

	chunks := chunkPayload(payload, wire.LoRaPacketData)
	start := wire.Packet{
		NodeHash:  s.nodeHash,
		Type:      wire.TypeSpecStart,
		SessionID: sessionID,
	}
	startBody, err := wire.EncodeStartBody(wire.StartBody{
		DataPackets: byte(len(chunks)),
		PayloadLen:  uint16(len(payload)),
		NodeID:      s.cfg.NodeID,
	})
	if err != nil {
		s.logger.Error("start body encode failed", slog.Any("error", xerrors.New(err)))
		return
	}
	start.Body = startBody
	s.transmitPacket(ctx, &start)

	for seq, chunk := range chunks {
		data := wire.Packet{
			NodeHash:  s.nodeHash,
			Type:      wire.TypeSpecData,
			SessionID: sessionID,
			Sequence:  byte(seq),
			Body:      chunk,
		}
		s.transmitPacket(ctx, &data)
	}

	endBody, err := wire.EncodeEndBody(wire.EndBody{
		ConfidencePct: confidence,
		BatteryPct:    batteryPct,
	})
	if err != nil {
		s.logger.Error("end body encode failed", slog.Any("error", xerrors.New(err)))
		return
	}
	end := wire.Packet{
		NodeHash:  s.nodeHash,
		Type:      wire.TypeSpecEnd,
		SessionID: sessionID,
		Body:      endBody,
	}
	s.transmitPacket(ctx, &end)

	log.Printf("[node %s] transmitted session %d, %d data packets, %d%% confidence\n", s.cfg.NodeID, sessionID, len(chunks), confidence)
}

func chunkPayload(payload []byte, max int) [][]byte {
	var chunks [][]byte
	for i := 0; i < len(payload); i += max {
		end := i + max
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[i:end])
	}
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}
	return chunks
}

func (s *Scheduler) transmitPacket(ctx context.Context, p *wire.Packet) {
	raw, err := p.Serialize()
	if err != nil {
		s.logger.Error("packet serialize failed", slog.Any("error", xerrors.New(err)))
		return
	}
	if err := s.radio.Transmit(ctx, raw); err != nil {
		s.logger.Warn("radio transmit failed", slog.Any("error", xerrors.New(err)))
	}
}

// runHeartbeat sends a heartbeat JSON packet then opens a short receive
// window to look for an ACK before returning to Listening.
func (s *Scheduler) runHeartbeat(ctx context.Context) {
	batteryPct := VoltageToPercent(s.battery.ReadVoltage())
	s.sendJSON(wire.JSONHeartbeat, &wire.JSONMessage{Battery: &batteryPct})

	reception, err := s.radio.Receive(ctx, ackWindow)
	if err != nil {
		s.logger.Warn("heartbeat ack receive failed", slog.Any("error", xerrors.New(err)))
		return
	}
	if reception == nil {
		return
	}
	pkt, err := wire.ParsePacket(reception.Data)
	if err != nil {
		return
	}
	if pkt.NodeHash != s.nodeHash {
		return
	}
	if isAck(pkt.Body, s.cfg.NodeID) {
		s.hubConnected = true
		s.lastAckAt = s.clock.Now()
	}
}

func isAck(body []byte, nodeID string) bool {
	text := string(body)
	for _, marker := range []string{"ack", "ACK", nodeID, "hub"} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func (s *Scheduler) sendJSON(kind wire.JSONMessageType, extra *wire.JSONMessage) {
	msg := wire.JSONMessage{NodeID: s.cfg.NodeID, Type: kind}
	if extra != nil {
		msg.Confidence = extra.Confidence
		msg.Battery = extra.Battery
	}
	body, err := wire.EncodeJSONMessage(msg)
	if err != nil {
		s.logger.Error("json message encode failed", slog.Any("error", xerrors.New(err)))
		return
	}
	pkt := wire.Packet{NodeHash: s.nodeHash, Type: wire.TypeJSON, Body: body}
	raw, err := pkt.Serialize()
	if err != nil {
		s.logger.Error("json packet serialize failed", slog.Any("error", xerrors.New(err)))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.radio.Transmit(ctx, raw); err != nil {
		s.logger.Warn("json packet transmit failed", slog.Any("error", xerrors.New(err)))
	}
}
