package node

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forestguardian/internal/audio"
	"forestguardian/internal/config"
	"forestguardian/internal/gate"
	"forestguardian/internal/radio"
	"forestguardian/internal/spectrogram"
	"forestguardian/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
}

func testConfig() *config.NodeConfig {
	return &config.NodeConfig{
		NodeID:          "GUARDIAN_TEST",
		AnomalyProfile:  config.ProfileDemo,
		ConsecutiveHits: 2,
		TxCooldown:      time.Second,
		HeartbeatPeriod: 30 * time.Second,
		LowBatteryPct:   5,
	}
}

// loopbackTransceiver is an in-memory Transceiver double recording every
// transmitted packet, for scheduler tests that don't need real sockets.
type loopbackTransceiver struct {
	transmitted [][]byte
	rx          chan radio.Reception
}

func newLoopbackTransceiver() *loopbackTransceiver {
	return &loopbackTransceiver{rx: make(chan radio.Reception, 8)}
}

func (l *loopbackTransceiver) Transmit(_ context.Context, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	l.transmitted = append(l.transmitted, cp)
	return nil
}

func (l *loopbackTransceiver) Receive(ctx context.Context, timeout time.Duration) (*radio.Reception, error) {
	select {
	case r := <-l.rx:
		return &r, nil
	case <-time.After(timeout):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *loopbackTransceiver) ScanChannel(context.Context) (bool, error) { return false, nil }
func (l *loopbackTransceiver) Sleep() error                              { return nil }
func (l *loopbackTransceiver) Standby() error                            { return nil }
func (l *loopbackTransceiver) Reset() error                              { return nil }

func newTestScheduler(t *testing.T, src audio.PCMSource, tc radio.Transceiver, clock clockwork.Clock) *Scheduler {
	t.Helper()
	cfg := testConfig()
	capture := audio.NewCapture(src)
	engine := spectrogram.NewEngine()
	g := gate.New(config.ProfileDemo, 0, cfg.ConsecutiveHits, cfg.TxCooldown, clock)
	return New(cfg, capture, engine, g, tc, FixedBattery{Voltage: 4.0}, clock, testLogger())
}

func TestScheduler_ListeningWithoutAnomalyStaysListening(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := audio.NewSimulatedSource(1, 50)
	tc := newLoopbackTransceiver()
	s := newTestScheduler(t, src, tc, clock)
	s.state = StateListening

	s.Step(context.Background())

	assert.Equal(t, StateListening, s.state)
	assert.Empty(t, tc.transmitted)
}

func TestScheduler_AnomalyTriggersTransmission(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := audio.NewSimulatedSource(1, 50)
	// A wide harmonic spread (300Hz..6000Hz) approximates a chainsaw's
	// broadband signature closely enough to fire the Production profile's
	// low/mid/high-all-present predicate.
	src.InjectChainsawBurst(300, 20, 9000)
	tc := newLoopbackTransceiver()

	cfg := testConfig()
	cfg.AnomalyProfile = config.ProfileProduction
	capture := audio.NewCapture(src)
	engine := spectrogram.NewEngine()
	g := gate.New(config.ProfileProduction, 0.05, cfg.ConsecutiveHits, cfg.TxCooldown, clock)
	s := New(cfg, capture, engine, g, tc, FixedBattery{Voltage: 4.0}, clock, testLogger())
	s.state = StateListening

	var fired bool
	for i := 0; i < 5 && !fired; i++ {
		s.Step(context.Background())
		fired = len(tc.transmitted) > 0
	}

	require.True(t, fired, "expected a spectrogram transmission within a few windows")
	first, err := wire.ParsePacket(tc.transmitted[0])
	require.NoError(t, err)
	assert.Equal(t, wire.TypeSpecStart, first.Type)
}

func TestScheduler_HeartbeatFiresOnSchedule(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := audio.NewSimulatedSource(1, 50)
	tc := newLoopbackTransceiver()
	s := newTestScheduler(t, src, tc, clock)
	s.state = StateListening
	s.lastHeartbeat = clock.Now()

	clock.Advance(31 * time.Second)
	s.Step(context.Background())

	require.NotEmpty(t, tc.transmitted)
	pkt, err := wire.ParsePacket(tc.transmitted[0])
	require.NoError(t, err)
	assert.Equal(t, wire.TypeJSON, pkt.Type)
	msg, err := wire.DecodeJSONMessage(pkt.Body)
	require.NoError(t, err)
	assert.Equal(t, wire.JSONHeartbeat, msg.Type)
}

func TestScheduler_HeartbeatAckSetsHubConnected(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := audio.NewSimulatedSource(1, 50)
	tc := newLoopbackTransceiver()
	s := newTestScheduler(t, src, tc, clock)
	s.state = StateHeartbeat

	ackPkt := wire.Packet{NodeHash: s.nodeHash, Type: wire.TypeJSON, Body: []byte("hub ACK received")}
	raw, err := ackPkt.Serialize()
	require.NoError(t, err)
	tc.rx <- radio.Reception{Data: raw, RSSI: -60}

	s.Step(context.Background())

	assert.True(t, s.HubConnected())
}

func TestScheduler_LowBatteryTransitionsToSleep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := audio.NewSimulatedSource(1, 50)
	tc := newLoopbackTransceiver()
	cfg := testConfig()
	capture := audio.NewCapture(src)
	engine := spectrogram.NewEngine()
	g := gate.New(config.ProfileDemo, 0, cfg.ConsecutiveHits, cfg.TxCooldown, clock)
	s := New(cfg, capture, engine, g, tc, FixedBattery{Voltage: 3.0}, clock, testLogger())
	s.state = StateListening

	s.Step(context.Background())

	assert.Equal(t, StateSleep, s.state)
}

func TestVoltageToPercent_USBPowerClampsTo100(t *testing.T) {
	assert.Equal(t, 100, VoltageToPercent(2.0))
}

func TestVoltageToPercent_ClampsWithinRange(t *testing.T) {
	assert.Equal(t, 0, VoltageToPercent(2.9))
	assert.Equal(t, 100, VoltageToPercent(4.5))
}
