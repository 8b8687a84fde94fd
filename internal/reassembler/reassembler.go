// Package reassembler rebuilds spectrogram payloads from the packets a radio
// RX task hands it, owning the in-flight session table exclusively
// (SPEC_FULL.md §4.G). It never talks to the radio or the store directly;
// callers wire its output events to those components.
package reassembler

import (
	"time"

	"github.com/jonboulle/clockwork"

	"forestguardian/internal/telemetry"
	"forestguardian/internal/wire"
)

const defaultSessionCap = 32

// sessionKey identifies one in-flight transmission.
type sessionKey struct {
	NodeHash  uint16
	SessionID uint16
}

type sessionState struct {
	key        sessionKey
	nodeID     string
	dataCount  int
	haveCount  bool
	payloadLen int
	chunks     map[byte][]byte
	metadata   *wire.EndBody
	rssiMax    int
	openedAt   time.Time
	lastPacket time.Time
	permissive bool
}

// SpectrogramReceived is published once a session completes.
type SpectrogramReceived struct {
	NodeHash  uint16
	SessionID uint16
	NodeID    string
	Grid      []uint8
	GridW     int
	GridH     int
	Metadata  wire.EndBody
	RSSIMax   int
	Truncated bool
}

// SessionAbandoned is published when a session times out without completing.
type SessionAbandoned struct {
	NodeHash  uint16
	SessionID uint16
	Received  int
	Expected  int
}

// PartialSpectrogram is published when a completed session's payload fails
// to decode; the raw bytes are carried so they are never silently dropped.
type PartialSpectrogram struct {
	NodeHash  uint16
	SessionID uint16
	NodeID    string
	RawBytes  []byte
	Err       error
}

// Sink receives the Reassembler's output events. Implementations must not
// block for long; the Reassembler processes packets serially.
type Sink interface {
	OnSpectrogramReceived(SpectrogramReceived)
	OnSessionAbandoned(SessionAbandoned)
	OnPartialSpectrogram(PartialSpectrogram)
	OnJSONMessage(msg wire.JSONMessage, rssi int)
}

// Reassembler owns the session table. A single goroutine must drive
// OnPacket and Tick; it is not safe for concurrent use from multiple
// goroutines (SPEC_FULL.md §5).
type Reassembler struct {
	sink       Sink
	clock      clockwork.Clock
	metrics    *telemetry.Metrics
	timeout    time.Duration
	cap        int
	permissive bool

	sessions map[sessionKey]*sessionState
}

// Option configures a Reassembler at construction.
type Option func(*Reassembler)

// WithCap overrides the default concurrent-session cap (32).
func WithCap(n int) Option {
	return func(r *Reassembler) { r.cap = n }
}

// WithPermissiveMode enables accepting SPEC_DATA before SPEC_START, per the
// config toggle SPEC_FULL.md §4.G resolves the open question with.
func WithPermissiveMode(enabled bool) Option {
	return func(r *Reassembler) { r.permissive = enabled }
}

// New builds a Reassembler that abandons sessions after timeout of inactivity.
func New(sink Sink, clock clockwork.Clock, metrics *telemetry.Metrics, timeout time.Duration, opts ...Option) *Reassembler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	r := &Reassembler{
		sink:     sink,
		clock:    clock,
		metrics:  metrics,
		timeout:  timeout,
		cap:      defaultSessionCap,
		sessions: make(map[sessionKey]*sessionState),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reassembler) dropped(reason string) {
	if r.metrics != nil {
		r.metrics.PacketsDropped.WithLabelValues(reason).Inc()
	}
}

func (r *Reassembler) received(pt wire.PacketType) {
	if r.metrics != nil {
		r.metrics.PacketsReceived.WithLabelValues(pt.String()).Inc()
	}
}

// OnPacket feeds one already-parsed packet (with its measured RSSI) through
// the reassembler. The caller is expected to have already run wire.ParsePacket
// and dropped anything that failed there.
func (r *Reassembler) OnPacket(pkt *wire.Packet, rssi int) {
	r.received(pkt.Type)
	now := r.clock.Now()

	switch pkt.Type {
	case wire.TypeJSON:
		msg, err := wire.DecodeJSONMessage(pkt.Body)
		if err != nil {
			r.dropped("malformed_body")
			return
		}
		r.sink.OnJSONMessage(msg, rssi)

	case wire.TypeSpecStart:
		body, err := wire.DecodeStartBody(pkt.Body)
		if err != nil {
			r.dropped("malformed_body")
			return
		}
		key := sessionKey{NodeHash: pkt.NodeHash, SessionID: pkt.SessionID}
		if existing, exists := r.sessions[key]; exists {
			if !existing.haveCount {
				r.fillPendingSession(existing, body, now, rssi)
				break
			}
			r.dropped("session_overwritten")
		}
		r.openSession(key, body, now, rssi)

	case wire.TypeSpecData:
		if pkt.Sequence > 127 {
			r.dropped("bad_sequence")
			return
		}
		key := sessionKey{NodeHash: pkt.NodeHash, SessionID: pkt.SessionID}
		st, exists := r.sessions[key]
		if !exists {
			if !r.permissive {
				r.dropped("unknown_session")
				return
			}
			st = r.openPendingSession(key, now)
		}
		st.chunks[pkt.Sequence] = append([]byte(nil), pkt.Body...)
		st.lastPacket = now
		if rssi > st.rssiMax {
			st.rssiMax = rssi
		}
		r.evaluateCompletion(st)

	case wire.TypeSpecEnd:
		key := sessionKey{NodeHash: pkt.NodeHash, SessionID: pkt.SessionID}
		st, exists := r.sessions[key]
		if !exists {
			r.dropped("unknown_session")
			return
		}
		body, err := wire.DecodeEndBody(pkt.Body)
		if err != nil {
			r.dropped("malformed_body")
			return
		}
		st.metadata = &body
		st.lastPacket = now
		if rssi > st.rssiMax {
			st.rssiMax = rssi
		}
		r.evaluateCompletion(st)

	default:
		r.dropped("unknown_type")
	}
}

func (r *Reassembler) openSession(key sessionKey, body wire.StartBody, now time.Time, rssi int) {
	st := &sessionState{
		key:        key,
		nodeID:     body.NodeID,
		dataCount:  int(body.DataPackets),
		haveCount:  true,
		payloadLen: int(body.PayloadLen),
		chunks:     make(map[byte][]byte),
		openedAt:   now,
		lastPacket: now,
		rssiMax:    rssi,
	}
	r.sessions[key] = st
	if r.metrics != nil {
		r.metrics.SessionsOpened.Inc()
	}
	r.evictIfOverCap()
	r.evaluateCompletion(st)
}

// fillPendingSession completes a permissive-mode session that was opened by
// an out-of-order DATA packet, attaching the START metadata in place so the
// chunks already collected are not discarded.
func (r *Reassembler) fillPendingSession(st *sessionState, body wire.StartBody, now time.Time, rssi int) {
	st.nodeID = body.NodeID
	st.dataCount = int(body.DataPackets)
	st.payloadLen = int(body.PayloadLen)
	st.haveCount = true
	st.lastPacket = now
	if rssi > st.rssiMax {
		st.rssiMax = rssi
	}
	r.evaluateCompletion(st)
}

func (r *Reassembler) openPendingSession(key sessionKey, now time.Time) *sessionState {
	st := &sessionState{
		key:        key,
		chunks:     make(map[byte][]byte),
		openedAt:   now,
		lastPacket: now,
		permissive: true,
	}
	r.sessions[key] = st
	if r.metrics != nil {
		r.metrics.SessionsOpened.Inc()
	}
	r.evictIfOverCap()
	return st
}

func (r *Reassembler) evictIfOverCap() {
	for len(r.sessions) > r.cap {
		var oldestKey sessionKey
		var oldest time.Time
		first := true
		for k, st := range r.sessions {
			if first || st.openedAt.Before(oldest) {
				oldestKey = k
				oldest = st.openedAt
				first = false
			}
		}
		delete(r.sessions, oldestKey)
		if r.metrics != nil {
			r.metrics.SessionsEvicted.Inc()
		}
	}
}

func (r *Reassembler) evaluateCompletion(st *sessionState) {
	if !st.haveCount || st.metadata == nil {
		return
	}
	if len(st.chunks) != st.dataCount {
		return
	}
	for seq := 0; seq < st.dataCount; seq++ {
		if _, ok := st.chunks[byte(seq)]; !ok {
			return
		}
	}

	raw := make([]byte, 0, st.payloadLen)
	for seq := 0; seq < st.dataCount; seq++ {
		raw = append(raw, st.chunks[byte(seq)]...)
	}

	truncated := len(raw) != st.payloadLen

	grid, w, h, err := wire.DecodePayload(raw)
	if err != nil {
		r.sink.OnPartialSpectrogram(PartialSpectrogram{
			NodeHash:  st.key.NodeHash,
			SessionID: st.key.SessionID,
			NodeID:    st.nodeID,
			RawBytes:  raw,
			Err:       err,
		})
		delete(r.sessions, st.key)
		if r.metrics != nil {
			r.metrics.SessionsComplete.Inc()
		}
		return
	}

	r.sink.OnSpectrogramReceived(SpectrogramReceived{
		NodeHash:  st.key.NodeHash,
		SessionID: st.key.SessionID,
		NodeID:    st.nodeID,
		Grid:      grid,
		GridW:     w,
		GridH:     h,
		Metadata:  *st.metadata,
		RSSIMax:   st.rssiMax,
		Truncated: truncated,
	})
	delete(r.sessions, st.key)
	if r.metrics != nil {
		r.metrics.SessionsComplete.Inc()
	}
}

// Tick evaluates every in-flight session for abandonment. It should be
// called on a coarse timer (every 1s per SPEC_FULL.md §5).
func (r *Reassembler) Tick() {
	now := r.clock.Now()
	for key, st := range r.sessions {
		if now.Sub(st.lastPacket) <= r.timeout {
			continue
		}
		expected := st.dataCount
		r.sink.OnSessionAbandoned(SessionAbandoned{
			NodeHash:  key.NodeHash,
			SessionID: key.SessionID,
			Received:  len(st.chunks),
			Expected:  expected,
		})
		delete(r.sessions, key)
		if r.metrics != nil {
			r.metrics.SessionsAbandoned.Inc()
		}
	}
}

// SessionCount reports the number of currently in-flight sessions, for tests
// and telemetry.
func (r *Reassembler) SessionCount() int {
	return len(r.sessions)
}
