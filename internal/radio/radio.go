// Package radio models the LoRa transceiver both endpoints share as a
// single-owner handle (SPEC_FULL.md §4.E, §9). This rewrite targets commodity
// compute rather than an SX1262 wired to a microcontroller, so the real
// implementation is a point-to-point UDP transport, one datagram per on-air
// packet, with configurable loss/latency/RSSI-jitter injection standing in
// for the physical channel. A hardware-backed implementation can satisfy the
// same Transceiver interface without touching any caller.
package radio

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"
)

// ErrNeedsReset is returned by every operation once the link has faulted;
// the owner must call Reset before issuing further calls (SPEC_FULL.md §4.E).
var ErrNeedsReset = errors.New("radio: link needs reset")

// Params are the fixed radio parameters both endpoints must agree on.
type Params struct {
	FreqMHz   float64
	Bandwidth float64 // kHz
	SF        int
	CodingRate string
	Preamble  int
	SyncWord  byte
	CRC       bool
	TXPowerDB int
}

// DefaultParams returns the SPEC_FULL.md §4.E fixed parameter set.
func DefaultParams(freqMHz float64, sf int, syncWord byte) Params {
	return Params{
		FreqMHz:    freqMHz,
		Bandwidth:  125,
		SF:         sf,
		CodingRate: "4/5",
		Preamble:   8,
		SyncWord:   syncWord,
		CRC:        true,
		TXPowerDB:  14,
	}
}

// Reception is the result of a successful Receive call.
type Reception struct {
	Data []byte
	RSSI int
	SNR  float64
}

// Transceiver is the capability interface both the node scheduler and the
// hub's radio RX task drive. Every method can fail with ErrNeedsReset; no
// method retries internally.
type Transceiver interface {
	// Transmit blocks until the radio reports completion or a driver error.
	Transmit(ctx context.Context, data []byte) error
	// Receive blocks up to timeout for one packet. A nil Reception with a nil
	// error means the timeout elapsed with nothing received.
	Receive(ctx context.Context, timeout time.Duration) (*Reception, error)
	ScanChannel(ctx context.Context) (bool, error) // true = preamble detected
	Sleep() error
	Standby() error
	Reset() error
}

// ChannelConfig configures the loss/latency/RSSI behavior of a simulated UDP link.
type ChannelConfig struct {
	LossProbability float64
	Latency         time.Duration
	BaseRSSI        int
	RSSIJitter      int
	BaseSNR         float64
}

// DefaultChannelConfig is a lossless, zero-latency default suitable for unit tests.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{BaseRSSI: -70, BaseSNR: 9.5}
}

// UDPTransceiver implements Transceiver over a UDP socket, simulating the
// packet-oriented nature of a LoRa link.
type UDPTransceiver struct {
	params  Params
	channel ChannelConfig
	conn    *net.UDPConn
	peer    *net.UDPAddr
	rng     *rand.Rand
	needsReset bool
}

// NewUDPTransceiver binds localAddr and targets peerAddr for transmits.
// Either address may be empty to mean "any" (useful on the receiving side
// for peerAddr, which is then learned from the first received packet).
func NewUDPTransceiver(params Params, channel ChannelConfig, localAddr, peerAddr string) (*UDPTransceiver, error) {
	local, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("radio: resolving local addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("radio: binding udp socket: %w", err)
	}

	t := &UDPTransceiver{params: params, channel: channel, conn: conn, rng: rand.New(rand.NewSource(1))}
	if peerAddr != "" {
		peer, err := net.ResolveUDPAddr("udp", peerAddr)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("radio: resolving peer addr: %w", err)
		}
		t.peer = peer
	}
	return t, nil
}

// LocalAddr returns the bound local address.
func (t *UDPTransceiver) LocalAddr() net.Addr { return t.conn.LocalAddr() }

func (t *UDPTransceiver) Transmit(ctx context.Context, data []byte) error {
	if t.needsReset {
		return ErrNeedsReset
	}
	if t.peer == nil {
		t.needsReset = true
		return fmt.Errorf("radio: no peer configured for transmit")
	}
	if t.channel.Latency > 0 {
		select {
		case <-time.After(t.channel.Latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if t.channel.LossProbability > 0 && t.rng.Float64() < t.channel.LossProbability {
		return nil // simulated on-air loss: transmit "succeeds" from the sender's perspective
	}
	if _, err := t.conn.WriteToUDP(data, t.peer); err != nil {
		t.needsReset = true
		return fmt.Errorf("radio: transmit: %w", err)
	}
	return nil
}

func (t *UDPTransceiver) Receive(ctx context.Context, timeout time.Duration) (*Reception, error) {
	if t.needsReset {
		return nil, ErrNeedsReset
	}
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		t.needsReset = true
		return nil, fmt.Errorf("radio: set deadline: %w", err)
	}

	buf := make([]byte, 1500)
	n, addr, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		t.needsReset = true
		return nil, fmt.Errorf("radio: receive: %w", err)
	}
	if t.peer == nil {
		t.peer = addr
	}

	rssi := t.channel.BaseRSSI
	if t.channel.RSSIJitter > 0 {
		rssi += t.rng.Intn(2*t.channel.RSSIJitter+1) - t.channel.RSSIJitter
	}

	out := make([]byte, n)
	copy(out, buf[:n])
	return &Reception{Data: out, RSSI: rssi, SNR: t.channel.BaseSNR}, nil
}

func (t *UDPTransceiver) ScanChannel(ctx context.Context) (bool, error) {
	r, err := t.Receive(ctx, 10*time.Millisecond)
	if err != nil {
		return false, err
	}
	return r != nil, nil
}

func (t *UDPTransceiver) Sleep() error   { return nil }
func (t *UDPTransceiver) Standby() error { return nil }

func (t *UDPTransceiver) Reset() error {
	t.needsReset = false
	return nil
}

// Close releases the underlying socket.
func (t *UDPTransceiver) Close() error { return t.conn.Close() }
