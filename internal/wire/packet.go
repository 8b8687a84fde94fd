package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// PacketType enumerates the four on-air packet kinds.
type PacketType byte

const (
	TypeJSON      PacketType = 0x01
	TypeSpecStart PacketType = 0x10
	TypeSpecData  PacketType = 0x11
	TypeSpecEnd   PacketType = 0x12
)

func (t PacketType) String() string {
	switch t {
	case TypeJSON:
		return "JSON"
	case TypeSpecStart:
		return "SPEC_START"
	case TypeSpecData:
		return "SPEC_DATA"
	case TypeSpecEnd:
		return "SPEC_END"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
	}
}

var packetMagic = [2]byte{0x46, 0x47}

const (
	headerLen      = 8
	maxPacketLen   = 200
	maxBodyLen     = maxPacketLen - headerLen
	// LoRaPacketData is the maximum number of spectrogram payload bytes carried
	// by a single SPEC_DATA packet's body.
	LoRaPacketData = 192
	maxNodeIDLen   = 20
)

var (
	ErrMagicMismatch  = errors.New("wire: magic mismatch")
	ErrUnknownType    = errors.New("wire: unknown packet type")
	ErrMalformedBody  = errors.New("wire: malformed packet body")
	ErrPacketTooLarge = errors.New("wire: packet exceeds maximum length")
)

// Packet is the parsed representation of one on-air frame.
type Packet struct {
	NodeHash  uint16
	Type      PacketType
	SessionID uint16
	Sequence  byte
	Body      []byte
}

// HashNodeID computes the 16-bit FNV-1a hash of an ASCII node id, folding the
// 32-bit digest into 16 bits by XOR-ing its halves. See SPEC_FULL.md §4.D for
// why this resolves the original "16-bit FNV-like hash" wording concretely.
func HashNodeID(nodeID string) uint16 {
	const (
		offsetBasis uint32 = 2166136261
		prime       uint32 = 16777619
	)
	h := offsetBasis
	for i := 0; i < len(nodeID); i++ {
		h ^= uint32(nodeID[i])
		h *= prime
	}
	return uint16((h >> 16) ^ (h & 0xFFFF))
}

// Serialize frames a packet into its on-air byte representation.
func (p *Packet) Serialize() ([]byte, error) {
	if len(p.Body) > maxBodyLen {
		return nil, ErrPacketTooLarge
	}
	switch p.Type {
	case TypeJSON, TypeSpecStart, TypeSpecData, TypeSpecEnd:
	default:
		return nil, ErrUnknownType
	}

	out := make([]byte, headerLen+len(p.Body))
	out[0], out[1] = packetMagic[0], packetMagic[1]
	binary.BigEndian.PutUint16(out[2:4], p.NodeHash)
	out[4] = byte(p.Type)
	binary.BigEndian.PutUint16(out[5:7], p.SessionID)
	out[7] = p.Sequence
	copy(out[headerLen:], p.Body)
	return out, nil
}

// ParsePacket deframes an on-air byte slice into a Packet. It validates the
// magic, type, and minimum body length, but does not interpret the body.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) > maxPacketLen {
		return nil, ErrPacketTooLarge
	}
	if len(data) < headerLen {
		return nil, ErrMalformedBody
	}
	if data[0] != packetMagic[0] || data[1] != packetMagic[1] {
		return nil, ErrMagicMismatch
	}

	pt := PacketType(data[4])
	switch pt {
	case TypeJSON, TypeSpecStart, TypeSpecData, TypeSpecEnd:
	default:
		return nil, ErrUnknownType
	}

	p := &Packet{
		NodeHash:  binary.BigEndian.Uint16(data[2:4]),
		Type:      pt,
		SessionID: binary.BigEndian.Uint16(data[5:7]),
		Sequence:  data[7],
		Body:      append([]byte(nil), data[headerLen:]...),
	}
	return p, nil
}

// StartBody is the decoded body of a SPEC_START packet.
type StartBody struct {
	DataPackets byte
	PayloadLen  uint16
	NodeID      string
}

// EncodeStartBody serializes a SPEC_START body.
func EncodeStartBody(b StartBody) ([]byte, error) {
	nodeID := b.NodeID
	if len(nodeID) > maxNodeIDLen {
		nodeID = nodeID[:maxNodeIDLen]
	}
	out := make([]byte, 3+len(nodeID)+1)
	out[0] = b.DataPackets
	binary.BigEndian.PutUint16(out[1:3], b.PayloadLen)
	copy(out[3:], nodeID)
	out[len(out)-1] = 0
	return out, nil
}

// DecodeStartBody parses a SPEC_START body.
func DecodeStartBody(body []byte) (StartBody, error) {
	if len(body) < 4 {
		return StartBody{}, ErrMalformedBody
	}
	dataPackets := body[0]
	payloadLen := binary.BigEndian.Uint16(body[1:3])
	rest := body[3:]
	nul := len(rest)
	for i, b := range rest {
		if b == 0 {
			nul = i
			break
		}
	}
	nodeID := string(rest[:nul])
	return StartBody{DataPackets: dataPackets, PayloadLen: payloadLen, NodeID: nodeID}, nil
}

// EndBody is the decoded metadata carried by a SPEC_END packet.
type EndBody struct {
	ConfidencePct int     `json:"conf"`
	Lat           float64 `json:"lat"`
	Lon           float64 `json:"lon"`
	BatteryPct    int     `json:"bat"`
}

// EncodeEndBody serializes a SPEC_END body as compact JSON.
func EncodeEndBody(b EndBody) ([]byte, error) {
	return json.Marshal(b)
}

// DecodeEndBody parses a SPEC_END body.
func DecodeEndBody(body []byte) (EndBody, error) {
	var b EndBody
	if err := json.Unmarshal(body, &b); err != nil {
		return EndBody{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	return b, nil
}

// JSONMessageType enumerates the out-of-band JSON message kinds a node can send.
type JSONMessageType string

const (
	JSONBoot        JSONMessageType = "boot"
	JSONHeartbeat   JSONMessageType = "heartbeat"
	JSONAlert       JSONMessageType = "alert"
	JSONLowBattery  JSONMessageType = "low_battery"
)

// JSONMessage is the decoded body of a TypeJSON packet.
type JSONMessage struct {
	NodeID     string          `json:"node_id"`
	Type       JSONMessageType `json:"type"`
	Confidence *float64        `json:"confidence,omitempty"`
	Lat        *float64        `json:"lat,omitempty"`
	Lon        *float64        `json:"lon,omitempty"`
	Battery    *int            `json:"battery,omitempty"`
	Timestamp  *int64          `json:"timestamp,omitempty"`
}

// EncodeJSONMessage serializes a JSON message body.
func EncodeJSONMessage(m JSONMessage) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeJSONMessage parses a JSON message body.
func DecodeJSONMessage(body []byte) (JSONMessage, error) {
	var m JSONMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return JSONMessage{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	if m.NodeID == "" {
		return JSONMessage{}, fmt.Errorf("%w: missing node_id", ErrMalformedBody)
	}
	switch m.Type {
	case JSONBoot, JSONHeartbeat, JSONAlert, JSONLowBattery:
	default:
		return JSONMessage{}, fmt.Errorf("%w: unknown json type %q", ErrMalformedBody, m.Type)
	}
	return m, nil
}
