// Package classifier implements the tiered Classifier Dispatcher
// (SPEC_FULL.md §4.H): a polymorphic Classifier capability with Local,
// FastCloud, and DeepCloud implementations, composed by mode with rate
// limiting, fallback, and an offline sync queue.
package classifier

import (
	"context"
	"errors"
	"fmt"
)

// Label is the coarse acoustic class a classifier tier assigns.
type Label string

const (
	LabelChainsaw Label = "chainsaw"
	LabelVehicle  Label = "vehicle"
	LabelNatural  Label = "natural"
	LabelUnknown  Label = "unknown"
)

// ThreatLevel is the categorical severity derived from (label, confidence).
type ThreatLevel string

const (
	ThreatCritical ThreatLevel = "CRITICAL"
	ThreatHigh     ThreatLevel = "HIGH"
	ThreatMedium   ThreatLevel = "MEDIUM"
	ThreatLow      ThreatLevel = "LOW"
	ThreatNone     ThreatLevel = "NONE"
)

// Mode selects which tier(s) a classification request invokes.
type Mode string

const (
	ModeDeep  Mode = "deep"
	ModeFast  Mode = "fast"
	ModeLocal Mode = "local"
	ModeAuto  Mode = "auto"
)

// Tier names a concrete classifier implementation, used in telemetry labels
// and the persisted classifier_used field.
type Tier string

const (
	TierLocal Tier = "local"
	TierFast  Tier = "fast"
	TierDeep  Tier = "deep"
	TierNone  Tier = "none"
)

// Result is the outcome of one classifier tier invocation.
type Result struct {
	Label       Label
	Confidence  int // 0..100
	ThreatLevel ThreatLevel
	Reasoning   string
	Features    []string
}

// Sentinel errors a Classifier implementation can return; the Dispatcher
// branches on these to decide whether to fall through to the next tier.
var (
	ErrRateLimited = errors.New("classifier: rate limited")
	ErrUnreachable = errors.New("classifier: unreachable")
	ErrUnsupported = errors.New("classifier: unsupported")
	ErrBadResponse = errors.New("classifier: bad response from remote tier")
)

// Classifier is the capability interface every tier implements.
type Classifier interface {
	Classify(ctx context.Context, imagePNG []byte) (Result, error)
}

// ThreatFor maps (label, confidence) to a threat level per SPEC_FULL.md §4.H.
func ThreatFor(label Label, confidence int) ThreatLevel {
	switch label {
	case LabelChainsaw:
		switch {
		case confidence >= 85:
			return ThreatCritical
		case confidence >= 60:
			return ThreatHigh
		default:
			return ThreatLow
		}
	case LabelVehicle:
		if confidence >= 70 {
			return ThreatMedium
		}
		return ThreatLow
	case LabelNatural:
		return ThreatNone
	default:
		return ThreatLow
	}
}

// Summary generates the short plain-English alert line distilled from the
// original hub's generate_sms_text/generate_alert_notification, without any
// further network round-trip or SMS vendor integration.
func Summary(nodeID string, r Result) string {
	switch r.Label {
	case LabelChainsaw:
		return fmt.Sprintf("Chainsaw detected near %s, %d%% confidence", nodeID, r.Confidence)
	case LabelVehicle:
		return fmt.Sprintf("Vehicle activity near %s, %d%% confidence", nodeID, r.Confidence)
	case LabelNatural:
		return fmt.Sprintf("Natural sound near %s, no threat", nodeID)
	default:
		return fmt.Sprintf("Unclassified acoustic event near %s", nodeID)
	}
}
