package classifier

import (
	"context"
	"errors"
	"time"

	"forestguardian/internal/telemetry"
)

// Outcome is the full classification result plus which tier ultimately
// produced it. Classify leaves Summary empty; the Store builds the alert's
// human-readable line with the Summary function, which needs the node id.
type Outcome struct {
	Result
	Tier    Tier
	Summary string
}

// SyncEnqueuer receives spectrogram ids that could not be classified because
// the network was unreachable, for later FIFO re-verification (SPEC_FULL.md
// §4.H offline queue).
type SyncEnqueuer interface {
	EnqueueForSync(spectrogramID string)
}

// QuotaReporter exposes the DeepCloud tier's rate-limit state for the
// /api/ai/status HTTP surface.
type QuotaReporter interface {
	QuotaRemaining() int
	QuotaResetAt() time.Time
}

// Dispatcher composes Local, FastCloud, and DeepCloud behind the Classifier
// capability interface and selects among them by Mode (SPEC_FULL.md §4.H).
type Dispatcher struct {
	local         Classifier
	fast          Classifier
	deep          Classifier
	quota         QuotaReporter
	sync          SyncEnqueuer
	metrics       *telemetry.Metrics
	fastThreshold int
}

// NewDispatcher builds a Dispatcher. deep may be nil (no GEMINI_API_KEY
// credential configured), in which case Auto mode never escalates past
// FastCloud and Deep mode falls straight through to FastCloud, then Local.
func NewDispatcher(local, fast, deep Classifier, quota QuotaReporter, sync SyncEnqueuer, metrics *telemetry.Metrics) *Dispatcher {
	return &Dispatcher{local: local, fast: fast, deep: deep, quota: quota, sync: sync, metrics: metrics, fastThreshold: 60}
}

func (d *Dispatcher) observe(tier Tier, outcome string) {
	if d.metrics != nil {
		d.metrics.ClassifierCalls.WithLabelValues(string(tier), outcome).Inc()
	}
}

// Classify runs one classification request under the given mode for
// spectrogramID (used only to enqueue for later sync on total failure).
func (d *Dispatcher) Classify(ctx context.Context, spectrogramID string, imagePNG []byte, mode Mode) Outcome {
	switch mode {
	case ModeLocal:
		return d.classifyLocal(ctx, imagePNG)
	case ModeFast:
		return d.classifyTier(ctx, TierFast, d.fast, imagePNG, spectrogramID, true)
	case ModeDeep:
		return d.classifyDeepMode(ctx, spectrogramID, imagePNG)
	default:
		return d.classifyAuto(ctx, spectrogramID, imagePNG)
	}
}

func (d *Dispatcher) classifyLocal(ctx context.Context, imagePNG []byte) Outcome {
	res, err := d.local.Classify(ctx, imagePNG)
	if err != nil {
		d.observe(TierLocal, "error")
		return Outcome{Result: Result{Label: LabelUnknown, ThreatLevel: ThreatLow}, Tier: TierNone}
	}
	d.observe(TierLocal, "ok")
	return Outcome{Result: res, Tier: TierLocal}
}

// classifyTier calls a single cloud tier and, if requested, falls back all
// the way to Local on any failure rather than returning an error to the caller.
func (d *Dispatcher) classifyTier(ctx context.Context, tier Tier, c Classifier, imagePNG []byte, spectrogramID string, fallbackOnFailure bool) Outcome {
	if c == nil {
		d.observe(tier, "unsupported")
		if fallbackOnFailure {
			return d.classifyLocal(ctx, imagePNG)
		}
		return Outcome{Tier: TierNone}
	}
	res, err := c.Classify(ctx, imagePNG)
	if err != nil {
		d.handleTierError(tier, err, spectrogramID)
		if fallbackOnFailure {
			return d.classifyLocal(ctx, imagePNG)
		}
		return Outcome{Tier: TierNone}
	}
	d.observe(tier, "ok")
	return Outcome{Result: res, Tier: tier}
}

func (d *Dispatcher) handleTierError(tier Tier, err error, spectrogramID string) {
	switch {
	case errors.Is(err, ErrRateLimited):
		d.observe(tier, "rate_limited")
	case errors.Is(err, ErrUnreachable):
		d.observe(tier, "unreachable")
		if d.sync != nil && spectrogramID != "" {
			d.sync.EnqueueForSync(spectrogramID)
		}
	default:
		d.observe(tier, "error")
	}
}

// classifyDeepMode implements Deep mode's fallback chain: DeepCloud, then
// FastCloud, then Local (SPEC_FULL.md §4.H rate-limit fallthrough).
func (d *Dispatcher) classifyDeepMode(ctx context.Context, spectrogramID string, imagePNG []byte) Outcome {
	if d.deep == nil {
		d.observe(TierDeep, "unsupported")
		return d.classifyTier(ctx, TierFast, d.fast, imagePNG, spectrogramID, true)
	}
	res, err := d.deep.Classify(ctx, imagePNG)
	if err != nil {
		d.handleTierError(TierDeep, err, spectrogramID)
		return d.classifyTier(ctx, TierFast, d.fast, imagePNG, spectrogramID, true)
	}
	d.observe(TierDeep, "ok")
	return Outcome{Result: res, Tier: TierDeep}
}

// classifyAuto implements the Auto mode escalation rule: call FastCloud;
// escalate to DeepCloud only if it returns unknown or confidence < 60
// (invariant 4). On any FastCloud failure, fall through to DeepCloud, then
// Local, merging reasoning along the way.
func (d *Dispatcher) classifyAuto(ctx context.Context, spectrogramID string, imagePNG []byte) Outcome {
	var fastResult *Result
	if d.fast != nil {
		res, err := d.fast.Classify(ctx, imagePNG)
		if err == nil {
			d.observe(TierFast, "ok")
			fastResult = &res
			if res.Label != LabelUnknown && res.Confidence >= d.fastThreshold {
				return Outcome{Result: res, Tier: TierFast}
			}
		} else {
			d.handleTierError(TierFast, err, spectrogramID)
		}
	}

	if d.deep != nil {
		res, err := d.deep.Classify(ctx, imagePNG)
		if err == nil {
			d.observe(TierDeep, "ok")
			if fastResult != nil && fastResult.Reasoning != "" {
				res.Reasoning = fastResult.Reasoning + "; " + res.Reasoning
			}
			return Outcome{Result: res, Tier: TierDeep}
		}
		d.handleTierError(TierDeep, err, spectrogramID)
		// Rate-limited or unreachable deep tier transparently falls through
		// to fast's result if we have one, then Local.
		if fastResult != nil {
			return Outcome{Result: *fastResult, Tier: TierFast}
		}
	} else if fastResult != nil {
		return Outcome{Result: *fastResult, Tier: TierFast}
	}

	return d.classifyLocal(ctx, imagePNG)
}
