package classifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClassifier struct {
	result Result
	err    error
	calls  int
}

func (s *stubClassifier) Classify(_ context.Context, _ []byte) (Result, error) {
	s.calls++
	return s.result, s.err
}

type stubSyncEnqueuer struct {
	ids []string
}

func (s *stubSyncEnqueuer) EnqueueForSync(id string) {
	s.ids = append(s.ids, id)
}

func TestDispatcher_LocalMode(t *testing.T) {
	local := &stubClassifier{result: Result{Label: LabelChainsaw, Confidence: 90}}
	d := NewDispatcher(local, nil, nil, nil, nil, nil)

	out := d.Classify(context.Background(), "spec-1", []byte("png"), ModeLocal)

	assert.Equal(t, TierLocal, out.Tier)
	assert.Equal(t, LabelChainsaw, out.Label)
	assert.Equal(t, 1, local.calls)
}

func TestDispatcher_FastModeFallsBackToLocalOnError(t *testing.T) {
	fast := &stubClassifier{err: ErrUnreachable}
	local := &stubClassifier{result: Result{Label: LabelNatural, Confidence: 20}}
	sync := &stubSyncEnqueuer{}
	d := NewDispatcher(local, fast, nil, nil, sync, nil)

	out := d.Classify(context.Background(), "spec-2", []byte("png"), ModeFast)

	assert.Equal(t, TierLocal, out.Tier)
	assert.Equal(t, LabelNatural, out.Label)
	require.Len(t, sync.ids, 1)
	assert.Equal(t, "spec-2", sync.ids[0])
}

func TestDispatcher_DeepModeUnsupportedFallsBackToLocal(t *testing.T) {
	local := &stubClassifier{result: Result{Label: LabelVehicle, Confidence: 50}}
	d := NewDispatcher(local, nil, nil, nil, nil, nil)

	out := d.Classify(context.Background(), "spec-3", []byte("png"), ModeDeep)

	assert.Equal(t, TierLocal, out.Tier)
	assert.Equal(t, LabelVehicle, out.Label)
}

func TestDispatcher_DeepModeFallsThroughToFastOnRateLimit(t *testing.T) {
	fast := &stubClassifier{result: Result{Label: LabelVehicle, Confidence: 72}}
	deep := &stubClassifier{err: ErrRateLimited}
	local := &stubClassifier{result: Result{Label: LabelNatural, Confidence: 15}}
	d := NewDispatcher(local, fast, deep, nil, nil, nil)

	out := d.Classify(context.Background(), "spec-3b", []byte("png"), ModeDeep)

	assert.Equal(t, TierFast, out.Tier)
	assert.Equal(t, LabelVehicle, out.Label)
	assert.Equal(t, 0, local.calls)
}

func TestDispatcher_DeepModeFallsAllTheWayToLocalWhenFastAlsoFails(t *testing.T) {
	fast := &stubClassifier{err: ErrUnreachable}
	deep := &stubClassifier{err: ErrRateLimited}
	local := &stubClassifier{result: Result{Label: LabelNatural, Confidence: 15}}
	sync := &stubSyncEnqueuer{}
	d := NewDispatcher(local, fast, deep, nil, sync, nil)

	out := d.Classify(context.Background(), "spec-3c", []byte("png"), ModeDeep)

	assert.Equal(t, TierLocal, out.Tier)
	require.Len(t, sync.ids, 1)
	assert.Equal(t, "spec-3c", sync.ids[0])
}

func TestDispatcher_AutoEscalatesOnLowConfidence(t *testing.T) {
	fast := &stubClassifier{result: Result{Label: LabelUnknown, Confidence: 10, Reasoning: "fast: ambiguous"}}
	deep := &stubClassifier{result: Result{Label: LabelChainsaw, Confidence: 92, Reasoning: "deep: harmonic match"}}
	d := NewDispatcher(&stubClassifier{}, fast, deep, nil, nil, nil)

	out := d.Classify(context.Background(), "spec-4", []byte("png"), ModeAuto)

	assert.Equal(t, TierDeep, out.Tier)
	assert.Equal(t, LabelChainsaw, out.Label)
	assert.Contains(t, out.Reasoning, "fast: ambiguous")
	assert.Contains(t, out.Reasoning, "deep: harmonic match")
}

func TestDispatcher_AutoDoesNotEscalateOnConfidentFastResult(t *testing.T) {
	fast := &stubClassifier{result: Result{Label: LabelChainsaw, Confidence: 88}}
	deep := &stubClassifier{result: Result{Label: LabelNatural, Confidence: 10}}
	d := NewDispatcher(&stubClassifier{}, fast, deep, nil, nil, nil)

	out := d.Classify(context.Background(), "spec-5", []byte("png"), ModeAuto)

	assert.Equal(t, TierFast, out.Tier)
	assert.Equal(t, LabelChainsaw, out.Label)
	assert.Equal(t, 0, deep.calls)
}

func TestDispatcher_AutoFallsThroughToLocalWhenBothCloudTiersFail(t *testing.T) {
	fast := &stubClassifier{err: ErrRateLimited}
	deep := &stubClassifier{err: ErrUnreachable}
	local := &stubClassifier{result: Result{Label: LabelNatural, Confidence: 15}}
	sync := &stubSyncEnqueuer{}
	d := NewDispatcher(local, fast, deep, nil, sync, nil)

	out := d.Classify(context.Background(), "spec-6", []byte("png"), ModeAuto)

	assert.Equal(t, TierLocal, out.Tier)
	require.Len(t, sync.ids, 1)
	assert.Equal(t, "spec-6", sync.ids[0])
}

func TestDispatcher_LocalErrorYieldsUnknownNoTier(t *testing.T) {
	local := &stubClassifier{err: errors.New("boom")}
	d := NewDispatcher(local, nil, nil, nil, nil, nil)

	out := d.Classify(context.Background(), "spec-7", []byte("png"), ModeLocal)

	assert.Equal(t, TierNone, out.Tier)
	assert.Equal(t, LabelUnknown, out.Label)
}

func TestDispatcher_RateLimitedDeepDoesNotEnqueueSync(t *testing.T) {
	fast := &stubClassifier{result: Result{Label: LabelUnknown, Confidence: 5}}
	deep := &stubClassifier{err: ErrRateLimited}
	sync := &stubSyncEnqueuer{}
	d := NewDispatcher(&stubClassifier{result: Result{Label: LabelNatural}}, fast, deep, nil, sync, nil)

	out := d.Classify(context.Background(), "spec-8", []byte("png"), ModeAuto)

	assert.Equal(t, TierFast, out.Tier)
	assert.Empty(t, sync.ids)
}

func TestSlidingWindowLimiter_ExhaustsAndRecovers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := newSlidingWindowLimiter(2, time.Minute, clock)

	assert.True(t, limiter.Allow())
	assert.True(t, limiter.Allow())
	assert.False(t, limiter.Allow())
	assert.Equal(t, 0, limiter.Remaining())

	clock.Advance(time.Minute)
	assert.Equal(t, 2, limiter.Remaining())
	assert.True(t, limiter.Allow())
}
