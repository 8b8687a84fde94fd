package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"forestguardian/internal/wire"
)

// Prototype is a labeled grid sample's feature vector, adapted from the
// teacher's KNN prototype model (drone/classifier.go) but keyed to the
// compact grid-derived feature vector in features.go rather than a 2048-dim
// PANNS embedding.
type Prototype struct {
	ID       string    `json:"id"`
	Label    Label     `json:"label"`
	Features []float64 `json:"features"`
}

// Local is a k-nearest-neighbor matcher over prototype feature vectors. It
// never leaves the process and has no network dependency, so it is always
// available as the dispatcher's final fallback tier.
type Local struct {
	mu         sync.RWMutex
	prototypes []Prototype
	k          int
}

const epsilon = 1e-9

// NewLocal builds a Local classifier with the given prototypes and neighbor count.
func NewLocal(prototypes []Prototype, k int) *Local {
	if k <= 0 {
		k = 5
	}
	return &Local{prototypes: prototypes, k: k}
}

// NewLocalFromFile loads prototypes from a JSON file, falling back to a
// small built-in bootstrap set (so the tier is always usable even with no
// prototype file deployed) when the path is missing.
func NewLocalFromFile(path string, k int) (*Local, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return NewLocal(bootstrapPrototypes(), k), nil
	}
	var prototypes []Prototype
	if err := json.Unmarshal(data, &prototypes); err != nil {
		return nil, fmt.Errorf("classifier: parsing prototypes %s: %w", path, err)
	}
	return NewLocal(prototypes, k), nil
}

// AddPrototype appends a new labeled example, allowing the Local tier to
// learn new signatures without retraining, mirroring the teacher's dynamic
// prototype-addition support.
func (l *Local) AddPrototype(p Prototype) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prototypes = append(l.prototypes, p)
}

// Classify implements Classifier by extracting the grid feature vector from
// a PNG-rendered spectrogram and running weighted KNN against the stored
// prototypes.
func (l *Local) Classify(_ context.Context, imagePNG []byte) (Result, error) {
	grid, w, h, err := decodeGridPNG(imagePNG)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	features := extractFeatureVector(grid, w, h)

	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.prototypes) == 0 {
		return Result{Label: LabelUnknown, Confidence: 0, ThreatLevel: ThreatFor(LabelUnknown, 0)}, nil
	}

	type distancePair struct {
		index    int
		distance float64
	}
	pairs := make([]distancePair, len(l.prototypes))
	for i, p := range l.prototypes {
		pairs[i] = distancePair{i, euclidean(features, p.Features)}
	}
	sort.Slice(pairs, func(a, b int) bool { return pairs[a].distance < pairs[b].distance })

	k := l.k
	if k > len(pairs) {
		k = len(pairs)
	}

	weightByLabel := make(map[Label]float64)
	var totalWeight float64
	for i := 0; i < k; i++ {
		d := pairs[i]
		w := 1.0 / (d.distance + epsilon)
		weightByLabel[l.prototypes[d.index].Label] += w
		totalWeight += w
	}

	var bestLabel Label = LabelUnknown
	var bestWeight float64
	for label, w := range weightByLabel {
		if w > bestWeight {
			bestWeight = w
			bestLabel = label
		}
	}

	confidence := 0
	if totalWeight > 0 {
		confidence = int(math.Round(100 * bestWeight / totalWeight))
	}

	return Result{
		Label:       bestLabel,
		Confidence:  confidence,
		ThreatLevel: ThreatFor(bestLabel, confidence),
		Reasoning:   "local KNN match against stored prototypes",
	}, nil
}

func euclidean(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// bootstrapPrototypes provides a minimal always-available prototype set so
// Local never returns an empty-model result in a fresh deployment.
func bootstrapPrototypes() []Prototype {
	chainsaw := make([]float64, featureDimension)
	for i := 0; i < wire.GridHeight/4; i++ {
		chainsaw[wire.GridWidth+wire.GridHeight-1-i] = 1.0 // energy concentrated in low rows (post-flip: bottom = low band)
	}
	natural := make([]float64, featureDimension)
	for i := range natural {
		natural[i] = 0.1
	}
	return []Prototype{
		{ID: "bootstrap-chainsaw", Label: LabelChainsaw, Features: normalizeL2(chainsaw)},
		{ID: "bootstrap-natural", Label: LabelNatural, Features: normalizeL2(natural)},
	}
}
