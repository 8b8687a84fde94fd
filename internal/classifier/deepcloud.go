package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"google.golang.org/genai"
)

// deepCloudSystemPrompt constrains the generative vision model to return the
// exact JSON contract the Dispatcher expects, distilled from the original
// hub's SPECTROGRAM_SYSTEM_PROMPT (adapted from the teacher's chat/gemini.go
// client pattern, but as a vision classification call rather than a chat
// completion).
const deepCloudSystemPrompt = `You are analyzing a 32x32 grayscale log-mel spectrogram image captured by a
remote acoustic monitoring node in a forest. Classify the sound that
triggered this capture.

Respond with ONLY a JSON object, no other text, matching exactly:
{"label": "chainsaw"|"vehicle"|"natural"|"unknown", "confidence": 0-100, "threat_level": "CRITICAL"|"HIGH"|"MEDIUM"|"LOW"|"NONE", "reasoning": "short explanation", "features": ["short", "feature", "tags"]}`

// DeepCloud wraps a generative vision model, adapted from the teacher's
// Gemini client (chat/gemini.go). It enforces its own sliding-window rate
// limit: Classify refuses with ErrRateLimited once the quota is exhausted,
// and the Dispatcher reacts to that error rather than reading QuotaRemaining,
// which serves the HTTP status surface.
type DeepCloud struct {
	client  *genai.Client
	model   string
	limiter *slidingWindowLimiter
}

// NewDeepCloud builds a DeepCloud tier against the given API key.
func NewDeepCloud(ctx context.Context, apiKey string, rateLimit int, rateWindow time.Duration, clock clockwork.Clock) (*DeepCloud, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: missing GEMINI_API_KEY", ErrUnsupported)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("classifier: creating genai client: %w", err)
	}
	return &DeepCloud{
		client:  client,
		model:   "gemini-2.5-flash",
		limiter: newSlidingWindowLimiter(rateLimit, rateWindow, clock),
	}, nil
}

// QuotaRemaining reports the deep-tier calls left in the current window.
func (d *DeepCloud) QuotaRemaining() int { return d.limiter.Remaining() }

// QuotaResetAt reports when quota next becomes available.
func (d *DeepCloud) QuotaResetAt() time.Time { return d.limiter.ResetAt() }

// Classify implements Classifier against the vision model.
func (d *DeepCloud) Classify(ctx context.Context, imagePNG []byte) (Result, error) {
	if !d.limiter.Allow() {
		return Result{}, ErrRateLimited
	}

	systemInstruction := genai.NewContentFromText(deepCloudSystemPrompt, genai.RoleModel)
	imagePart := genai.NewPartFromBytes(imagePNG, "image/png")
	userContent := genai.NewContentFromParts([]*genai.Part{imagePart}, genai.RoleUser)

	config := &genai.GenerateContentConfig{
		SystemInstruction: systemInstruction,
		Temperature:       genai.Ptr(float32(0.1)),
		MaxOutputTokens:   int32(300),
	}

	resp, err := d.client.Models.GenerateContent(ctx, d.model, []*genai.Content{userContent}, config)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	text := resp.Text()
	if text == "" {
		return Result{}, fmt.Errorf("%w: empty response", ErrBadResponse)
	}

	return parseDeepCloudResponse(text)
}

// parseDeepCloudResponse tolerantly parses the model's JSON, stripping
// markdown code fences if the model wrapped its answer in one.
func parseDeepCloudResponse(text string) (Result, error) {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var parsed struct {
		Label       string   `json:"label"`
		Confidence  int      `json:"confidence"`
		ThreatLevel string   `json:"threat_level"`
		Reasoning   string   `json:"reasoning"`
		Features    []string `json:"features"`
	}
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	label := Label(parsed.Label)
	switch label {
	case LabelChainsaw, LabelVehicle, LabelNatural, LabelUnknown:
	default:
		label = LabelUnknown
	}

	threat := ThreatLevel(parsed.ThreatLevel)
	if threat == "" {
		threat = ThreatFor(label, parsed.Confidence)
	}

	return Result{
		Label:       label,
		Confidence:  parsed.Confidence,
		ThreatLevel: threat,
		Reasoning:   parsed.Reasoning,
		Features:    parsed.Features,
	}, nil
}
