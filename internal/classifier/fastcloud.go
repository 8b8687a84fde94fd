package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// FastCloud posts a spectrogram PNG to a classification microservice over
// HTTP multipart, adapted from the teacher's PANNS embedding client
// (embedding/panns_client.go) — same multipart-upload shape, a different
// response contract (a classification, not an embedding vector).
type FastCloud struct {
	serviceURL string
	client     *http.Client
}

// fastCloudResponse is the microservice's JSON contract.
type fastCloudResponse struct {
	Label       string   `json:"label"`
	Confidence  int      `json:"confidence"`
	ThreatLevel string   `json:"threat_level,omitempty"`
	Reasoning   string   `json:"reasoning,omitempty"`
	Features    []string `json:"features,omitempty"`
}

// NewFastCloud builds a FastCloud client against serviceURL.
func NewFastCloud(serviceURL string) *FastCloud {
	if serviceURL == "" {
		serviceURL = "http://localhost:5002"
	}
	return &FastCloud{
		serviceURL: serviceURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Classify implements Classifier against the fast-cloud microservice.
func (f *FastCloud) Classify(ctx context.Context, imagePNG []byte) (Result, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("spectrogram", "spectrogram.png")
	if err != nil {
		return Result{}, fmt.Errorf("classifier: fastcloud form: %w", err)
	}
	if _, err := part.Write(imagePNG); err != nil {
		return Result{}, fmt.Errorf("classifier: fastcloud write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return Result{}, fmt.Errorf("classifier: fastcloud close: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.serviceURL+"/classify", body)
	if err != nil {
		return Result{}, fmt.Errorf("classifier: fastcloud request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBytes, _ := io.ReadAll(resp.Body)
		return Result{}, fmt.Errorf("%w: status %d: %s", ErrBadResponse, resp.StatusCode, respBytes)
	}

	var parsed fastCloudResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
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

var errFastCloudHealth = errors.New("classifier: fastcloud unhealthy")

// HealthCheck verifies the microservice is reachable, mirroring the
// teacher's PANNSClient.HealthCheck.
func (f *FastCloud) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.serviceURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errFastCloudHealth
	}
	return nil
}
