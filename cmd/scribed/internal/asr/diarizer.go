package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/scribeworks/scribed/cmd/scribed/internal/config"
	"github.com/scribeworks/scribed/cmd/scribed/internal/pipeline"
)

// diarizeTurn is one speaker turn in the diarization response.
type diarizeTurn struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Speaker    string  `json:"speaker"`
	Confidence float64 `json:"confidence"`
}

type diarizeResponse struct {
	Turns []diarizeTurn `json:"turns"`
}

// HTTPDiarizer calls a pyannote-style diarization service. It implements
// pipeline.Diarizer.
type HTTPDiarizer struct {
	endpoint    string
	minSpeakers int
	maxSpeakers int
	client      *http.Client
}

// NewHTTPDiarizer builds a client from configuration.
func NewHTTPDiarizer(cfg config.DiarizeConfig) *HTTPDiarizer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &HTTPDiarizer{
		endpoint:    cfg.Endpoint,
		minSpeakers: cfg.MinSpeakers,
		maxSpeakers: cfg.MaxSpeakers,
		client:      &http.Client{Timeout: timeout},
	}
}

// Name identifies this implementation in logs.
func (d *HTTPDiarizer) Name() string { return "http-diarizer" }

// Diarize uploads the audio and returns segment-local speaker turns.
func (d *HTTPDiarizer) Diarize(ctx context.Context, audioPath string) ([]pipeline.SpeakerInterval, error) {
	file, err := os.Open(audioPath)
	if err != nil {
		return nil, pipeline.Permanent(pipeline.ErrKindExtraction,
			fmt.Errorf("open audio file: %w", err))
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, pipeline.Permanent(pipeline.ErrKindUnknown,
			fmt.Errorf("create form file: %w", err))
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, pipeline.Permanent(pipeline.ErrKindExtraction,
			fmt.Errorf("copy audio data: %w", err))
	}
	if d.minSpeakers > 0 {
		if err := writer.WriteField("min_speakers", strconv.Itoa(d.minSpeakers)); err != nil {
			return nil, pipeline.Permanent(pipeline.ErrKindUnknown, err)
		}
	}
	if d.maxSpeakers > 0 {
		if err := writer.WriteField("max_speakers", strconv.Itoa(d.maxSpeakers)); err != nil {
			return nil, pipeline.Permanent(pipeline.ErrKindUnknown, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, pipeline.Permanent(pipeline.ErrKindUnknown,
			fmt.Errorf("close multipart writer: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, body)
	if err != nil {
		return nil, pipeline.Permanent(pipeline.ErrKindUnknown,
			fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, classifyStatus(resp.StatusCode, string(snippet))
	}

	var parsed diarizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, pipeline.Transient(pipeline.ErrKindServer,
			fmt.Errorf("parse diarization response: %w", err))
	}

	intervals := make([]pipeline.SpeakerInterval, 0, len(parsed.Turns))
	for _, turn := range parsed.Turns {
		intervals = append(intervals, pipeline.SpeakerInterval{
			StartSeconds: turn.Start,
			EndSeconds:   turn.End,
			Speaker:      turn.Speaker,
			Confidence:   turn.Confidence,
		})
	}
	return intervals, nil
}

// HealthCheck probes the diarization service.
func (d *HTTPDiarizer) HealthCheck(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("create health check request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("health check request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusInternalServerError {
		return true, nil
	}
	return false, fmt.Errorf("health check failed: status %d", resp.StatusCode)
}
