// Package asr wraps the external speech services: the whisper-style
// transcription HTTP API and the pyannote-style diarization HTTP API. Both
// clients classify HTTP failures into the pipeline's transient/permanent
// error kinds so the retry loop can make the right call.
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
	"time"

	"github.com/scribeworks/scribed/cmd/scribed/internal/config"
	"github.com/scribeworks/scribed/cmd/scribed/internal/pipeline"
)

// verboseSegment is one segment in a verbose_json transcription response.
type verboseSegment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// verboseResponse is the verbose_json body of the transcription endpoint.
type verboseResponse struct {
	Segments []verboseSegment `json:"segments"`
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
}

// HTTPTranscriber calls a whisper-compatible transcription service over
// multipart/form-data. It implements pipeline.Transcriber.
type HTTPTranscriber struct {
	endpoint string
	model    string
	language string
	apiKey   string
	client   *http.Client
}

// NewHTTPTranscriber builds a client from configuration. The API key is
// read from the environment variable named in the config, never from the
// config file itself.
func NewHTTPTranscriber(cfg config.ASRConfig) *HTTPTranscriber {
	timeout := cfg.Timeout
	if timeout <= 0 {
		// Transcription time roughly tracks audio duration; ten minutes
		// covers the largest segment the splitter will produce.
		timeout = 10 * time.Minute
	}
	return &HTTPTranscriber{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		language: cfg.Language,
		apiKey:   os.Getenv(cfg.APIKeyEnv),
		client:   &http.Client{Timeout: timeout},
	}
}

// Name identifies this implementation in logs.
func (t *HTTPTranscriber) Name() string { return "http-whisper" }

// Transcribe uploads the audio file and converts the verbose_json response
// into segment-local text spans. Errors are wrapped as pipeline transient
// or permanent errors.
func (t *HTTPTranscriber) Transcribe(ctx context.Context, audioPath string) ([]pipeline.TextSpan, error) {
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
	fields := map[string]string{
		"model":           t.model,
		"response_format": "verbose_json",
		// Zero temperature reduces hallucinated repeats at segment seams.
		"temperature": "0.0",
	}
	if t.language != "" {
		fields["language"] = t.language
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return nil, pipeline.Permanent(pipeline.ErrKindUnknown,
				fmt.Errorf("write field %s: %w", k, err))
		}
	}
	if err := writer.Close(); err != nil {
		return nil, pipeline.Permanent(pipeline.ErrKindUnknown,
			fmt.Errorf("close multipart writer: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, body)
	if err != nil {
		return nil, pipeline.Permanent(pipeline.ErrKindUnknown,
			fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, classifyStatus(resp.StatusCode, string(snippet))
	}

	var parsed verboseResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, pipeline.Transient(pipeline.ErrKindServer,
			fmt.Errorf("parse transcription response: %w", err))
	}

	spans := make([]pipeline.TextSpan, 0, len(parsed.Segments))
	for _, seg := range parsed.Segments {
		spans = append(spans, pipeline.TextSpan{
			StartSeconds: seg.Start,
			EndSeconds:   seg.End,
			Text:         seg.Text,
		})
	}
	return spans, nil
}

// HealthCheck probes the service with a HEAD-style GET on the endpoint base.
func (t *HTTPTranscriber) HealthCheck(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("create health check request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("health check request: %w", err)
	}
	defer resp.Body.Close()
	// Anything the server answers at all counts as alive; transcription
	// endpoints commonly reject GET with 405.
	if resp.StatusCode < http.StatusInternalServerError {
		return true, nil
	}
	return false, fmt.Errorf("health check failed: status %d", resp.StatusCode)
}
