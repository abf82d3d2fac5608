package asr

import (
	"context"
	"log/slog"

	"github.com/scribeworks/scribed/cmd/scribed/internal/pipeline"
)

// MockTranscriber is the degraded-mode fallback when no transcription
// service is configured. It returns empty spans without error so the
// pipeline keeps moving; the merged transcript simply carries no text.
type MockTranscriber struct{}

// NewMockTranscriber returns the stateless mock.
func NewMockTranscriber() *MockTranscriber { return &MockTranscriber{} }

func (m *MockTranscriber) Transcribe(_ context.Context, audioPath string) ([]pipeline.TextSpan, error) {
	slog.Warn("mock transcriber called, transcription service unavailable", "audio", audioPath)
	return []pipeline.TextSpan{}, nil
}

func (m *MockTranscriber) Name() string { return "mock-degraded" }

// HealthCheck always reports unhealthy so operators see the degraded state.
func (m *MockTranscriber) HealthCheck(_ context.Context) (bool, error) {
	return false, nil
}

// MockDiarizer attributes everything to a single speaker. Useful for local
// development without a diarization service.
type MockDiarizer struct{}

// NewMockDiarizer returns the stateless mock.
func NewMockDiarizer() *MockDiarizer { return &MockDiarizer{} }

func (m *MockDiarizer) Diarize(_ context.Context, _ string) ([]pipeline.SpeakerInterval, error) {
	return []pipeline.SpeakerInterval{}, nil
}

func (m *MockDiarizer) Name() string { return "mock-diarizer" }

func (m *MockDiarizer) HealthCheck(_ context.Context) (bool, error) {
	return false, nil
}
