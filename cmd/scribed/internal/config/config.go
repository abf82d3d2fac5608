// Package config defines the typed configuration for the scribed daemon.
// Configuration is loaded once at process start from an optional YAML file,
// overlaid with environment variables, validated, and then passed by pointer
// into the components that need it. There is no ambient global lookup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Paths      PathsConfig      `yaml:"paths"`
	Watcher    WatcherConfig    `yaml:"watcher"`
	Split      SplitConfig      `yaml:"split"`
	Processing ProcessingConfig `yaml:"processing"`
	Merge      MergeConfig      `yaml:"merge"`
	Transcript TranscriptConfig `yaml:"transcript"`
	ASR        ASRConfig        `yaml:"asr"`
	Diarize    DiarizeConfig    `yaml:"diarization"`
	Audio      AudioConfig      `yaml:"audio"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig configures the status/ops HTTP server.
type ServerConfig struct {
	Env  string `yaml:"env"`  // dev, staging, production
	Port string `yaml:"port"` // listen port for status API + /metrics
}

// PathsConfig names the directories the daemon works with.
type PathsConfig struct {
	WatchDir      string `yaml:"watch_dir"`      // folder monitored for new audio
	TranscriptDir string `yaml:"transcript_dir"` // output folder for markdown transcripts
	ArchiveDir    string `yaml:"archive_dir"`    // processed originals
	FailedDir     string `yaml:"failed_dir"`     // originals that exhausted retries
	TempDir       string `yaml:"temp_dir"`       // extracted segment scratch space
	StateDB       string `yaml:"state_db"`       // sqlite job store path
}

// WatcherConfig configures file discovery.
type WatcherConfig struct {
	Extensions     []string      `yaml:"extensions"`
	IgnorePatterns []string      `yaml:"ignore_patterns"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	StableChecks   int           `yaml:"stable_checks"` // consecutive unchanged size observations
}

// SplitConfig bounds the segment splitter.
type SplitConfig struct {
	MaxSegmentBytes  int64         `yaml:"max_segment_bytes"`  // API payload ceiling minus safety margin
	TargetDuration   time.Duration `yaml:"target_duration"`    // time-based strategy chunk length
	MinDuration      time.Duration `yaml:"min_duration"`       // trailing remainder below this merges backward
	Overlap          time.Duration `yaml:"overlap"`            // seam context between consecutive segments
	SilenceThreshold float64       `yaml:"silence_threshold"`  // dBFS amplitude floor for silence candidates
	SilenceMinLen    time.Duration `yaml:"silence_min_length"` // minimum quiet stretch to count as a cut point
	SnapWindow       time.Duration `yaml:"snap_window"`        // look-back/ahead when snapping cuts to silence
}

// ProcessingConfig bounds the scheduler and segment processor.
type ProcessingConfig struct {
	Workers           int           `yaml:"workers"`              // concurrent jobs
	SegmentWorkers    int           `yaml:"segment_workers"`      // parallel segments within one job
	MaxModelCalls     int           `yaml:"max_model_calls"`      // global in-flight model call cap
	MaxJobAttempts    int           `yaml:"max_job_attempts"`     // job-level retry budget
	MaxCallAttempts   int           `yaml:"max_call_attempts"`    // per model call retry budget
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`     // backoff start
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`      // backoff ceiling
	JobRetryDelay     time.Duration `yaml:"job_retry_delay"`      // backoff start for job-level retries
	JobRetryMaxDelay  time.Duration `yaml:"job_retry_max_delay"`  // backoff ceiling for job-level retries
	SizePriorityBoost int           `yaml:"size_priority_boost"`  // priority penalty per 100MB of input
	MaxFileSizeBytes  int64         `yaml:"max_file_size_bytes"`  // inputs above this are rejected outright
	RetainJobs        int           `yaml:"retain_jobs"`          // finished jobs kept for the status API; older ones are evicted
}

// MergeConfig tunes the timeline merger. These thresholds are policy, not
// correctness: the original system chose them empirically.
type MergeConfig struct {
	OverlapTolerance time.Duration `yaml:"overlap_tolerance"` // overlap below this is ignored
	SpeakerGap       time.Duration `yaml:"speaker_gap"`       // same-speaker intervals closer than this merge
	UtteranceGap     time.Duration `yaml:"utterance_gap"`     // same-speaker utterances closer than this merge
	SimhashThreshold int           `yaml:"simhash_threshold"` // hamming distance ceiling for near-duplicates
}

// TranscriptConfig shapes the rendered markdown documents.
type TranscriptConfig struct {
	Tags []string `yaml:"tags"` // front matter tags; empty means the writer's defaults
}

// ASRConfig points at the transcription service.
type ASRConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Model       string        `yaml:"model"`
	Language    string        `yaml:"language"`
	APIKeyEnv   string        `yaml:"api_key_env"`
	Timeout     time.Duration `yaml:"timeout"`
	HealthEvery time.Duration `yaml:"health_interval"`
}

// DiarizeConfig points at the diarization service.
type DiarizeConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Endpoint    string        `yaml:"endpoint"`
	MinSpeakers int           `yaml:"min_speakers"`
	MaxSpeakers int           `yaml:"max_speakers"`
	Timeout     time.Duration `yaml:"timeout"`
	HealthEvery time.Duration `yaml:"health_interval"`
}

// AudioConfig configures ffmpeg-based extraction.
type AudioConfig struct {
	FFmpegPath  string `yaml:"ffmpeg_path"`
	FFprobePath string `yaml:"ffprobe_path"`
	SampleRate  int    `yaml:"sample_rate"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Default returns the built-in configuration. Values mirror the transcription
// API's documented limits: 24 MB chunk ceiling below the 25 MB payload cap,
// 2 s overlap for seam context.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Env:  "dev",
			Port: "8090",
		},
		Paths: PathsConfig{
			WatchDir:      "./Audio",
			TranscriptDir: "./Transcripts",
			ArchiveDir:    "./Audio/Archive",
			FailedDir:     "./Audio/Failed",
			TempDir:       "./temp",
			StateDB:       "./state/scribed.db",
		},
		Watcher: WatcherConfig{
			Extensions:     []string{".wav", ".mp3", ".m4a", ".webm", ".ogg", ".flac"},
			IgnorePatterns: []string{".*", "~*"},
			PollInterval:   time.Second,
			StableChecks:   2,
		},
		Split: SplitConfig{
			MaxSegmentBytes:  24 << 20,
			TargetDuration:   10 * time.Minute,
			MinDuration:      15 * time.Second,
			Overlap:          2 * time.Second,
			SilenceThreshold: -35.0,
			SilenceMinLen:    500 * time.Millisecond,
			SnapWindow:       30 * time.Second,
		},
		Processing: ProcessingConfig{
			Workers:           2,
			SegmentWorkers:    1,
			MaxModelCalls:     4,
			MaxJobAttempts:    3,
			MaxCallAttempts:   3,
			RetryBaseDelay:    time.Second,
			RetryMaxDelay:     60 * time.Second,
			JobRetryDelay:     60 * time.Second,
			JobRetryMaxDelay:  10 * time.Minute,
			SizePriorityBoost: 1,
			MaxFileSizeBytes:  500 << 20,
			RetainJobs:        200,
		},
		Merge: MergeConfig{
			OverlapTolerance: 300 * time.Millisecond,
			SpeakerGap:       500 * time.Millisecond,
			UtteranceGap:     500 * time.Millisecond,
			SimhashThreshold: 8,
		},
		ASR: ASRConfig{
			Endpoint:    "http://localhost:8082/v1/audio/transcriptions",
			Model:       "whisper-1",
			Language:    "",
			APIKeyEnv:   "SCRIBED_ASR_API_KEY",
			Timeout:     5 * time.Minute,
			HealthEvery: 5 * time.Minute,
		},
		Diarize: DiarizeConfig{
			Enabled:     true,
			Endpoint:    "http://localhost:8083/diarize",
			MinSpeakers: 1,
			MaxSpeakers: 10,
			Timeout:     10 * time.Minute,
			HealthEvery: 5 * time.Minute,
		},
		Audio: AudioConfig{
			FFmpegPath:  "ffmpeg",
			FFprobePath: "ffprobe",
			SampleRate:  16000,
		},
		Log: LogConfig{
			Level:      "info",
			File:       "",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment variable overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides maps SCRIBED_* environment variables onto the config.
// Only operationally interesting knobs are exposed this way.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SCRIBED_WATCH_DIR"); v != "" {
		c.Paths.WatchDir = v
	}
	if v := os.Getenv("SCRIBED_TRANSCRIPT_DIR"); v != "" {
		c.Paths.TranscriptDir = v
	}
	if v := os.Getenv("SCRIBED_STATE_DB"); v != "" {
		c.Paths.StateDB = v
	}
	if v := os.Getenv("SCRIBED_PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("SCRIBED_ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("SCRIBED_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("SCRIBED_ASR_ENDPOINT"); v != "" {
		c.ASR.Endpoint = v
	}
	if v := os.Getenv("SCRIBED_DIARIZE_ENDPOINT"); v != "" {
		c.Diarize.Endpoint = v
	}
	if v := os.Getenv("SCRIBED_DIARIZE_ENABLED"); v != "" {
		c.Diarize.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("SCRIBED_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Processing.Workers = n
		}
	}
	if v := os.Getenv("SCRIBED_MAX_SEGMENT_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Split.MaxSegmentBytes = n
		}
	}
	if v := os.Getenv("SCRIBED_FFMPEG_PATH"); v != "" {
		c.Audio.FFmpegPath = v
	}
	if v := os.Getenv("SCRIBED_FFPROBE_PATH"); v != "" {
		c.Audio.FFprobePath = v
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var problems []string

	if port, err := strconv.Atoi(c.Server.Port); err != nil || port < 1 || port > 65535 {
		problems = append(problems, fmt.Sprintf("invalid server port: %s (must be 1-65535)", c.Server.Port))
	}

	validEnvs := map[string]bool{"dev": true, "development": true, "staging": true, "production": true}
	if !validEnvs[c.Server.Env] {
		problems = append(problems, fmt.Sprintf("invalid env: %s (must be: dev, development, staging, production)", c.Server.Env))
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Log.Level] {
		problems = append(problems, fmt.Sprintf("invalid log level: %s (must be: debug, info, warn, error)", c.Log.Level))
	}

	if c.Paths.WatchDir == "" {
		problems = append(problems, "watch_dir is required")
	}
	if c.Paths.TranscriptDir == "" {
		problems = append(problems, "transcript_dir is required")
	}
	if c.Paths.WatchDir != "" && c.Paths.TranscriptDir != "" &&
		filepath.Clean(c.Paths.WatchDir) == filepath.Clean(c.Paths.TranscriptDir) {
		problems = append(problems, "watch_dir and transcript_dir must differ")
	}

	if c.Split.MaxSegmentBytes <= 0 {
		problems = append(problems, "split.max_segment_bytes must be positive")
	}
	if c.Split.Overlap < 0 {
		problems = append(problems, "split.overlap cannot be negative")
	}
	if c.Split.TargetDuration <= 0 {
		problems = append(problems, "split.target_duration must be positive")
	}
	if c.Split.Overlap >= c.Split.TargetDuration {
		problems = append(problems, "split.overlap must be smaller than split.target_duration")
	}

	if c.Processing.Workers < 1 {
		problems = append(problems, "processing.workers must be at least 1")
	}
	if c.Processing.SegmentWorkers < 1 {
		problems = append(problems, "processing.segment_workers must be at least 1")
	}
	if c.Processing.MaxModelCalls < 1 {
		problems = append(problems, "processing.max_model_calls must be at least 1")
	}
	if c.Processing.MaxJobAttempts < 1 {
		problems = append(problems, "processing.max_job_attempts must be at least 1")
	}
	if c.Processing.MaxCallAttempts < 1 {
		problems = append(problems, "processing.max_call_attempts must be at least 1")
	}
	if c.Processing.RetryBaseDelay <= 0 {
		problems = append(problems, "processing.retry_base_delay must be positive")
	}
	if c.Processing.RetryMaxDelay < c.Processing.RetryBaseDelay {
		problems = append(problems, "processing.retry_max_delay must be >= retry_base_delay")
	}
	if c.Processing.JobRetryMaxDelay != 0 && c.Processing.JobRetryMaxDelay < c.Processing.JobRetryDelay {
		problems = append(problems, "processing.job_retry_max_delay must be >= job_retry_delay")
	}

	if c.Merge.SimhashThreshold < 0 || c.Merge.SimhashThreshold > 64 {
		problems = append(problems, "merge.simhash_threshold must be within 0-64")
	}

	// An empty asr.endpoint is allowed: the daemon starts degraded with the
	// mock transcriber instead of refusing to run.
	if c.Diarize.Enabled && c.Diarize.Endpoint == "" {
		problems = append(problems, "diarization.endpoint is required when diarization is enabled")
	}
	if c.Diarize.MinSpeakers > c.Diarize.MaxSpeakers {
		problems = append(problems, "diarization.min_speakers cannot exceed max_speakers")
	}

	if c.Audio.SampleRate <= 0 {
		problems = append(problems, "audio.sample_rate must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// ListenAddr returns the status server listen address.
func (c *Config) ListenAddr() string {
	return ":" + c.Server.Port
}

// IsProduction reports whether the daemon runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}
