package transcribe

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

	"github.com/cenkalti/backoff/v4"
	"github.com/floyd-ryan/scribe/pkg/logger"
)

var log = logger.Get("Transcriber")

type (
	Config struct {
		// URL of an OpenAI-compatible audio transcription endpoint.
		URL    string `yaml:"url" env:"TRANSCRIBE_URL" env-default:"https://api.openai.com/v1/audio/transcriptions" validate:"required,url"`
		ApiKey string `yaml:"api_key" env:"TRANSCRIBE_API_KEY" validate:"required"`
		Model  string `yaml:"model" env:"TRANSCRIBE_MODEL" env-default:"whisper-1"`

		// MaxAttempts bounds how many times a single segment is
		// submitted before the failure is recorded.
		MaxAttempts      int `yaml:"max_attempts" env:"TRANSCRIBE_MAX_ATTEMPTS" env-default:"5" validate:"min=1,max=5"`
		BaseDelayMillis  int `yaml:"base_delay_ms" env:"TRANSCRIBE_BASE_DELAY_MS" env-default:"1000" validate:"min=1"`
		RequestTimeoutMs int `yaml:"request_timeout_ms" env:"TRANSCRIBE_REQUEST_TIMEOUT_MS" env-default:"600000" validate:"min=1"`

		// MaxConcurrent caps in-flight transcription calls across ALL
		// videos; the external service rate limit is shared, so the
		// cap must be too.
		MaxConcurrent int `yaml:"max_concurrent" env:"TRANSCRIBE_MAX_CONCURRENT" env-default:"2" validate:"min=1"`
	}

	// Transcript is the structured result for one segment, as returned
	// by the external service.
	Transcript struct {
		Text     string              `json:"text"`
		Language string              `json:"language,omitempty"`
		Duration float64             `json:"duration,omitempty"`
		Segments []TranscriptSegment `json:"segments,omitempty"`
	}

	TranscriptSegment struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	}

	// TranscriptionError is the terminal failure for a segment: either
	// the retry budget was exhausted, or the failure was permanent and
	// retrying would not have helped.
	TranscriptionError struct {
		Path     string
		Attempts int
		cause    error
	}

	Transcriber struct {
		config    Config
		policy    Policy
		client    *http.Client
		semaphore chan struct{}

		// timer overrides the backoff wait timer; tests inject a fake
		// so retry schedules run without real sleeps.
		timer backoff.Timer
	}
)

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("transcription of %s failed after %d attempt(s): %s", e.Path, e.Attempts, e.cause.Error())
}

func (e *TranscriptionError) Unwrap() error { return e.cause }

func New(config Config) *Transcriber {
	return &Transcriber{
		config: config,
		policy: Policy{
			MaxAttempts: config.MaxAttempts,
			BaseDelay:   time.Duration(config.BaseDelayMillis) * time.Millisecond,
		},
		client:    &http.Client{Timeout: time.Duration(config.RequestTimeoutMs) * time.Millisecond},
		semaphore: make(chan struct{}, config.MaxConcurrent),
	}
}

// newWithTimer is used by tests to run the retry schedule against a
// fake timer.
func newWithTimer(config Config, timer backoff.Timer) *Transcriber {
	transcriber := New(config)
	transcriber.timer = timer
	return transcriber
}

// Transcribe submits the segment file to the external service,
// retrying transient failures per the configured policy. The call
// blocks while the global in-flight cap is saturated.
func (transcriber *Transcriber) Transcribe(ctx context.Context, segmentPath string) (*Transcript, error) {
	select {
	case transcriber.semaphore <- struct{}{}:
		defer func() { <-transcriber.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	attempts := 0
	operation := func() (*Transcript, error) {
		attempts++
		transcript, err := transcriber.submit(ctx, segmentPath)
		if err == nil {
			return transcript, nil
		}

		if !isTransient(err) {
			return nil, backoff.Permanent(err)
		}

		return nil, err
	}

	notify := func(err error, delay time.Duration) {
		log.Emit(logger.WARNING, "Attempt %d/%d for %s failed (%s)... retrying in %s\n",
			attempts, transcriber.policy.MaxAttempts, filepath.Base(segmentPath), err.Error(), delay)
	}

	transcript, err := backoff.RetryNotifyWithTimerAndData(
		operation,
		backoff.WithContext(transcriber.policy.NewBackOff(), ctx),
		notify,
		transcriber.timer,
	)
	if err != nil {
		return nil, &TranscriptionError{Path: segmentPath, Attempts: attempts, cause: err}
	}

	return transcript, nil
}

// submit performs a single multipart upload of the segment file.
func (transcriber *Transcriber) submit(ctx context.Context, segmentPath string) (*Transcript, error) {
	file, err := os.Open(segmentPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	if err := form.WriteField("model", transcriber.config.Model); err != nil {
		return nil, err
	}
	if err := form.WriteField("response_format", "verbose_json"); err != nil {
		return nil, err
	}

	filePart, err := form.CreateFormFile("file", filepath.Base(segmentPath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(filePart, file); err != nil {
		return nil, err
	}
	if err := form.Close(); err != nil {
		return nil, err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, transcriber.config.URL, &body)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Authorization", "Bearer "+transcriber.config.ApiKey)
	request.Header.Set("Content-Type", form.FormDataContentType())

	response, err := transcriber.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(io.LimitReader(response.Body, 2048))
		return nil, &httpError{status: response.StatusCode, body: string(bytes.TrimSpace(responseBody))}
	}

	var transcript Transcript
	if err := json.NewDecoder(response.Body).Decode(&transcript); err != nil {
		return nil, fmt.Errorf("failed to decode transcription response: %w", err)
	}

	return &transcript, nil
}
