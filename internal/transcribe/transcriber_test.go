package transcribe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// instantTimer satisfies the backoff timer interface but fires
// immediately, so retry schedules run without real sleeps. The delays
// it was asked to wait for are recorded for assertion.
type instantTimer struct {
	delays []time.Duration
	c      chan time.Time
}

func newInstantTimer() *instantTimer {
	return &instantTimer{c: make(chan time.Time, 1)}
}

func (timer *instantTimer) Start(duration time.Duration) {
	timer.delays = append(timer.delays, duration)
	timer.c <- time.Now()
}

func (timer *instantTimer) Stop() {}

func (timer *instantTimer) C() <-chan time.Time { return timer.c }

func testConfig(url string) Config {
	return Config{
		URL:              url,
		ApiKey:           "test-key",
		Model:            "whisper-1",
		MaxAttempts:      3,
		BaseDelayMillis:  1,
		RequestTimeoutMs: 5000,
		MaxConcurrent:    2,
	}
}

func segmentFixture(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "video_Part000.mp4")
	require.NoError(t, os.WriteFile(path, []byte("not really media"), 0o644))
	return path
}

func Test_Transcribe_Success(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++

		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "verbose_json", r.FormValue("response_format"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "video_Part000.mp4", header.Filename)

		w.Write([]byte(`{"text": "hello world", "language": "english", "duration": 12.5, "segments": [{"start": 0, "end": 12.5, "text": "hello world"}]}`))
	}))
	defer server.Close()

	transcriber := newWithTimer(testConfig(server.URL), newInstantTimer())
	transcript, err := transcriber.Transcribe(context.Background(), segmentFixture(t))
	require.NoError(t, err)

	assert.Equal(t, 1, requests)
	assert.Equal(t, "hello world", transcript.Text)
	assert.Equal(t, "english", transcript.Language)
	assert.Equal(t, 12.5, transcript.Duration)
	require.Len(t, transcript.Segments, 1)
	assert.Equal(t, "hello world", transcript.Segments[0].Text)
}

func Test_Transcribe_TransientFailuresAreRetried(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		w.Write([]byte(`{"text": "third time lucky"}`))
	}))
	defer server.Close()

	timer := newInstantTimer()
	transcriber := newWithTimer(testConfig(server.URL), timer)
	transcript, err := transcriber.Transcribe(context.Background(), segmentFixture(t))
	require.NoError(t, err)

	assert.Equal(t, 3, requests)
	assert.Equal(t, "third time lucky", transcript.Text)
	assert.Len(t, timer.delays, 2, "two failures means two waits")
}

func Test_Transcribe_RetryBudgetExhausted(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("database is on fire"))
	}))
	defer server.Close()

	transcriber := newWithTimer(testConfig(server.URL), newInstantTimer())
	_, err := transcriber.Transcribe(context.Background(), segmentFixture(t))
	require.Error(t, err)

	assert.Equal(t, 3, requests, "attempts must stop at the configured ceiling")

	var terminal *TranscriptionError
	require.ErrorAs(t, err, &terminal)
	assert.Equal(t, 3, terminal.Attempts)

	var httpErr *httpError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusInternalServerError, httpErr.status)
}

func Test_Transcribe_PermanentFailureDoesNotRetry(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("unsupported media type"))
	}))
	defer server.Close()

	timer := newInstantTimer()
	transcriber := newWithTimer(testConfig(server.URL), timer)
	_, err := transcriber.Transcribe(context.Background(), segmentFixture(t))
	require.Error(t, err)

	assert.Equal(t, 1, requests, "a permanent rejection must not consume the retry budget")
	assert.Empty(t, timer.delays)

	var terminal *TranscriptionError
	require.ErrorAs(t, err, &terminal)
	assert.Equal(t, 1, terminal.Attempts)
}

func Test_Transcribe_MissingSegmentFileIsPermanent(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer server.Close()

	transcriber := newWithTimer(testConfig(server.URL), newInstantTimer())
	_, err := transcriber.Transcribe(context.Background(), filepath.Join(t.TempDir(), "missing.mp4"))
	require.Error(t, err)
	assert.Zero(t, requests)
}

func Test_Transcribe_CancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	transcriber := newWithTimer(testConfig(server.URL), newInstantTimer())
	_, err := transcriber.Transcribe(ctx, segmentFixture(t))
	assert.ErrorIs(t, err, context.Canceled)
}
