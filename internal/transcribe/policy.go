package transcribe

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type (
	// Policy describes the retry behaviour applied to each
	// transcription call: a bounded number of attempts with
	// exponential, jittered delays in between. Keeping the policy as
	// its own value (rather than inline sleeps) lets tests drive it
	// with a fake timer.
	Policy struct {
		MaxAttempts int
		BaseDelay   time.Duration
	}

	// httpError is a non-2xx response from the transcription service.
	httpError struct {
		status int
		body   string
	}
)

func (e *httpError) Error() string {
	return fmt.Sprintf("transcription service returned HTTP %d: %s", e.status, e.body)
}

// NewBackOff builds the backoff schedule for one transcription call.
// The returned schedule permits MaxAttempts total attempts, doubling
// the delay after each with randomised jitter so concurrent retries
// do not synchronise against the external service.
func (policy Policy) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithMaxRetries(b, uint64(policy.MaxAttempts-1))
}

// isTransient classifies a failed attempt. Timeouts, connection
// resets and server-side errors are expected to succeed on retry;
// anything else (invalid input, auth/quota rejection) will not and
// must surface immediately without consuming the retry budget.
func isTransient(err error) bool {
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		return httpErr.status >= 500 ||
			httpErr.status == 429 ||
			httpErr.status == 408
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}
