package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"pointstreamd/internal/logger"
)

// ErrCancelled is returned when the caller's context aborts an in-flight
// attempt. It is an expected outcome when eviction or stop races a fetch,
// not a failure.
var ErrCancelled = errors.New("fetch cancelled")

// TimeoutError reports that a single attempt exceeded its per-attempt
// timeout. Retryable.
type TimeoutError struct {
	URL     string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("fetch of %s timed out after %v", e.URL, e.Timeout)
}

// NetworkError reports a connection, DNS or transport failure for a single
// attempt. Retryable.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("fetch of %s failed: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Options controls the retry behavior of a single logical fetch. The total
// attempt count is 1+len(Backoff); Backoff[i] is slept after attempt i
// fails. Timeout applies per attempt, not to the fetch as a whole.
type Options struct {
	Timeout time.Duration
	Backoff []time.Duration
}

// Response is a successfully received HTTP response. A non-2xx status is
// still a Response, never retried here; the caller inspects StatusCode.
type Response struct {
	StatusCode int
	Body       []byte
}

// Fetcher performs single HTTP GETs with per-attempt timeout and bounded
// retry/backoff. Used for manifest and frame loading alike.
type Fetcher struct {
	httpClient *http.Client
	log        logger.Logger
	userAgent  string
}

// NewFetcher creates a fetcher on the given client.
func NewFetcher(client *http.Client, log logger.Logger, userAgent string) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Fetcher{httpClient: client, log: log, userAgent: userAgent}
}

// FetchWithRetry GETs url with opts' retry policy. The caller's ctx aborts
// the in-flight attempt immediately and short-circuits remaining retries
// with ErrCancelled. After all attempts are exhausted the last error is
// returned, wrapped with the total attempt count.
func (f *Fetcher) FetchWithRetry(ctx context.Context, url string, opts Options) (*Response, error) {
	attempts := 1 + len(opts.Backoff)
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(opts.Backoff[attempt-1]):
			case <-ctx.Done():
				return nil, ErrCancelled
			}
		}

		resp, err := f.attempt(ctx, url, opts.Timeout)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, ErrCancelled) {
			return nil, err
		}

		lastErr = err
		f.log.Warnf("Fetch attempt %d/%d for %s failed: %v", attempt+1, attempts, url, err)
	}

	return nil, fmt.Errorf("all %d attempts for %s failed: %w", attempts, url, lastErr)
}

func (f *Fetcher) attempt(ctx context.Context, url string, timeout time.Duration) (*Response, error) {
	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		// A malformed URL will not improve with retries.
		return nil, &NetworkError{URL: url, Err: err}
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, f.classify(ctx, attemptCtx, url, timeout, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, f.classify(ctx, attemptCtx, url, timeout, err)
	}

	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// classify maps a transport error to the taxonomy: caller cancellation wins,
// then per-attempt timeout, everything else is a network failure.
func (f *Fetcher) classify(ctx, attemptCtx context.Context, url string, timeout time.Duration, err error) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	if attemptCtx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{URL: url, Timeout: timeout}
	}
	return &NetworkError{URL: url, Err: err}
}
