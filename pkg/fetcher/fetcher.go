// Package fetcher implements the HIBP range-API HTTP client: bounded
// connection reuse, exponential backoff with full jitter, and transient vs.
// fatal classification of failures, per spec.md §4.4.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hazil/sha1t48/pkg/codec"
	"github.com/hazil/sha1t48/pkg/retry"
)

const (
	otelPackageName = "github.com/hazil/sha1t48/pkg/fetcher"

	// DefaultBaseURL is the HIBP range API's base URL. FetchRange appends
	// the 5-hex-character prefix and ".bin"-free path per spec.md §6.
	DefaultBaseURL = "https://api.pwnedpasswords.com/range"

	defaultDialerTimeout  = 5 * time.Second
	defaultHeaderTimeout  = 10 * time.Second
	defaultAttemptTimeout = 30 * time.Second

	// circuitThreshold and circuitTimeout tune the fetcher's own
	// upstreamBreaker (spec.md is silent on this; it's a supplemented
	// robustness feature, see SPEC_FULL.md).
	circuitThreshold = 8
	circuitTimeout   = 30 * time.Second
)

var (
	// ErrTransportCastError is returned if http.DefaultTransport cannot be
	// cast to *http.Transport when building a dedicated client.
	ErrTransportCastError = errors.New("fetcher: unable to cast http.DefaultTransport to *http.Transport")

	// ErrCircuitOpen is returned without attempting a request when the
	// upstream health circuit breaker has tripped.
	ErrCircuitOpen = errors.New("fetcher: circuit breaker open, upstream presumed unhealthy")

	// ErrHTTPStatus wraps a non-2xx HTTP status code, fatal or transient.
	ErrHTTPStatus = errors.New("fetcher: upstream returned a non-OK status")

	// ErrRetriesExhausted wraps the last transient error once MaxAttempts
	// is reached.
	ErrRetriesExhausted = errors.New("fetcher: retries exhausted")

	//nolint:gochecknoglobals
	tracer trace.Tracer
)

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Options configures a Fetcher. The zero value is valid; New fills in
// defaults for every unset field.
type Options struct {
	// BaseURL overrides DefaultBaseURL, primarily for tests.
	BaseURL string

	// Workers sizes the shared HTTP connection pool: MaxIdleConnsPerHost
	// is set equal to it so every concurrent worker gets a reusable
	// connection instead of contending (spec.md §4.4).
	Workers int

	// Retry overrides the default retry/backoff schedule.
	Retry retry.Config

	// AttemptTimeout bounds a single HTTP round trip (request plus body
	// read). The per-prefix wall-clock budget is this times MaxAttempts
	// plus the backoff schedule, per spec.md §4.4.
	AttemptTimeout time.Duration

	// Padding, if true, sends "Add-Padding: true" to the upstream API.
	// Padding rows are not filtered out: they carry a valid 35-hex-char
	// suffix and are returned in the body like any other line.
	Padding bool
}

// Fetcher issues range requests against the HIBP API with retry, backoff,
// and a shared connection pool.
type Fetcher struct {
	httpClient *http.Client
	baseURL    *url.URL
	retryCfg   retry.Config
	padding    bool
	breaker    *upstreamBreaker
}

// New constructs a Fetcher. Pass the zero Options to use every default.
func New(opts Options) (*Fetcher, error) {
	base := opts.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}

	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("fetcher: parsing base URL %q: %w", base, err)
	}

	retryCfg := opts.Retry
	if retryCfg.MaxAttempts == 0 {
		retryCfg = retry.DefaultConfig()
	}

	attemptTimeout := opts.AttemptTimeout
	if attemptTimeout == 0 {
		attemptTimeout = defaultAttemptTimeout
	}

	client, err := newHTTPClient(opts.Workers, attemptTimeout)
	if err != nil {
		return nil, err
	}

	return &Fetcher{
		httpClient: client,
		baseURL:    u,
		retryCfg:   retryCfg,
		padding:    opts.Padding,
		breaker:    newUpstreamBreaker(circuitThreshold, circuitTimeout),
	}, nil
}

// upstreamBreaker stops FetchRange from hammering a downed HIBP range API:
// once fatal classifications since the last successful fetch reach threshold,
// it opens and fails requests fast until timeout elapses, then allows a
// single probe request through (half-open) before closing again on
// success. Only the surface FetchRange actually drives is exposed; there
// is no standing operational need to force-open or query breaker state
// from outside a fetch attempt.
type upstreamBreaker struct {
	mu sync.Mutex

	failureCount int
	threshold    int
	timeout      time.Duration
	openedAt     time.Time

	// timeNow is overridden in tests to drive the open/half-open/closed
	// transitions without sleeping.
	timeNow func() time.Time
}

func newUpstreamBreaker(threshold int, timeout time.Duration) *upstreamBreaker {
	if threshold <= 0 {
		threshold = circuitThreshold
	}

	if timeout <= 0 {
		timeout = circuitTimeout
	}

	return &upstreamBreaker{threshold: threshold, timeout: timeout, timeNow: time.Now}
}

// allowRequest reports whether a request may proceed, transitioning an
// open breaker whose timeout has elapsed into a single half-open probe.
func (b *upstreamBreaker) allowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openedAt.IsZero() {
		return true
	}

	if b.timeNow().Sub(b.openedAt) >= b.timeout {
		// Half-open: let exactly one request through by resetting openedAt;
		// a concurrent caller sees the circuit as still open until this one
		// resolves, avoiding a thundering herd against a just-recovering
		// upstream.
		b.openedAt = b.timeNow()

		return true
	}

	return false
}

func (b *upstreamBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++

	if b.failureCount >= b.threshold {
		b.openedAt = b.timeNow()
	}
}

func (b *upstreamBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.openedAt = time.Time{}
}

func newHTTPClient(workers int, attemptTimeout time.Duration) (*http.Client, error) {
	dtp, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, ErrTransportCastError
	}

	dt := dtp.Clone()

	dialer := &net.Dialer{
		Timeout:   defaultDialerTimeout,
		KeepAlive: 30 * time.Second,
	}
	dt.DialContext = dialer.DialContext
	dt.ResponseHeaderTimeout = defaultHeaderTimeout
	dt.ForceAttemptHTTP2 = true

	if workers > 0 {
		dt.MaxIdleConnsPerHost = workers
		dt.MaxConnsPerHost = workers
	}

	return &http.Client{
		Transport: otelhttp.NewTransport(dt),
		Timeout:   attemptTimeout,
	}, nil
}

// FetchRange issues GET <baseURL>/<hex5(prefix)> and returns the raw
// response body on success, retrying transient failures with exponential
// backoff and full jitter up to retryCfg.MaxAttempts times. A fatal
// classification (§4.4) or exhausted retries return a non-nil error that
// the caller propagates as a per-prefix build failure.
func (f *Fetcher) FetchRange(ctx context.Context, prefix uint32) ([]byte, error) {
	var hex [codec.PrefixHexLen]byte
	codec.Hex5(prefix, &hex)

	reqURL := f.baseURL.JoinPath(string(hex[:])).String()

	ctx, span := tracer.Start(
		ctx,
		"fetcher.FetchRange",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("prefix", string(hex[:]))),
	)
	defer span.End()

	var lastErr error

	for attempt := 1; attempt <= f.retryCfg.MaxAttempts; attempt++ {
		if !f.breaker.allowRequest() {
			return nil, fmt.Errorf("%w: prefix %s", ErrCircuitOpen, hex[:])
		}

		if attempt > 1 {
			delay := retry.Backoff(f.retryCfg, attempt-1)

			zerolog.Ctx(ctx).
				Debug().
				Str("prefix", string(hex[:])).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying range fetch after backoff")

			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
		}

		body, class, err := f.attempt(ctx, reqURL)
		if err == nil {
			f.breaker.recordSuccess()

			return body, nil
		}

		lastErr = err

		if class == retry.Fatal {
			f.breaker.recordFailure()

			return nil, err
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, f.retryCfg.MaxAttempts, lastErr)
}

// attempt performs a single HTTP round trip and classifies the outcome.
func (f *Fetcher) attempt(ctx context.Context, reqURL string) ([]byte, retry.Classification, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, retry.Fatal, fmt.Errorf("fetcher: building request: %w", err)
	}

	if f.padding {
		req.Header.Set("Add-Padding", "true")
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, retry.ClassifyNetworkError(err), fmt.Errorf("fetcher: performing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		//nolint:errcheck
		io.Copy(io.Discard, resp.Body)

		class := retry.ClassifyHTTPStatus(resp.StatusCode)

		return nil, class, fmt.Errorf("%w: %s returned %d", ErrHTTPStatus, reqURL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Transient, fmt.Errorf("%w: %w", retry.ErrBodyRead, err)
	}

	return body, 0, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
