package fetcher_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazil/sha1t48/pkg/fetcher"
	"github.com/hazil/sha1t48/pkg/retry"
)

func fastRetry() retry.Config {
	return retry.Config{
		MaxAttempts:  10,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Jitter:       false,
	}
}

func TestFetchRange_success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/00000", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("0000000000000000000000000000000000:5\r\n"))
	}))
	defer srv.Close()

	f, err := fetcher.New(fetcher.Options{BaseURL: srv.URL, Retry: fastRetry()})
	require.NoError(t, err)

	body, err := f.FetchRange(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "0000000000000000000000000000000000:5\r\n", string(body))
}

func TestFetchRange_transientThenSuccess(t *testing.T) {
	t.Parallel()

	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF:1\r\n"))
	}))
	defer srv.Close()

	f, err := fetcher.New(fetcher.Options{BaseURL: srv.URL, Retry: fastRetry()})
	require.NoError(t, err)

	body, err := f.FetchRange(context.Background(), 0xABCDE)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Contains(t, string(body), "FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF")
}

func TestFetchRange_fatalStatusAbortsImmediately(t *testing.T) {
	t.Parallel()

	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f, err := fetcher.New(fetcher.Options{BaseURL: srv.URL, Retry: fastRetry()})
	require.NoError(t, err)

	_, err = f.FetchRange(context.Background(), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, fetcher.ErrHTTPStatus)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFetchRange_exhaustsRetriesOnPersistentTransientFailure(t *testing.T) {
	t.Parallel()

	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := fastRetry()
	cfg.MaxAttempts = 3

	f, err := fetcher.New(fetcher.Options{BaseURL: srv.URL, Retry: cfg})
	require.NoError(t, err)

	_, err = f.FetchRange(context.Background(), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, fetcher.ErrRetriesExhausted)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestFetchRange_circuitOpensAfterRepeatedFatalFailures(t *testing.T) {
	t.Parallel()

	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f, err := fetcher.New(fetcher.Options{BaseURL: srv.URL, Retry: fastRetry()})
	require.NoError(t, err)

	// fetcher's breaker opens after 8 recorded failures; each fatal-status
	// FetchRange call here records exactly one (it never retries a 404).
	const circuitThreshold = 8

	for i := range circuitThreshold {
		_, err := f.FetchRange(context.Background(), uint32(i)) //nolint:gosec
		require.Error(t, err)
		assert.ErrorIs(t, err, fetcher.ErrHTTPStatus)
	}

	require.Equal(t, int32(circuitThreshold), atomic.LoadInt32(&calls))

	_, err = f.FetchRange(context.Background(), circuitThreshold)
	require.Error(t, err)
	assert.ErrorIs(t, err, fetcher.ErrCircuitOpen)

	// The breaker short-circuited: the server was never contacted again.
	assert.Equal(t, int32(circuitThreshold), atomic.LoadInt32(&calls))
}

func TestFetchRange_respectsContextCancellation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := retry.Config{MaxAttempts: 10, InitialDelay: time.Hour, MaxDelay: time.Hour}

	f, err := fetcher.New(fetcher.Options{BaseURL: srv.URL, Retry: cfg})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = f.FetchRange(ctx, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled) || !errors.Is(err, fetcher.ErrRetriesExhausted))
}
