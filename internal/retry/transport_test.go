package retry_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"visreg/internal/retry"
)

type transportMock struct {
	http.RoundTripper
	fakeRoundTrip func(*http.Request) (*http.Response, error)
}

func (m *transportMock) RoundTrip(request *http.Request) (*http.Response, error) {
	return m.fakeRoundTrip(request)
}

type temporaryError struct {
	s string
}

func (te *temporaryError) Error() string {
	return te.s
}

func (te *temporaryError) Temporary() bool {
	return true
}

func immediate(i int64) int64 {
	return 0
}

func TestTransportRoundTrip(t *testing.T) {
	t.Run("PassesThroughSuccess", func(t *testing.T) {
		t.Parallel()

		var attempts int64
		client := &http.Client{
			Transport: &retry.Transport{
				Base: &transportMock{
					fakeRoundTrip: func(request *http.Request) (*http.Response, error) {
						atomic.AddInt64(&attempts, 1)
						return &http.Response{
							StatusCode: http.StatusOK,
							Body:       io.NopCloser(strings.NewReader("ok")),
						}, nil
					},
				},
				RetryStrategy: retry.NewExponentialBackOff(1*time.Millisecond, 10*time.Millisecond, 5, immediate),
				RetryOn:       retry.NewDefaultRetryOn(),
			},
		}

		request, err := http.NewRequest("GET", "http://report.test/callback", nil)
		if err != nil {
			t.Fatal(err)
		}
		response, err := client.Do(request)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		defer response.Body.Close()
		if response.StatusCode != http.StatusOK {
			t.Errorf("expected 200, got %d", response.StatusCode)
		}
		if got := atomic.LoadInt64(&attempts); got != 1 {
			t.Errorf("expected a single attempt, got %d", got)
		}
	})

	t.Run("RetriesGatewayErrorUntilSuccess", func(t *testing.T) {
		t.Parallel()

		var attempts int64
		client := &http.Client{
			Transport: &retry.Transport{
				Base: &transportMock{
					fakeRoundTrip: func(request *http.Request) (*http.Response, error) {
						n := atomic.AddInt64(&attempts, 1)
						if n < 3 {
							return &http.Response{
								StatusCode: http.StatusBadGateway,
								Body:       io.NopCloser(strings.NewReader("bad")),
							}, nil
						}
						return &http.Response{
							StatusCode: http.StatusOK,
							Body:       io.NopCloser(strings.NewReader("ok")),
						}, nil
					},
				},
				RetryStrategy: retry.NewExponentialBackOff(1*time.Millisecond, 10*time.Millisecond, 5, immediate),
				RetryOn:       retry.NewDefaultRetryOn(),
			},
		}

		request, err := http.NewRequest("GET", "http://report.test/callback", nil)
		if err != nil {
			t.Fatal(err)
		}
		response, err := client.Do(request)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		defer response.Body.Close()
		if response.StatusCode != http.StatusOK {
			t.Errorf("expected 200, got %d", response.StatusCode)
		}
		if got := atomic.LoadInt64(&attempts); got != 3 {
			t.Errorf("expected 3 attempts, got %d", got)
		}
	})

	t.Run("StopsWhenBudgetExceeded", func(t *testing.T) {
		t.Parallel()

		var attempts int64
		client := &http.Client{
			Transport: &retry.Transport{
				Base: &transportMock{
					fakeRoundTrip: func(request *http.Request) (*http.Response, error) {
						atomic.AddInt64(&attempts, 1)
						return &http.Response{
							StatusCode: http.StatusBadGateway,
							Body:       io.NopCloser(strings.NewReader("bad")),
						}, nil
					},
				},
				RetryStrategy: retry.NewExponentialBackOff(1*time.Millisecond, 10*time.Millisecond, 2, immediate),
				RetryOn:       retry.NewDefaultRetryOn(),
			},
		}

		request, err := http.NewRequest("GET", "http://report.test/callback", nil)
		if err != nil {
			t.Fatal(err)
		}
		response, err := client.Do(request)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		defer response.Body.Close()
		if response.StatusCode != http.StatusBadGateway {
			t.Errorf("expected 502 after budget, got %d", response.StatusCode)
		}
		if got := atomic.LoadInt64(&attempts); got != 3 {
			t.Errorf("expected 3 attempts, got %d", got)
		}
	})

	t.Run("RetriesTemporaryError", func(t *testing.T) {
		t.Parallel()

		var attempts int64
		client := &http.Client{
			Transport: &retry.Transport{
				Base: &transportMock{
					fakeRoundTrip: func(request *http.Request) (*http.Response, error) {
						n := atomic.AddInt64(&attempts, 1)
						if n < 2 {
							return nil, &temporaryError{s: "fake"}
						}
						return &http.Response{
							StatusCode: http.StatusOK,
							Body:       io.NopCloser(strings.NewReader("ok")),
						}, nil
					},
				},
				RetryStrategy: retry.NewExponentialBackOff(1*time.Millisecond, 10*time.Millisecond, 5, immediate),
				RetryOn:       retry.NewDefaultRetryOn(),
			},
		}

		request, err := http.NewRequest("GET", "http://report.test/callback", nil)
		if err != nil {
			t.Fatal(err)
		}
		response, err := client.Do(request)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		defer response.Body.Close()
		if got := atomic.LoadInt64(&attempts); got != 2 {
			t.Errorf("expected 2 attempts, got %d", got)
		}
	})

	t.Run("HonorsContextCancellation", func(t *testing.T) {
		t.Parallel()

		client := &http.Client{
			Transport: &retry.Transport{
				Base: &transportMock{
					fakeRoundTrip: func(request *http.Request) (*http.Response, error) {
						return &http.Response{
							StatusCode: http.StatusBadGateway,
							Body:       io.NopCloser(strings.NewReader("bad")),
						}, nil
					},
				},
				RetryStrategy: retry.NewExponentialBackOff(1*time.Hour, 1*time.Hour, 5, nil),
				RetryOn:       retry.NewDefaultRetryOn(),
			},
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		request, err := http.NewRequestWithContext(ctx, "GET", "http://report.test/callback", nil)
		if err != nil {
			t.Fatal(err)
		}
		_, err = client.Do(request)
		if err == nil {
			t.Fatal("expected error after cancellation")
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %s", err)
		}
	})
}
