package retry_test

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
	"testing"
	"visreg/internal/retry"

	"github.com/google/go-cmp/cmp"
)

func TestOnCheckResponse(t *testing.T) {
	type in struct {
		first *http.Response
	}

	type want struct {
		first bool
	}

	tests := []struct {
		name     string
		receiver *retry.On
		in       in
		want     want
	}{
		{
			func() string {
				_, _, line, _ := runtime.Caller(1)
				return fmt.Sprintf("L%d", line)
			}(),
			retry.NewDefaultRetryOn(),
			in{
				&http.Response{StatusCode: http.StatusOK},
			},
			want{
				false,
			},
		},
		{
			func() string {
				_, _, line, _ := runtime.Caller(1)
				return fmt.Sprintf("L%d", line)
			}(),
			retry.NewDefaultRetryOn(),
			in{
				&http.Response{StatusCode: http.StatusBadGateway},
			},
			want{
				true,
			},
		},
		{
			func() string {
				_, _, line, _ := runtime.Caller(1)
				return fmt.Sprintf("L%d", line)
			}(),
			retry.NewDefaultRetryOn(),
			in{
				&http.Response{StatusCode: http.StatusConflict},
			},
			want{
				true,
			},
		},
		{
			func() string {
				_, _, line, _ := runtime.Caller(1)
				return fmt.Sprintf("L%d", line)
			}(),
			retry.NewDefaultRetryOn(),
			in{
				&http.Response{StatusCode: http.StatusInternalServerError},
			},
			want{
				false,
			},
		},
		{
			func() string {
				_, _, line, _ := runtime.Caller(1)
				return fmt.Sprintf("L%d", line)
			}(),
			func() *retry.On {
				retryOn, _ := retry.NewRetryOnFromString("5xx")
				return retryOn
			}(),
			in{
				&http.Response{StatusCode: http.StatusInternalServerError},
			},
			want{
				true,
			},
		},
		{
			func() string {
				_, _, line, _ := runtime.Caller(1)
				return fmt.Sprintf("L%d", line)
			}(),
			func() *retry.On {
				retryOn, _ := retry.NewRetryOnFromString("429")
				return retryOn
			}(),
			in{
				&http.Response{StatusCode: http.StatusTooManyRequests},
			},
			want{
				true,
			},
		},
		{
			func() string {
				_, _, line, _ := runtime.Caller(1)
				return fmt.Sprintf("L%d", line)
			}(),
			func() *retry.On {
				retryOn, _ := retry.NewRetryOnFromString("429")
				return retryOn
			}(),
			in{
				&http.Response{StatusCode: http.StatusBadGateway},
			},
			want{
				false,
			},
		},
	}
	for _, tt := range tests {
		name := tt.name
		receiver := tt.receiver
		in := tt.in
		want := tt.want
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got := receiver.CheckResponse(in.first)
			if diff := cmp.Diff(want.first, got); diff != "" {
				t.Errorf("(-want +got):\n%s", diff)
			}
		})
	}
}

func TestOnCheckError(t *testing.T) {
	type in struct {
		first error
	}

	type want struct {
		first bool
	}

	tests := []struct {
		name     string
		receiver *retry.On
		in       in
		want     want
	}{
		{
			func() string {
				_, _, line, _ := runtime.Caller(1)
				return fmt.Sprintf("L%d", line)
			}(),
			retry.NewDefaultRetryOn(),
			in{
				io.EOF,
			},
			want{
				true,
			},
		},
		{
			func() string {
				_, _, line, _ := runtime.Caller(1)
				return fmt.Sprintf("L%d", line)
			}(),
			retry.NewDefaultRetryOn(),
			in{
				&temporaryError{s: "fake"},
			},
			want{
				true,
			},
		},
		{
			func() string {
				_, _, line, _ := runtime.Caller(1)
				return fmt.Sprintf("L%d", line)
			}(),
			retry.NewDefaultRetryOn(),
			in{
				fmt.Errorf("fake"),
			},
			want{
				false,
			},
		},
		{
			func() string {
				_, _, line, _ := runtime.Caller(1)
				return fmt.Sprintf("L%d", line)
			}(),
			func() *retry.On {
				retryOn, _ := retry.NewRetryOnFromString("retriable-4xx")
				return retryOn
			}(),
			in{
				io.EOF,
			},
			want{
				false,
			},
		},
	}
	for _, tt := range tests {
		name := tt.name
		receiver := tt.receiver
		in := tt.in
		want := tt.want
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got := receiver.CheckError(in.first)
			if diff := cmp.Diff(want.first, got); diff != "" {
				t.Errorf("(-want +got):\n%s", diff)
			}
		})
	}
}

func TestNewRetryOnFromString(t *testing.T) {
	t.Parallel()

	if _, err := retry.NewRetryOnFromString("5xx,gateway-error,connect-failure,retriable-4xx,503"); err != nil {
		t.Errorf("unexpected error: %s", err)
	}
	if _, err := retry.NewRetryOnFromString("sometimes"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
