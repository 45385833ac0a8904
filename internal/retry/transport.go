package retry

import (
	"context"
	"net/http"
	"time"
)

// Transport is a RoundTripper that retries requests according to
// RetryStrategy and RetryOn. The retry count travels through the
// request context so recursive RoundTrip calls see the right attempt
// number.
type Transport struct {
	Base          http.RoundTripper
	RetryStrategy Strategy
	RetryOn       *On
}

type contextKey string

const retryCountContextKey contextKey = "retryCountKey"

func getRetryCount(ctx context.Context) uint {
	v := ctx.Value(retryCountContextKey)

	i, ok := v.(uint)
	if !ok {
		return 0
	}

	return i
}

func setRetryCount(ctx context.Context, retryCount uint) context.Context {
	return context.WithValue(ctx, retryCountContextKey, retryCount)
}

func (t *Transport) RoundTrip(request *http.Request) (*http.Response, error) {
	retryCount := getRetryCount(request.Context())
	sleep, exceeded := t.retryStrategy().Sleep(retryCount)

	response, err := t.base().RoundTrip(request)
	if err != nil {
		if !exceeded && t.RetryOn != nil && t.RetryOn.CheckError(err) {
			if werr := t.wait(request, sleep); werr != nil {
				return nil, werr
			}
			return t.RoundTrip(request.WithContext(setRetryCount(request.Context(), retryCount+1)))
		}
		return nil, err
	}
	if !exceeded && t.RetryOn != nil && t.RetryOn.CheckResponse(response) {
		if werr := t.wait(request, sleep); werr != nil {
			return nil, werr
		}
		return t.RoundTrip(request.WithContext(setRetryCount(request.Context(), retryCount+1)))
	}
	return response, nil
}

func (t *Transport) wait(request *http.Request, sleep time.Duration) error {
	timer := time.NewTimer(sleep)
	select {
	case <-request.Context().Done():
		timer.Stop()
		return request.Context().Err()
	case <-timer.C:
		return nil
	}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) retryStrategy() Strategy {
	if t.RetryStrategy != nil {
		return t.RetryStrategy
	}
	return NewNever()
}

func (t *Transport) CancelRequest(request *http.Request) {
	type canceler interface {
		CancelRequest(*http.Request)
	}
	if cr, ok := t.base().(canceler); ok {
		cr.CancelRequest(request)
	}
}
