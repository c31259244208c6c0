package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// RequestJSON performs a JSON HTTP request with bounded retry. Transport
// errors, body read errors and 5xx responses are retried with a doubling
// delay; 4xx responses go back to the caller immediately. The context
// cancels both in-flight requests and retry sleeps.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	delay := retryDelay
	for attempt := 0; ; attempt++ {
		status, respBody, retryable, err := attemptJSON(ctx, client, method, url, body, headers)
		if !retryable || attempt >= retries {
			return status, respBody, err
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return 0, nil, err
		}
		delay *= 2
	}
}

func attemptJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (status int, respBody []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, false, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, true, err
	}
	defer resp.Body.Close()
	respBody, err = io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, true, err
	}
	return resp.StatusCode, respBody, resp.StatusCode >= 500, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
