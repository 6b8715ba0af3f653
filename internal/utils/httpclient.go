package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

func NewHTTPClient(timeout time.Duration) HTTPClient {
	return &http.Client{Timeout: timeout}
}

// StatusError is a non-2xx answer. Body is truncated to 1 KiB.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("non-2xx: %d body=%s", e.Code, e.Body)
}

// Retryable reports rate limiting and server-side failures.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// DoJSON sends req and decodes a 2xx JSON body into v.
func DoJSON(c HTTPClient, req *http.Request, v interface{}) error {
	resp, err := c.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", req.Method, req.URL.Path)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Code: resp.StatusCode, Body: string(b)}
	}
	if v == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(v), "decode response")
}

// GetJSONWithRetry retries transport errors and retryable statuses with b.
// Other statuses and decode failures return at once.
func GetJSONWithRetry(ctx context.Context, c HTTPClient, b Backoff, build func(ctx context.Context) (*http.Request, error), dst interface{}) error {
	return b.Do(ctx, func(int) error {
		req, err := build(ctx)
		if err != nil {
			return &Permanent{Err: err}
		}
		err = DoJSON(c, req, dst)
		if err == nil {
			return nil
		}
		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return &Permanent{Err: err}
		}
		if errors.Is(err, io.ErrUnexpectedEOF) || isDecodeErr(err) {
			return &Permanent{Err: err}
		}
		return err
	})
}

func isDecodeErr(err error) bool {
	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	return errors.As(err, &syn) || errors.As(err, &typ)
}
