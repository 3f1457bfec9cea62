// Package services holds the HTTP plumbing shared by the Sonarr, Radarr and Emby clients.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
)

// HTTPDoer describes the HTTP client used by the service clients.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.URL, e.StatusCode, e.Body)
}

// RetryPolicy bounds the attempts made for one request.
type RetryPolicy struct {
	Attempts uint
	Delay    time.Duration
}

func (p RetryPolicy) options(ctx context.Context) []retry.Option {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}
	delay := p.Delay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.LastErrorOnly(true),
	}
}

// NormalizeBaseURL trims whitespace and trailing slashes.
func NormalizeBaseURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

// GetJSON issues a GET with the given headers and decodes the body into out.
// Network errors and 5xx responses are retried; 4xx responses are not.
func GetJSON(ctx context.Context, client HTTPDoer, policy RetryPolicy, url string, headers map[string]string, out any) error {
	err := retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.Unrecoverable(errors.Wrap(err, "build request"))
		}
		req.Header.Set("Accept", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return errors.Wrapf(err, "request %s", url)
		}
		defer resp.Body.Close()

		if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			statusErr := &StatusError{URL: url, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
			if resp.StatusCode < http.StatusInternalServerError {
				return retry.Unrecoverable(statusErr)
			}
			return statusErr
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Unrecoverable(errors.Wrapf(err, "decode %s", url))
		}
		return nil
	}, policy.options(ctx)...)

	return err
}
