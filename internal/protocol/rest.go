package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

const (
	defaultTimeout        = 5 * time.Second
	defaultRetryCount     = 2
	defaultRetryBaseDelay = 200 * time.Millisecond
	defaultRetryMaxDelay  = time.Second
)

// restClient is the JSON-over-HTTP client shared by every venue.
type restClient struct {
	venue string
	http  *resty.Client
}

func newRESTClient(venue, baseURL string, timeout time.Duration) *restClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(defaultRetryCount).
		SetRetryWaitTime(defaultRetryBaseDelay).
		SetRetryMaxWaitTime(defaultRetryMaxDelay).
		AddRetryCondition(isRetryableResp)

	return &restClient{venue: venue, http: httpClient}
}

// isRetryableResp retries transport errors, throttling and server errors.
func isRetryableResp(r *resty.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled)
	}
	if r == nil {
		return false
	}
	code := r.StatusCode()
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

// getJSON issues a GET and decodes the body into out. Transport failures,
// throttling and 5xx responses come back as TRANSIENT step errors; 404 maps
// to domain.ErrNotFound.
func (c *restClient) getJSON(ctx context.Context, path string, query map[string]string, out any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		Get(path)
	if err != nil {
		if errors.Is(err, context.Canceled) && !isTimeout(err) {
			return fmt.Errorf("%s: GET %s: %w", c.venue, path, err)
		}
		return domain.NewStepError(domain.ErrorClassTransient, fmt.Errorf("%s: GET %s: %w", c.venue, path, err))
	}

	code := resp.StatusCode()
	switch {
	case code == http.StatusNotFound:
		return fmt.Errorf("%s: GET %s: %w", c.venue, path, domain.ErrNotFound)
	case code == http.StatusTooManyRequests:
		return domain.NewStepError(domain.ErrorClassTransient, fmt.Errorf("%s: GET %s: %w", c.venue, path, domain.ErrRateLimited))
	case code >= 500:
		return domain.NewStepError(domain.ErrorClassTransient, fmt.Errorf("%s: GET %s: HTTP %d", c.venue, path, code))
	case code != http.StatusOK:
		return fmt.Errorf("%s: GET %s: HTTP %d: %s", c.venue, path, code, truncate(resp.String(), 256))
	}

	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("%s: decode %s: %w", c.venue, path, err)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
