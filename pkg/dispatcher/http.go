package dispatcher

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	idempotencyHeader  = "Idempotency-Key"
)

func newRestyClient(timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	return resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "nexia-flow-engine")
}

// classifyResponse maps an HTTP status to a delivery result: 2xx succeed,
// 408, 429 and 5xx are transient, other 4xx are permanent.
func classifyResponse(resp *resty.Response) error {
	status := resp.StatusCode()

	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return Retryable(fmt.Errorf("%s returned %s", resp.Request.URL, resp.Status()))
	default:
		body := strings.TrimSpace(resp.String())
		if len(body) > 256 {
			body = body[:256]
		}

		return Permanent(fmt.Errorf("%s returned %s: %s", resp.Request.URL, resp.Status(), body))
	}
}
