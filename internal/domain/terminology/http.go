package terminology

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPResolver queries a remote terminology service over REST.
// The service is expected to answer GET {base}/concepts/{code} with a
// JSON concept body, or 404 when the code is unknown.
type HTTPResolver struct {
	client *resty.Client
}

func NewHTTPResolver(baseURL string, timeout time.Duration) *HTTPResolver {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)
	return &HTTPResolver{client: client}
}

func (r *HTTPResolver) Resolve(ctx context.Context, code string) (*Concept, error) {
	var c Concept
	resp, err := r.client.R().
		SetContext(ctx).
		SetPathParam("code", code).
		SetResult(&c).
		Get("/concepts/{code}")
	if err != nil {
		return nil, fmt.Errorf("terminology: resolve %q: %w", code, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.IsError() {
		return nil, fmt.Errorf("terminology: resolve %q: status %d", code, resp.StatusCode())
	}
	if c.Code == "" {
		c.Code = code
	}
	return &c, nil
}
