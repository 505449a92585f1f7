package chart

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxImageBytes = 8 << 20

// HTTPRenderer asks an external chart service for a PNG:
//
//	GET {endpoint}?currency=EUR&around=2026-01-02T14:30:00Z
type HTTPRenderer struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPRenderer(endpoint string, timeout time.Duration) *HTTPRenderer {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPRenderer{Endpoint: strings.TrimSpace(endpoint), Client: &http.Client{Timeout: timeout}}
}

func (h *HTTPRenderer) Render(ctx context.Context, currency string, around time.Time) ([]byte, error) {
	u, err := url.Parse(h.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("chart endpoint: %w", err)
	}
	q := u.Query()
	q.Set("currency", strings.ToUpper(currency))
	q.Set("around", around.UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "image/png")

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("chart service: http %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxImageBytes {
		return nil, fmt.Errorf("chart service: image exceeds %d bytes", maxImageBytes)
	}
	return b, nil
}
