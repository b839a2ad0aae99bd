package producer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"procodus.dev/solarwatch/internal/solar"
)

// SiteRegistrar makes a site known to the backend before readings flow.
type SiteRegistrar interface {
	Register(ctx context.Context, site solar.Site) error
}

// HTTPRegistrar registers sites through the solarwatch HTTP API.
type HTTPRegistrar struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRegistrar creates a registrar for the API at baseURL.
func NewHTTPRegistrar(baseURL string, client *http.Client) (*HTTPRegistrar, error) {
	if baseURL == "" {
		return nil, errors.New("api URL cannot be empty")
	}

	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &HTTPRegistrar{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}, nil
}

// Register implements SiteRegistrar. A site that already exists counts as registered.
func (r *HTTPRegistrar) Register(ctx context.Context, site solar.Site) error {
	body, err := json.Marshal(site)
	if err != nil {
		return fmt.Errorf("failed to marshal site: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/sites", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post site: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusConflict:
		return nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}
