// Package clients calls the collaborator services the pipeline depends on:
// the drug catalog, the order ledger and the prescription registry.
package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/medflow/rx-verification/pkg/logger"
	"github.com/medflow/rx-verification/pkg/messaging"
)

// errNotFound is returned by get for a 404 response
var errNotFound = errors.New("not found")

// base carries what every collaborator client shares. Services wrap their
// responses in {"success": true, "data": ...}.
type base struct {
	baseURL    string
	service    string
	httpClient *http.Client
	logger     *logger.Logger
}

func newBase(baseURL, service string, timeout time.Duration, log *logger.Logger) base {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return base{
		baseURL:    strings.TrimRight(baseURL, "/"),
		service:    service,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log,
	}
}

// get performs a GET on path with query and decodes the data envelope into out
func (c *base) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if id := messaging.CorrelationID(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", c.service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		var errResp map[string]interface{}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		c.logger.Warn().
			Str("service", c.service).
			Int("status", resp.StatusCode).
			Interface("error", errResp).
			Msg("collaborator request failed")
		return fmt.Errorf("%s returned status %d", c.service, resp.StatusCode)
	}

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", c.service, err)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to decode %s data: %w", c.service, err)
	}
	return nil
}
