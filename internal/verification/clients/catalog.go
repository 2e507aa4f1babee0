package clients

import (
	"context"
	"net/url"
	"time"

	"github.com/medflow/rx-verification/internal/verification/drugs"
	"github.com/medflow/rx-verification/pkg/logger"
)

// CatalogClient searches the drug catalog service
type CatalogClient struct {
	base
}

var _ drugs.Catalog = (*CatalogClient)(nil)

// NewCatalogClient creates a catalog client
func NewCatalogClient(baseURL string, timeout time.Duration, log *logger.Logger) *CatalogClient {
	return &CatalogClient{base: newBase(baseURL, "catalog service", timeout, log)}
}

// Search returns ranked matches for a free-text medication name. An unknown
// name is an empty result, not an error.
func (c *CatalogClient) Search(ctx context.Context, query string) ([]drugs.RankedMatch, error) {
	var hits []drugs.RankedMatch
	err := c.get(ctx, "/api/v1/medications/search", url.Values{"q": {query}, "limit": {"5"}}, &hits)
	if err == errNotFound {
		return nil, nil
	}
	return hits, err
}
