package clients

import (
	"context"
	"net/url"
	"time"

	"github.com/medflow/rx-verification/internal/verification/domain"
	"github.com/medflow/rx-verification/pkg/logger"
)

// OrderClient queries the order ledger
type OrderClient struct {
	base
}

// NewOrderClient creates an order ledger client
func NewOrderClient(baseURL string, timeout time.Duration, log *logger.Logger) *OrderClient {
	return &OrderClient{base: newBase(baseURL, "order service", timeout, log)}
}

// FindByPrescription lists every order referencing the upload
func (c *OrderClient) FindByPrescription(ctx context.Context, uploadID string) ([]domain.Order, error) {
	var orders []domain.Order
	err := c.get(ctx, "/api/v1/orders", url.Values{"prescription_id": {uploadID}}, &orders)
	if err == errNotFound {
		return []domain.Order{}, nil
	}
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	return orders, nil
}
