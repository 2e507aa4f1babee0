package clients

import (
	"context"
	"net/url"
	"time"

	"github.com/medflow/rx-verification/internal/verification/checks"
	"github.com/medflow/rx-verification/pkg/logger"
)

// PrescriptionClient looks up prescriptions this platform issued itself
type PrescriptionClient struct {
	base
}

// NewPrescriptionClient creates a prescription registry client
func NewPrescriptionClient(baseURL string, timeout time.Duration, log *logger.Logger) *PrescriptionClient {
	return &PrescriptionClient{base: newBase(baseURL, "prescription service", timeout, log)}
}

type issuedPrescription struct {
	Reference   string `json:"reference"`
	Medications []struct {
		Name string `json:"name"`
	} `json:"medications"`
}

// FindByReference resolves an RX-YYYYMMDD-NNNN reference to the record it
// was issued with. An unknown reference is returned with Found false.
func (c *PrescriptionClient) FindByReference(ctx context.Context, ref string) (*checks.PlatformRecord, error) {
	var issued issuedPrescription
	err := c.get(ctx, "/api/v1/prescriptions/"+url.PathEscape(ref), nil, &issued)
	if err == errNotFound {
		return &checks.PlatformRecord{Reference: ref}, nil
	}
	if err != nil {
		return nil, err
	}

	rec := &checks.PlatformRecord{Reference: ref, Found: true, Medications: make([]string, 0, len(issued.Medications))}
	for _, m := range issued.Medications {
		rec.Medications = append(rec.Medications, m.Name)
	}
	return rec, nil
}
