package events_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medflow/rx-verification/internal/verification/domain"
	"github.com/medflow/rx-verification/internal/verification/events"
	"github.com/medflow/rx-verification/pkg/logger"
	"github.com/medflow/rx-verification/pkg/messaging"
	"github.com/medflow/rx-verification/pkg/testutil"
)

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, interface{}) error {
	return errors.New("broker down")
}

func TestPublishTierCompleted(t *testing.T) {
	mock := testutil.NewMockPublisher()
	p := events.New(mock, logger.Nop())

	tier := &domain.TierResult{
		Tier:   2,
		Status: domain.ResultNeedsReview,
		Score:  82,
		Passed: true,
		Checks: []domain.CheckResult{
			{Name: "Doctor Name", Passed: true, Score: 100, Severity: domain.SeverityInfo},
			{Name: "Controlled Substances", Passed: true, Score: 100, Severity: domain.SeverityInfo, ReviewRequired: true},
		},
	}
	p.PublishTierCompleted(context.Background(), "u-1", "run-1", tier)

	evs := mock.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, messaging.EventTier2Completed, evs[0].Type)
	payload, ok := evs[0].Payload.(messaging.TierCompletedEvent)
	require.True(t, ok)
	assert.Equal(t, "NEEDS_REVIEW", payload.Status)
	require.Len(t, payload.Checks, 2)
	assert.Equal(t, "INFO", payload.Checks[1].Severity)
}

func TestLifecycleOrder(t *testing.T) {
	mock := testutil.NewMockPublisher()
	p := events.New(mock, logger.Nop())
	ctx := context.Background()

	u := &domain.Upload{ID: "u-1", PatientID: "p-1", VerificationStatus: domain.StatusPharmacistReview}
	v := &domain.Verification{RunID: "run-1", Fraud: domain.FraudDetection{Score: 30, RiskLevel: domain.RiskMedium}}

	p.PublishStarted(ctx, u, v)
	p.PublishTierCompleted(ctx, u.ID, v.RunID, &domain.TierResult{Tier: 1})
	p.PublishTierCompleted(ctx, u.ID, v.RunID, &domain.TierResult{Tier: 2})
	p.PublishPharmacistRequired(ctx, u, v, nil)
	p.PublishCompleted(ctx, u, v)

	assert.Equal(t, []string{
		messaging.EventVerificationStarted,
		messaging.EventTier1Completed,
		messaging.EventTier2Completed,
		messaging.EventPharmacistRequired,
		messaging.EventVerificationCompleted,
	}, mock.Types())

	required := mock.Events()[3].Payload.(messaging.PharmacistRequiredEvent)
	assert.Equal(t, []string{}, required.Reasons)
	assert.Equal(t, "MEDIUM", required.RiskLevel)
}

func TestPublishFailuresAreSwallowed(t *testing.T) {
	p := events.New(failingPublisher{}, logger.Nop())

	assert.NotPanics(t, func() {
		p.PublishFailed(context.Background(), "u-1", "run-1", domain.VerificationError{Tier: 1, Code: "BLOB_FETCH_FAILED"})
	})
	assert.Error(t, p.PublishRequested(context.Background(), "u-1", 1))
}

func TestNilPublisher(t *testing.T) {
	var p *events.VerificationEventPublisher
	assert.NotPanics(t, func() {
		p.PublishCompleted(context.Background(), &domain.Upload{}, &domain.Verification{})
	})
	assert.NoError(t, p.PublishRequested(context.Background(), "u-1", 1))
}
