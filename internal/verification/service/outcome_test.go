package service_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/medflow/rx-verification/internal/verification/checks"
	"github.com/medflow/rx-verification/internal/verification/domain"
	"github.com/medflow/rx-verification/internal/verification/service"
	"github.com/medflow/rx-verification/pkg/config"
	"github.com/medflow/rx-verification/pkg/i18n"
)

func tier(n int, status domain.OverallResult, score float64, results ...domain.CheckResult) *domain.TierResult {
	return &domain.TierResult{
		Tier:   n,
		Status: status,
		Score:  score,
		Passed: status != domain.ResultFailed,
		Checks: results,
	}
}

func fraud(score float64, level domain.RiskLevel) domain.FraudDetection {
	return domain.FraudDetection{Score: score, RiskLevel: level, Flags: []domain.FraudFlag{}}
}

func TestOverallScore(t *testing.T) {
	cfg := config.DefaultVerificationConfig()

	assert.InDelta(t, 93.0, service.OverallScore(cfg, tier(1, domain.ResultPassed, 100), tier(2, domain.ResultPassed, 90)), 0.001)
	assert.InDelta(t, 30.0, service.OverallScore(cfg, tier(1, domain.ResultPassed, 100), nil), 0.001)
	assert.Zero(t, service.OverallScore(cfg, nil, nil))
}

func TestDecide(t *testing.T) {
	cfg := config.DefaultVerificationConfig()
	reviewCheck := domain.CheckResult{Name: checks.DuplicateDetect, ReviewRequired: true}

	tests := []struct {
		name string
		in   service.Assessment
		want domain.OverallResult
	}{
		{
			name: "high score and low fraud approves",
			in:   service.Assessment{Tier1: tier(1, domain.ResultPassed, 100), Tier2: tier(2, domain.ResultPassed, 95), Fraud: fraud(5, domain.RiskLow), OverallScore: 96.5},
			want: domain.ResultPassed,
		},
		{
			name: "middle score goes to review",
			in:   service.Assessment{Tier1: tier(1, domain.ResultPassed, 90), Tier2: tier(2, domain.ResultPassed, 78), Fraud: fraud(30, domain.RiskMedium), OverallScore: 82},
			want: domain.ResultNeedsReview,
		},
		{
			name: "high score with medium fraud goes to review",
			in:   service.Assessment{Tier1: tier(1, domain.ResultPassed, 100), Tier2: tier(2, domain.ResultPassed, 95), Fraud: fraud(30, domain.RiskMedium), OverallScore: 96.5},
			want: domain.ResultNeedsReview,
		},
		{
			name: "low score rejects",
			in:   service.Assessment{Tier1: tier(1, domain.ResultPassed, 60), Tier2: tier(2, domain.ResultPassed, 40), Fraud: fraud(10, domain.RiskLow), OverallScore: 46},
			want: domain.ResultFailed,
		},
		{
			name: "failed tier 2 rejects",
			in:   service.Assessment{Tier1: tier(1, domain.ResultPassed, 90), Tier2: tier(2, domain.ResultFailed, 40), Fraud: fraud(10, domain.RiskLow), OverallScore: 55},
			want: domain.ResultFailed,
		},
		{
			name: "failed tier 2 on a platform document goes to review",
			in:   service.Assessment{Tier1: tier(1, domain.ResultPassed, 90), Tier2: tier(2, domain.ResultFailed, 40), Fraud: fraud(10, domain.RiskLow), OverallScore: 55, TrustedSource: true},
			want: domain.ResultNeedsReview,
		},
		{
			name: "tier 2 asking for review",
			in:   service.Assessment{Tier1: tier(1, domain.ResultPassed, 100), Tier2: tier(2, domain.ResultNeedsReview, 99), Fraud: fraud(0, domain.RiskLow), OverallScore: 99},
			want: domain.ResultNeedsReview,
		},
		{
			name: "tier 1 asking for review",
			in:   service.Assessment{Tier1: tier(1, domain.ResultPassed, 92, reviewCheck), Tier2: tier(2, domain.ResultPassed, 99), Fraud: fraud(5, domain.RiskLow), OverallScore: 97},
			want: domain.ResultNeedsReview,
		},
		{
			name: "high risk is never automatic",
			in:   service.Assessment{Tier1: tier(1, domain.ResultPassed, 100), Tier2: tier(2, domain.ResultPassed, 30), Fraud: fraud(55, domain.RiskHigh), OverallScore: 51},
			want: domain.ResultNeedsReview,
		},
		{
			name: "overridden tier 1 is never auto-approved",
			in:   service.Assessment{Tier1: tier(1, domain.ResultFailed, 46), Tier2: tier(2, domain.ResultPassed, 100), Fraud: fraud(0, domain.RiskLow), OverallScore: 83.8, TrustedSource: true, Overridden: true},
			want: domain.ResultNeedsReview,
		},
		{
			name: "missing tier 2 rejects",
			in:   service.Assessment{Tier1: tier(1, domain.ResultFailed, 40), Fraud: fraud(10, domain.RiskLow), OverallScore: 12},
			want: domain.ResultFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, service.Decide(cfg, tt.in))
		})
	}
}

func TestReviewReasons(t *testing.T) {
	cfg := config.DefaultVerificationConfig()

	t.Run("lists checks asking for review", func(t *testing.T) {
		reasons := service.ReviewReasons(cfg, service.Assessment{
			Tier2: tier(2, domain.ResultNeedsReview, 95, domain.CheckResult{
				Name: checks.Controlled, Details: "controlled: Oxycodone", ReviewRequired: true,
			}),
			Fraud: fraud(60, domain.RiskHigh),
		})
		assert.Equal(t, []string{
			"Controlled Substances: controlled: Oxycodone",
			"fraud risk HIGH (score 60)",
		}, reasons)
	})

	t.Run("never empty", func(t *testing.T) {
		reasons := service.ReviewReasons(cfg, service.Assessment{
			Tier2:        tier(2, domain.ResultPassed, 80),
			Fraud:        fraud(30, domain.RiskMedium),
			OverallScore: 82,
		})
		assert.Equal(t, []string{"overall score 82, fraud score 30"}, reasons)
	})
}

func TestRejectionMessage(t *testing.T) {
	cfg := config.DefaultVerificationConfig()
	l := i18n.NewLocalizer("en")

	failed := func(name string, sev domain.Severity) domain.CheckResult {
		return domain.CheckResult{Name: name, Severity: sev}
	}

	tests := []struct {
		name    string
		results []domain.CheckResult
		fraud   domain.FraudDetection
		want    string
	}{
		{
			name:    "most severe check wins",
			results: []domain.CheckResult{failed(checks.TextLength, domain.SeverityError), failed(checks.AlreadyUsed, domain.SeverityCritical)},
			want:    l.T("rejection.already_used"),
		},
		{
			name:    "earliest check wins ties",
			results: []domain.CheckResult{failed(checks.OCRConfidence, domain.SeverityError), failed(checks.TextLength, domain.SeverityError)},
			want:    l.T("rejection.ocr_confidence"),
		},
		{
			name:    "file size names the limit",
			results: []domain.CheckResult{failed(checks.FileSize, domain.SeverityError)},
			want:    l.T("rejection.file_size", map[string]string{"limit": "10MB"}),
		},
		{
			name:    "prescription date names the age limit",
			results: []domain.CheckResult{failed(checks.PrescriptionDate, domain.SeverityError)},
			want:    l.T("rejection.prescription_date", map[string]string{"days": "180"}),
		},
		{
			name: "degraded checks are not a reason",
			results: []domain.CheckResult{
				{Name: checks.AIAnalysis, Severity: domain.SeverityWarning, Degraded: true},
				failed(checks.DigitalSignature, domain.SeverityWarning),
			},
			want: l.T("rejection.digital_signature"),
		},
		{
			name:  "fraud flags without a failed check",
			fraud: domain.FraudDetection{Flags: []domain.FraudFlag{{Type: checks.FlagDuplicate, Severity: domain.SeverityError}}},
			want:  l.T("rejection.fraud"),
		},
		{
			name: "generic fallback",
			want: l.T("rejection.generic"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := service.RejectionMessage(l, cfg, tt.results, tt.fraud)
			assert.Equal(t, tt.want, got)
			assert.NotEmpty(t, got)
		})
	}
}
