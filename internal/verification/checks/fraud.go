package checks

import (
	"fmt"

	"github.com/medflow/rx-verification/internal/verification/domain"
)

// Fraud flag types
const (
	FlagDuplicate     = "DUPLICATE_PRESCRIPTION"
	FlagSharedPatient = "SHARED_ACROSS_PATIENTS"
	FlagFailedCheck   = "FAILED_CHECK"
	FlagAI            = "AI_SIGNAL"
)

// AISignal is the fraud-relevant part of an analysis verdict
type AISignal struct {
	FraudScore float64
	Flags      []string
}

// Fraud combines duplicate detection, failed checks and AI signals into a
// score. Adding failures never lowers the score.
func (e *Evaluator) Fraud(dups *domain.DuplicateReport, results []domain.CheckResult, ai *AISignal) domain.FraudDetection {
	var (
		score float64
		flags []domain.FraudFlag
	)

	if dups != nil && dups.HasDuplicates {
		score += e.cfg.FraudDuplicateWeight
		sev := domain.SeverityError
		if dups.SharedAcrossPatients {
			sev = domain.SeverityCritical
		}
		flags = append(flags, domain.FraudFlag{
			Type:        FlagDuplicate,
			Severity:    sev,
			Description: fmt.Sprintf("%d duplicate upload(s), highest similarity %.0f", dups.DuplicateCount, dups.HighestSimilarity),
		})
	}

	for _, r := range results {
		if r.Passed {
			continue
		}
		w := e.failureWeight(r.Severity)
		if w == 0 {
			continue
		}
		score += w
		flags = append(flags, domain.FraudFlag{
			Type:        FlagFailedCheck,
			Severity:    r.Severity,
			Description: r.Name + ": " + r.Details,
		})
	}

	if ai != nil {
		if ai.FraudScore > score {
			score = ai.FraudScore
		}
		for _, f := range ai.Flags {
			flags = append(flags, domain.FraudFlag{Type: FlagAI, Severity: domain.SeverityWarning, Description: f})
		}
	}

	// A document shared between patients is always at least critical risk.
	if dups != nil && dups.SharedAcrossPatients {
		if score < e.cfg.FraudCriticalThreshold {
			score = e.cfg.FraudCriticalThreshold
		}
		flags = append(flags, domain.FraudFlag{
			Type:        FlagSharedPatient,
			Severity:    domain.SeverityCritical,
			Description: fmt.Sprintf("document also uploaded by %d other patient(s)", len(dups.OtherPatientIDs)),
		})
	}

	if score > 100 {
		score = 100
	}
	if flags == nil {
		flags = []domain.FraudFlag{}
	}
	return domain.FraudDetection{Score: score, RiskLevel: e.RiskLevel(score), Flags: flags}
}

func (e *Evaluator) failureWeight(s domain.Severity) float64 {
	switch s {
	case domain.SeverityCritical:
		return e.cfg.FraudCriticalWeight
	case domain.SeverityError:
		return e.cfg.FraudErrorWeight
	case domain.SeverityWarning:
		return e.cfg.FraudWarningWeight
	}
	return 0
}

// RiskLevel maps a fraud score to its risk tier
func (e *Evaluator) RiskLevel(score float64) domain.RiskLevel {
	switch {
	case score >= e.cfg.FraudCriticalThreshold:
		return domain.RiskCritical
	case score >= e.cfg.FraudHighThreshold:
		return domain.RiskHigh
	case score >= e.cfg.FraudMediumThreshold:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}
