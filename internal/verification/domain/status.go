package domain

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ErrInvalidTransition is returned for a status change outside the state machine
var ErrInvalidTransition = errors.New("invalid verification status transition")

var transitions = map[VerificationStatus][]VerificationStatus{
	StatusPending:               {StatusTier1Processing, StatusRejected},
	StatusTier1Processing:       {StatusTier1Passed, StatusTier1Failed, StatusRejected},
	StatusTier1Passed:           {StatusTier2Processing, StatusRejected},
	StatusTier1Failed:           {StatusTier2Processing, StatusRejected, StatusPending},
	StatusTier2Processing:       {StatusTier2Passed, StatusTier2Failed, StatusNeedsReview, StatusRejected},
	StatusTier2Passed:           {StatusApproved, StatusNeedsReview, StatusRejected},
	StatusTier2Failed:           {StatusNeedsReview, StatusRejected, StatusPending},
	StatusNeedsReview:           {StatusPharmacistReview, StatusRejected},
	StatusPharmacistReview:      {StatusApproved, StatusRejected, StatusClarificationNeeded, StatusExpired},
	StatusClarificationNeeded:   {StatusClarificationReceived, StatusRejected, StatusExpired},
	StatusClarificationReceived: {StatusPharmacistReview, StatusRejected},
	StatusApproved:              {StatusExpired},
	StatusRejected:              {StatusPending},
}

// CanTransition reports whether from -> to is an edge of the state machine.
// TIER1_FAILED -> TIER2_PROCESSING exists only for self-issued documents;
// callers guard it.
func CanTransition(from, to VerificationStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionTo moves the upload to status to, stamping at
func (u *Upload) TransitionTo(to VerificationStatus, at time.Time) error {
	if !CanTransition(u.VerificationStatus, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, u.VerificationStatus, to)
	}
	u.VerificationStatus = to
	u.StatusChangedAt = at
	return nil
}

// PrescriptionNumberPattern matches RX-YYYYMMDD-NNNN
var PrescriptionNumberPattern = regexp.MustCompile(`\bRX-(\d{8})-(\d{4})\b`)

// MaxDailySequence is the largest sequence a four digit suffix can hold
const MaxDailySequence = 9999

// FormatPrescriptionNumber renders the human-readable number for the seq-th
// upload of day. The date part is taken in UTC.
func FormatPrescriptionNumber(day time.Time, seq int) (string, error) {
	if seq < 1 || seq > MaxDailySequence {
		return "", fmt.Errorf("prescription sequence %d out of range", seq)
	}
	return fmt.Sprintf("RX-%s-%04d", day.UTC().Format("20060102"), seq), nil
}
