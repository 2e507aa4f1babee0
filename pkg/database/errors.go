package database

import (
	stderrors "errors"
	"strings"

	"github.com/lib/pq"
	"github.com/medflow/rx-verification/pkg/errors"
)

// MapPQError converts a PostgreSQL error to an AppError with meaningful messages.
// Returns nil if the error is not a pq.Error.
func MapPQError(err error) *errors.AppError {
	var pqErr *pq.Error
	if !stderrors.As(err, &pqErr) {
		return nil
	}

	switch pqErr.Code {
	case "23514":
		return mapCheckConstraint(pqErr)

	case "23505":
		return errors.Conflict(formatUniqueMessage(pqErr))

	case "23503":
		return errors.BadRequest("referenced record does not exist")

	case "23502":
		col := pqErr.Column
		if col == "" {
			col = "required field"
		}
		return errors.Validation(map[string]string{
			col: "must not be empty",
		})

	default:
		return nil
	}
}

func mapCheckConstraint(pqErr *pq.Error) *errors.AppError {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "usage_within_max"):
		return errors.UsageExhausted()
	case strings.Contains(constraint, "fraud_score_range"):
		return errors.Validation(map[string]string{
			"fraud_score": "must be between 0 and 100",
		})
	default:
		return errors.BadRequest("data validation failed: " + constraint)
	}
}

func formatUniqueMessage(pqErr *pq.Error) string {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "rx_number"):
		return "a prescription with this number already exists"
	case strings.Contains(constraint, "verifications_upload"):
		return "a verification already exists for this upload"
	case strings.Contains(constraint, "fingerprints_upload"):
		return "a fingerprint already exists for this upload"
	default:
		return "a record with these values already exists"
	}
}

