package rbac

import (
	"context"

	"github.com/sokoflow/backend/internal/apperr"
)

type userSource interface {
	GetUser(ctx context.Context, userID string) (*User, error)
}

// ValidateFourEyes enforces that an approval involves two distinct,
// existing, active users. Violations are typed FOUR_EYES_VIOLATION so the
// API layer can surface 409 and the caller can audit both ids.
func ValidateFourEyes(ctx context.Context, users userSource, initiatorID, approverID string) error {
	if initiatorID == "" || approverID == "" {
		return apperr.New(apperr.CodeFourEyesViolation, "initiator and approver are required").
			WithDetail("initiator_id", initiatorID).
			WithDetail("approver_id", approverID)
	}
	if initiatorID == approverID {
		return apperr.New(apperr.CodeFourEyesViolation, "approver must differ from initiator").
			WithDetail("initiator_id", initiatorID).
			WithDetail("approver_id", approverID)
	}
	for _, id := range []string{initiatorID, approverID} {
		u, err := users.GetUser(ctx, id)
		if err != nil {
			return apperr.Wrap(apperr.CodeFourEyesViolation, "participant lookup failed", err).
				WithDetail("user_id", id)
		}
		if !u.IsActive {
			return apperr.New(apperr.CodeFourEyesViolation, "participant is not active").
				WithDetail("user_id", id)
		}
	}
	return nil
}
