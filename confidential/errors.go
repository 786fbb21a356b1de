package confidential

import "errors"

// The error taxonomy shared by every component of the coordinator. All
// domain failures are returned as these sentinels (optionally wrapped with
// context via fmt.Errorf and %w) and never signaled through panics, logs,
// or response-shape differences that could leak a confidential branch.
//
// ErrInvalidStateTransition and ErrPermissionDenied are deliberately carried
// through the same result path and rendered identically at the HTTP
// boundary: a caller able to tell "wrong state" from "not permitted" could
// learn the outcome of a hidden match.
var (
	// ErrProofInvalid indicates a binding proof that does not verify
	// against the engine's attestation key.
	ErrProofInvalid = errors.New("binding proof invalid")

	// ErrBindingMismatch indicates a valid proof whose context pair does
	// not match this coordinator instance and the admitting caller.
	ErrBindingMismatch = errors.New("binding context mismatch")

	// ErrPermissionDenied indicates a caller lacking the capability the
	// operation requires.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrEntityNotFound indicates an unknown request, payment, handle, or
	// participant identifier.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrInvalidStateTransition indicates an operation not permitted by
	// the entity's current status.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrWidthMismatch indicates operands of different bit widths handed
	// to a width-aware primitive. This is a programmer error in the
	// caller; a correct caller never triggers it.
	ErrWidthMismatch = errors.New("operand width mismatch")

	// ErrAmountOutOfRange indicates a deposit outside the configured
	// payment bounds, or a rating score outside the rating domain.
	ErrAmountOutOfRange = errors.New("amount out of range")

	// ErrSelfDealingNotAllowed indicates an operation where the two
	// parties must differ but do not.
	ErrSelfDealingNotAllowed = errors.New("self-dealing not allowed")

	// ErrDuplicateRating indicates a second rating for the same
	// (delivery, rater, rated) triple.
	ErrDuplicateRating = errors.New("duplicate rating")

	// ErrNoRatings indicates an average requested for a participant with
	// no ratings.
	ErrNoRatings = errors.New("no ratings")

	// ErrLocationMismatch indicates a courier whose location failed the
	// proximity gate during delivery acceptance.
	ErrLocationMismatch = errors.New("courier location outside pickup range")

	// ErrGrantRetained indicates a revoke that would strip a completed
	// workflow's legitimate party of its decrypt capability.
	ErrGrantRetained = errors.New("grant retained for completed workflow")
)
