package gemledger

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrInsufficientFunds = errors.New("gemledger: insufficient gems")
	ErrStoreUnavailable  = errors.New("gemledger: balance store unavailable")
	ErrGenerationFailed  = errors.New("gemledger: generation failed")
	ErrEmptyResult       = errors.New("gemledger: generation returned no output")
	ErrRefundFailed      = errors.New("gemledger: refund failed")
	ErrNoSession         = errors.New("gemledger: no signed-in user")
	ErrBusy              = errors.New("gemledger: operation already in progress")
	ErrInvalidAmount     = errors.New("gemledger: amount must be positive")
	ErrUnknownUser       = errors.New("gemledger: unknown user")
)

// FailureKind classifies errors for the caller's next action.
type FailureKind int

const (
	KindNone FailureKind = iota
	KindInsufficientFunds
	KindTransientStore
	KindGenerationFailure
	KindRefundFailure
	KindDriftAsymmetry
	KindBusy
	KindNoSession
	KindUnknown
)

func (k FailureKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindTransientStore:
		return "transient_store"
	case KindGenerationFailure:
		return "generation_failure"
	case KindRefundFailure:
		return "refund_failure"
	case KindDriftAsymmetry:
		return "drift_asymmetry"
	case KindBusy:
		return "busy"
	case KindNoSession:
		return "no_session"
	default:
		return "unknown"
	}
}

// SpendError wraps a guarded-operation failure with spend context.
type SpendError struct {
	Kind    FailureKind
	UserID  string
	Feature string
	Policy  Policy
	Charged bool // gems are still deducted (only for KindRefundFailure)
	Err     error
}

func (e *SpendError) Error() string {
	return fmt.Sprintf("gemledger: kind=%s user=%s feature=%s policy=%s charged=%t: %v",
		e.Kind, e.UserID, e.Feature, e.Policy, e.Charged, e.Err)
}

func (e *SpendError) Unwrap() error {
	return e.Err
}

// KindOf maps err to its failure kind. Refund failures win over generation
// failures because the user has paid and needs support, not a retry.
func KindOf(err error) FailureKind {
	if err == nil {
		return KindNone
	}
	var se *SpendError
	if errors.As(err, &se) && se.Kind != KindNone {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrRefundFailed):
		return KindRefundFailure
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrGenerationFailed), errors.Is(err, ErrEmptyResult):
		return KindGenerationFailure
	case errors.Is(err, ErrStoreUnavailable):
		return KindTransientStore
	case errors.Is(err, ErrBusy):
		return KindBusy
	case errors.Is(err, ErrNoSession):
		return KindNoSession
	default:
		return KindUnknown
	}
}

// UserMessage returns the user-facing text for err. Each kind gets its own
// message since the required next action differs.
func UserMessage(err error) string {
	switch KindOf(err) {
	case KindNone:
		return ""
	case KindInsufficientFunds:
		return "Not enough gems for this action. Top up to continue."
	case KindTransientStore:
		return "We could not reach your gem balance. Please try again."
	case KindGenerationFailure:
		return "Generation failed. You were not charged; please try again."
	case KindRefundFailure:
		return "Generation failed and your gems could not be refunded automatically. Please contact support."
	case KindDriftAsymmetry:
		return "Your result is ready, but the charge could not be recorded."
	case KindBusy:
		return "This action is already running."
	case KindNoSession:
		return "Please sign in to continue."
	default:
		return "Something went wrong."
	}
}

// IsRetryable reports whether a read that failed with err may be retried.
// Ledger mutations are never retried automatically.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrUnknownUser) || errors.Is(err, ErrInvalidAmount) {
		return false
	}
	return errors.Is(err, ErrStoreUnavailable) || KindOf(err) == KindUnknown
}

// storeErr tags a raw store error as transient unless it already carries a
// ledger meaning.
func storeErr(op string, err error) error {
	if errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrUnknownUser) || errors.Is(err, ErrInvalidAmount) {
		return fmt.Errorf("gemledger: %s: %w", op, err)
	}
	return fmt.Errorf("gemledger: %s: %w: %w", op, ErrStoreUnavailable, err)
}
