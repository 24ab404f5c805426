package gemledger

import "time"

// Meter observes ledger and guard events for monitoring/logging.
type Meter interface {
	// OnCharge is called after every deduct, credit or refund round trip.
	OnCharge(event ChargeEvent)

	// OnResult is called when a guarded operation finishes.
	OnResult(event ResultEvent)
}

// ChargeOp names a ledger mutation.
type ChargeOp string

const (
	OpDeduct ChargeOp = "deduct"
	OpCredit ChargeOp = "credit"
	OpRefund ChargeOp = "refund"
)

// Credit reason prefixes for gems returned after a failed generation. The
// feature key follows the prefix.
const (
	ReasonRefund    = "refund:"
	ReasonReconcile = "reconcile:"
)

// ChargeEvent describes one ledger mutation round trip.
type ChargeEvent struct {
	Op       ChargeOp
	UserID   string
	Feature  string
	Amount   int64
	Balance  int64
	Reason   string
	Duration time.Duration
	Error    error
}

// ResultEvent describes the outcome of a guarded operation.
type ResultEvent struct {
	UserID   string
	Feature  string
	Policy   Policy
	Charged  bool
	Amount   int64
	Balance  int64
	Drift    bool
	Kind     FailureKind
	Duration time.Duration
	Error    error
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (m *noopMeter) OnCharge(ChargeEvent) {}
func (m *noopMeter) OnResult(ResultEvent) {}
