package gemledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const usageLogTimeout = 10 * time.Second

// SpendRequest describes one paid generation attempt.
type SpendRequest struct {
	Feature   string
	Input     json.RawMessage
	InputRefs []string
	Policy    *Policy // overrides the selector when set
}

// Outcome is what the caller shows after a guarded spend, successful or not.
type Outcome struct {
	Result  GenerationResult
	Policy  Policy
	Charged bool  // the attempt cost the user gems
	Amount  int64 // gems charged when Charged
	Balance int64 // latest balance known to the ledger
	Drift   bool  // deduct-after generation succeeded but the charge failed
}

// Guard wraps generation calls with gem accounting so that the user is
// charged if and only if generation succeeds.
type Guard struct {
	ledger   *Ledger
	policies PolicySelector
	usage    UsageLogger
	journal  SpendJournal
	meter    Meter
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithPolicySelector sets how a feature's spend policy is chosen.
func WithPolicySelector(p PolicySelector) GuardOption {
	return func(g *Guard) { g.policies = p }
}

// WithUsageLogger sets the usage log sink.
func WithUsageLogger(u UsageLogger) GuardOption {
	return func(g *Guard) { g.usage = u }
}

// WithSpendJournal records pending deduct-first spends durably.
func WithSpendJournal(j SpendJournal) GuardOption {
	return func(g *Guard) { g.journal = j }
}

// WithGuardMeter sets the meter for guarded operation results.
func WithGuardMeter(m Meter) GuardOption {
	return func(g *Guard) { g.meter = m }
}

// WithGuardLogger sets the logger for best-effort side effects.
func WithGuardLogger(l zerolog.Logger) GuardOption {
	return func(g *Guard) { g.logger = l }
}

// NewGuard creates a Guard over ledger. Features deduct first unless a
// policy selector says otherwise.
func NewGuard(ledger *Ledger, opts ...GuardOption) (*Guard, error) {
	if ledger == nil {
		return nil, fmt.Errorf("gemledger: ledger is required")
	}

	g := &Guard{
		ledger:   ledger,
		logger:   zerolog.Nop(),
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.policies == nil {
		g.policies = defaultPolicySelector{}
	}
	if g.usage == nil {
		g.usage = noopUsageLogger{}
	}
	if g.meter == nil {
		g.meter = ledger.meter
	}

	return g, nil
}

// Run performs one guarded spend for the ledger's signed-in user.
// A second Run for the same user and feature fails with ErrBusy while the
// first is outstanding. Errors are *SpendError; the Outcome is meaningful
// in both cases.
func (g *Guard) Run(ctx context.Context, req SpendRequest, gen Generator) (Outcome, error) {
	pol := g.policies.PolicyFor(req.Feature)
	if req.Policy != nil {
		pol = *req.Policy
	}

	userID, epoch := g.ledger.session()
	if userID == "" {
		return Outcome{Policy: pol}, &SpendError{Kind: KindNoSession, Feature: req.Feature, Policy: pol, Err: ErrNoSession}
	}

	key := userID + "\x00" + req.Feature
	if !g.acquire(key) {
		return g.outcome(pol), &SpendError{Kind: KindBusy, UserID: userID, Feature: req.Feature, Policy: pol, Err: ErrBusy}
	}
	defer g.release(key)

	r := &run{
		g:       g,
		userID:  userID,
		epoch:   epoch,
		req:     req,
		gen:     gen,
		start:   g.now(),
		outcome: Outcome{Policy: pol},
	}

	var err error
	if err = r.precheck(ctx); err == nil {
		switch pol {
		case PolicyDeductAfter:
			err = r.deductAfter(ctx)
		default:
			err = r.deductFirst(ctx)
		}
	}

	r.report(err)
	return r.outcome, err
}

// run holds the state of one guarded spend.
type run struct {
	g       *Guard
	userID  string
	epoch   uint64
	req     SpendRequest
	gen     Generator
	start   time.Time
	outcome Outcome
}

func (r *run) precheck(ctx context.Context) error {
	if _, ok := r.g.ledger.Balance(); !ok {
		if err := r.g.ledger.Refresh(ctx); err != nil {
			return r.fail(KindOf(err), false, err)
		}
	}
	r.outcome.Balance = r.g.balance()

	if !r.g.ledger.CanAfford(r.req.Feature) {
		return r.fail(KindInsufficientFunds, false, ErrInsufficientFunds)
	}
	return nil
}

func (r *run) deductFirst(ctx context.Context) error {
	charge, err := r.g.ledger.deductFor(ctx, r.userID, r.epoch, r.req.Feature)
	if err != nil {
		return r.fail(KindOf(err), false, err)
	}
	r.outcome.Charged = true
	r.outcome.Amount = charge.Amount
	r.outcome.Balance = charge.Balance

	if !r.g.ledger.bound(r.userID, r.epoch) {
		// The session changed while the deduct was in flight.
		return r.abandon(ctx, charge)
	}

	pendingID := r.g.beginPending(ctx, charge)

	res, genErr := r.generate(ctx)
	if genErr != nil {
		if !r.g.claimPending(ctx, pendingID, PendingOpen, PendingRefunding) {
			// The reconciler already claimed the refund.
			r.outcome.Charged = false
			r.outcome.Amount = 0
			r.outcome.Balance = r.g.balance()
			return r.fail(KindGenerationFailure, false, genErr)
		}

		balance, refundErr := r.g.ledger.Refund(ctx, charge)
		if refundErr != nil {
			r.g.claimPending(ctx, pendingID, PendingRefunding, PendingRefundFailed)
			r.g.logger.Error().Err(refundErr).
				Str("user", charge.UserID).
				Str("feature", charge.Feature).
				Int64("amount", charge.Amount).
				Str("charge_id", charge.ID).
				Msg("refund after failed generation did not land")
			return r.fail(KindRefundFailure, true, fmt.Errorf("%w (generation: %v)", refundErr, genErr))
		}
		r.g.claimPending(ctx, pendingID, PendingRefunding, PendingRefunded)
		r.outcome.Charged = false
		r.outcome.Amount = 0
		r.outcome.Balance = balance
		return r.fail(KindGenerationFailure, false, genErr)
	}

	if !r.g.claimPending(ctx, pendingID, PendingOpen, PendingSettled) {
		r.g.logger.Warn().
			Str("user", charge.UserID).
			Str("feature", charge.Feature).
			Str("charge_id", charge.ID).
			Msg("spend settled after the reconciler refunded it")
	}
	r.outcome.Result = res
	r.g.logUsage(ctx, r.userID, r.req, res)
	return nil
}

// abandon returns a charge taken for a user who is no longer signed in,
// before anything is generated for them.
func (r *run) abandon(ctx context.Context, charge Charge) error {
	balance, err := r.g.ledger.Refund(ctx, charge)
	if err != nil {
		r.g.logger.Error().Err(err).
			Str("user", charge.UserID).
			Str("feature", charge.Feature).
			Int64("amount", charge.Amount).
			Str("charge_id", charge.ID).
			Msg("refund after sign-out did not land")
		return r.fail(KindRefundFailure, true, fmt.Errorf("%w (%v)", err, ErrNoSession))
	}
	r.outcome.Charged = false
	r.outcome.Amount = 0
	r.outcome.Balance = balance
	return r.fail(KindNoSession, false, ErrNoSession)
}

func (r *run) deductAfter(ctx context.Context) error {
	res, genErr := r.generate(ctx)
	if genErr != nil {
		return r.fail(KindGenerationFailure, false, genErr)
	}
	r.outcome.Result = res

	charge, err := r.g.ledger.deductFor(ctx, r.userID, r.epoch, r.req.Feature)
	if err != nil {
		// The user keeps a free result; record it for reconciliation.
		// A session that changed mid-generation lands here too.
		r.outcome.Drift = true
		r.outcome.Balance = r.g.balance()
		r.g.logger.Warn().Err(err).
			Str("user", r.userID).
			Str("feature", r.req.Feature).
			Str("kind", KindDriftAsymmetry.String()).
			Msg("charge after successful generation failed")
	} else {
		r.outcome.Charged = true
		r.outcome.Amount = charge.Amount
		r.outcome.Balance = charge.Balance
	}

	r.g.logUsage(ctx, r.userID, r.req, res)
	return nil
}

func (r *run) generate(ctx context.Context) (GenerationResult, error) {
	res, err := r.gen.Generate(ctx, GenerationRequest{
		UserID:    r.userID,
		Feature:   r.req.Feature,
		Input:     r.req.Input,
		InputRefs: r.req.InputRefs,
	})
	if err == nil && res.Empty() {
		err = ErrEmptyResult
	}
	if err != nil {
		if errors.Is(err, ErrGenerationFailed) || errors.Is(err, ErrEmptyResult) {
			return GenerationResult{}, err
		}
		return GenerationResult{}, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	return res, nil
}

func (r *run) fail(kind FailureKind, charged bool, err error) error {
	return &SpendError{
		Kind:    kind,
		UserID:  r.userID,
		Feature: r.req.Feature,
		Policy:  r.outcome.Policy,
		Charged: charged,
		Err:     err,
	}
}

func (r *run) report(err error) {
	kind := KindOf(err)
	if err == nil && r.outcome.Drift {
		kind = KindDriftAsymmetry
	}
	r.g.meter.OnResult(ResultEvent{
		UserID:   r.userID,
		Feature:  r.req.Feature,
		Policy:   r.outcome.Policy,
		Charged:  r.outcome.Charged,
		Amount:   r.outcome.Amount,
		Balance:  r.outcome.Balance,
		Drift:    r.outcome.Drift,
		Kind:     kind,
		Duration: r.g.now().Sub(r.start),
		Error:    err,
	})
}

func (g *Guard) acquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inflight[key]; busy {
		return false
	}
	g.inflight[key] = struct{}{}
	return true
}

func (g *Guard) release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inflight, key)
}

func (g *Guard) outcome(pol Policy) Outcome {
	return Outcome{Policy: pol, Balance: g.balance()}
}

func (g *Guard) balance() int64 {
	b, _ := g.ledger.Balance()
	return b
}

// beginPending journals an open spend. A journal failure is logged and the
// spend continues without a durable record.
func (g *Guard) beginPending(ctx context.Context, charge Charge) string {
	if g.journal == nil {
		return ""
	}
	now := g.now()
	err := g.journal.Begin(ctx, PendingSpend{
		ID:        charge.ID,
		UserID:    charge.UserID,
		Feature:   charge.Feature,
		Amount:    charge.Amount,
		State:     PendingOpen,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		g.logger.Warn().Err(err).Str("charge_id", charge.ID).Msg("pending spend not journaled")
		return ""
	}
	return charge.ID
}

// claimPending moves a journaled spend between states. It reports true when
// there is no journal entry to move or the journal failed, so the caller
// falls back to the unjournaled protocol.
func (g *Guard) claimPending(ctx context.Context, id string, from, to PendingState) bool {
	if g.journal == nil || id == "" {
		return true
	}
	ok, err := g.journal.Transition(context.WithoutCancel(ctx), id, from, to)
	if err != nil {
		g.logger.Warn().Err(err).Str("charge_id", id).Str("state", string(to)).Msg("pending spend not updated")
		return true
	}
	return ok
}

// logUsage writes a usage entry. Failures never undo the spend.
func (g *Guard) logUsage(ctx context.Context, userID string, req SpendRequest, res GenerationResult) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), usageLogTimeout)
	defer cancel()

	entry := UsageEntry{
		ID:         uuid.New().String(),
		UserID:     userID,
		FeatureKey: req.Feature,
		InputRefs:  req.InputRefs,
		OutputRefs: res.OutputRefs,
		Timestamp:  g.now().UTC(),
	}
	if err := g.usage.LogUsage(ctx, entry); err != nil {
		g.logger.Warn().Err(err).Str("user", userID).Str("feature", req.Feature).Msg("usage log write failed")
	}
}
