// Package settlement drives one taker's attempt to settle a listed order
// against the external ledger: check funds, approve, transfer.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/glwdesk/pkg/app/core/orderbook"
	"github.com/uhyunpark/glwdesk/pkg/ledger"
	"github.com/uhyunpark/glwdesk/pkg/util"
)

// Book is the part of the order book a workflow touches.
type Book interface {
	Contains(id string) bool
	Hold(id string) error
	Release(id string)
	Claim(id, attempt string) error
	Unclaim(id, attempt string)
	Remove(id string, side orderbook.Side) (orderbook.Order, error)
}

// Leg is the single ledger movement that settles the order: Payer sends
// Amount to Payee after granting Spender an allowance of Amount.
type Leg struct {
	Client  ledger.Client
	Asset   string
	Payer   common.Address
	Payee   common.Address
	Spender common.Address
	Amount  *big.Int
}

type Hooks struct {
	// OnTransition sees every state change, in order, outside the lock.
	OnTransition func(Attempt)
	// OnCompleted fires once, before the Completed transition, with the
	// order exactly as it was removed from the book.
	OnCompleted func(Attempt, orderbook.Order)
}

type Config struct {
	ID          string
	Order       orderbook.Order
	Leg         Leg
	Book        Book
	Fee         decimal.Decimal
	CallTimeout time.Duration
	Clock       util.Clock
	Logger      *zap.SugaredLogger
	Hooks       Hooks
}

type notice struct {
	attempt Attempt
	removed *orderbook.Order
}

// Workflow is the explicit state machine for one attempt. State only
// changes inside its methods; at most one ledger call is outstanding.
type Workflow struct {
	cfg Config

	mu        sync.Mutex
	state     State
	lastErr   *Failure
	busy      bool // ledger call outstanding
	stale     bool // order vanished while busy
	held      bool // holds the order in the book while Executing
	closed    bool
	reference string
	started   time.Time
	updated   time.Time
	notices   []notice
}

func New(cfg Config) (*Workflow, error) {
	switch {
	case cfg.ID == "":
		return nil, errors.New("settlement: empty attempt id")
	case cfg.Book == nil || cfg.Leg.Client == nil:
		return nil, errors.New("settlement: book and ledger client are required")
	case cfg.Leg.Amount == nil || cfg.Leg.Amount.Sign() <= 0:
		return nil, fmt.Errorf("settlement: required amount must be positive, got %v", cfg.Leg.Amount)
	case cfg.Leg.Payer == cfg.Leg.Payee:
		return nil, errors.New("settlement: payer and payee are the same account")
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	cfg.Logger = cfg.Logger.With("attempt", cfg.ID, "order", cfg.Order.ID)

	now := cfg.Clock.Now()
	return &Workflow{
		cfg:     cfg,
		state:   CheckingFunds,
		started: now,
		updated: now,
	}, nil
}

func (w *Workflow) ID() string                   { return w.cfg.ID }
func (w *Workflow) Order() orderbook.Order       { return w.cfg.Order }
func (w *Workflow) Counterparty() common.Address { return w.cfg.Leg.Payer }

func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Workflow) Snapshot() Attempt {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

// CheckFunds reads the payer's balance and allowance and routes to
// AwaitingApproval or Executing.
func (w *Workflow) CheckFunds(ctx context.Context) error {
	w.mu.Lock()
	if err := w.beginLocked(CheckingFunds); err != nil {
		w.unlock()
		return err
	}
	w.busy = true
	w.lastErr = nil
	w.setStateLocked(CheckingFunds)
	w.unlock()

	leg := w.cfg.Leg
	var allowance *big.Int
	balance, err := w.call(ctx, func(ctx context.Context) (*big.Int, error) {
		return leg.Client.BalanceOf(ctx, leg.Payer)
	})
	if err == nil {
		allowance, err = w.call(ctx, func(ctx context.Context) (*big.Int, error) {
			return leg.Client.AllowanceOf(ctx, leg.Payer, leg.Spender)
		})
	}

	w.mu.Lock()
	defer w.unlock()
	if w.endCallLocked() {
		return w.lastErr
	}
	if err != nil {
		return w.failLocked(classify(err, CheckingFunds, ReasonLedgerError))
	}
	if balance.Cmp(leg.Amount) < 0 {
		return w.failLocked(&Failure{
			Reason: ReasonInsufficientBalance,
			Resume: CheckingFunds,
			Err:    fmt.Errorf("%s balance %s below required %s", leg.Asset, balance, leg.Amount),
		})
	}
	if allowance.Cmp(leg.Amount) < 0 {
		w.setStateLocked(AwaitingApproval)
		return nil
	}
	return w.enterExecutingLocked()
}

// Approve grants the spender exactly the required amount, then re-reads
// the allowance to confirm it took effect.
func (w *Workflow) Approve(ctx context.Context) error {
	w.mu.Lock()
	if err := w.beginLocked(AwaitingApproval); err != nil {
		w.unlock()
		return err
	}
	w.busy = true
	w.lastErr = nil
	w.setStateLocked(Approving)
	w.unlock()

	leg := w.cfg.Leg
	var (
		rcpt      ledger.Receipt
		allowance *big.Int
		readErr   error
	)
	cctx, cancel := w.callContext(ctx)
	rcpt, err := leg.Client.Approve(cctx, leg.Spender, leg.Amount)
	cancel()
	if err == nil {
		allowance, readErr = w.call(ctx, func(ctx context.Context) (*big.Int, error) {
			return leg.Client.AllowanceOf(ctx, leg.Payer, leg.Spender)
		})
	}

	w.mu.Lock()
	defer w.unlock()
	if w.endCallLocked() {
		return w.lastErr
	}
	if err != nil {
		return w.failLocked(classify(err, AwaitingApproval, ReasonApprovalRejected))
	}
	w.cfg.Logger.Infow("approval_confirmed", "spender", leg.Spender.Hex(), "amount", leg.Amount.String(), "tx", rcpt.Reference())
	if readErr != nil {
		return w.failLocked(classify(readErr, AwaitingApproval, ReasonLedgerError))
	}
	if allowance.Cmp(leg.Amount) < 0 {
		w.lastErr = &Failure{
			Reason:      ReasonApprovalInsufficient,
			Recoverable: true,
			Resume:      AwaitingApproval,
			Err:         fmt.Errorf("allowance %s below required %s after approval", allowance, leg.Amount),
		}
		w.setStateLocked(AwaitingApproval)
		return w.lastErr
	}
	return w.enterExecutingLocked()
}

// Execute re-reads the allowance and submits the transfer. Only one
// attempt per order may have a transfer in flight.
func (w *Workflow) Execute(ctx context.Context) error {
	w.mu.Lock()
	if err := w.beginLocked(Executing); err != nil {
		w.unlock()
		return err
	}
	id := w.cfg.Order.ID
	tookHold := false
	if !w.held {
		if err := w.cfg.Book.Hold(id); err != nil {
			err = w.failLocked(unavailable(err))
			w.unlock()
			return err
		}
		w.held, tookHold = true, true
	}
	if err := w.cfg.Book.Claim(id, w.cfg.ID); err != nil {
		if errors.Is(err, orderbook.ErrNotFound) {
			err = w.failLocked(unavailable(err))
			w.unlock()
			return err
		}
		if tookHold {
			w.releaseHoldLocked()
		}
		w.unlock()
		return err
	}
	w.busy = true
	w.lastErr = nil
	w.setStateLocked(Executing)
	w.unlock()

	leg := w.cfg.Leg
	var (
		rcpt     ledger.Receipt
		xferErr  error
		revoked  bool
		executed bool
	)
	allowance, err := w.call(ctx, func(ctx context.Context) (*big.Int, error) {
		return leg.Client.AllowanceOf(ctx, leg.Payer, leg.Spender)
	})
	if err == nil {
		revoked = allowance.Cmp(leg.Amount) < 0
	}
	if err == nil && !revoked {
		cctx, cancel := w.callContext(ctx)
		rcpt, xferErr = leg.Client.Transfer(cctx, leg.Payer, leg.Payee, leg.Amount)
		cancel()
		executed = xferErr == nil
	}

	w.mu.Lock()
	defer w.unlock()
	w.busy = false

	if executed {
		return w.completeLocked(rcpt)
	}
	w.cfg.Book.Unclaim(id, w.cfg.ID)
	if w.endCallLocked() {
		return w.lastErr
	}
	switch {
	case err != nil:
		return w.failLocked(classify(err, Executing, ReasonLedgerError))
	case revoked:
		w.releaseHoldLocked()
		w.lastErr = &Failure{
			Reason:      ReasonAllowanceRevoked,
			Recoverable: true,
			Resume:      CheckingFunds,
			Err:         fmt.Errorf("allowance %s below required %s", allowance, leg.Amount),
		}
		w.setStateLocked(CheckingFunds)
		return w.lastErr
	default:
		return w.failLocked(classify(xferErr, Executing, ReasonTransferRejected))
	}
}

// completeLocked removes the order; the claim guarantees no other attempt
// paid for it in the meantime.
func (w *Workflow) completeLocked(rcpt ledger.Receipt) error {
	w.stale = false
	w.reference = rcpt.Reference()
	removed, err := w.cfg.Book.Remove(w.cfg.Order.ID, w.cfg.Order.Side)
	w.held = false
	if err != nil {
		w.cfg.Logger.Errorw("transfer_confirmed_for_missing_order", "tx", w.reference, "err", err)
		return w.failLocked(&Failure{
			Reason: ReasonOrderNoLongerAvailable,
			Resume: Executing,
			Err:    fmt.Errorf("transfer %s confirmed: %w", w.reference, err),
		})
	}
	w.lastErr = nil
	w.state = Completed
	w.updated = w.cfg.Clock.Now()
	w.cfg.Logger.Infow("settlement_completed", "tx", w.reference, "amount", w.cfg.Leg.Amount.String())
	w.notices = append(w.notices, notice{attempt: w.snapshotLocked(), removed: &removed})
	return nil
}

// Invalidate fails the workflow because its order left the book. A
// workflow with a call outstanding fails when the call returns.
func (w *Workflow) Invalidate() {
	w.mu.Lock()
	defer w.unlock()

	if w.closed || w.terminalLocked() {
		return
	}
	if w.busy {
		w.stale = true
		return
	}
	w.failLocked(unavailable(nil))
}

// Abandon dismisses the attempt and releases anything it holds on the book.
func (w *Workflow) Abandon() error {
	w.mu.Lock()
	defer w.unlock()

	if w.busy {
		return ErrBusy
	}
	if w.closed {
		return nil
	}
	w.releaseHoldLocked()
	w.closed = true
	w.cfg.Logger.Infow("settlement_abandoned", "state", w.state.String())
	return nil
}

func (w *Workflow) Terminal() bool {
	w.mu.Lock()
	defer w.unlock()
	return w.closed || w.terminalLocked()
}

func (w *Workflow) terminalLocked() bool {
	return w.state == Completed || (w.state == Failed && w.lastErr != nil && !w.lastErr.Recoverable)
}

// beginLocked admits a method that acts from target, either directly or as
// a retry of a recoverable failure that resumes there.
func (w *Workflow) beginLocked(target State) error {
	if w.closed || w.terminalLocked() {
		return fmt.Errorf("%w: %s in state %s", ErrClosed, w.cfg.ID, w.state)
	}
	if w.busy {
		return ErrBusy
	}
	if !w.cfg.Book.Contains(w.cfg.Order.ID) {
		return w.failLocked(unavailable(nil))
	}
	if w.state == target {
		return nil
	}
	if w.state == Failed && w.lastErr != nil && w.lastErr.Recoverable && w.lastErr.Resume == target {
		return nil
	}
	return fmt.Errorf("%w: cannot act from %s toward %s", ErrInvalidTransition, w.state, target)
}

// endCallLocked clears the busy flag and applies a pending invalidation.
func (w *Workflow) endCallLocked() bool {
	w.busy = false
	if w.stale {
		w.stale = false
		w.failLocked(unavailable(nil))
		return true
	}
	return false
}

func (w *Workflow) enterExecutingLocked() error {
	if !w.held {
		if err := w.cfg.Book.Hold(w.cfg.Order.ID); err != nil {
			return w.failLocked(unavailable(err))
		}
		w.held = true
	}
	w.setStateLocked(Executing)
	return nil
}

func (w *Workflow) failLocked(f *Failure) *Failure {
	w.releaseHoldLocked()
	w.lastErr = f
	w.setStateLocked(Failed)
	w.cfg.Logger.Warnw("settlement_failed", "reason", string(f.Reason), "recoverable", f.Recoverable, "err", f.Err)
	return f
}

func (w *Workflow) releaseHoldLocked() {
	if w.held {
		w.cfg.Book.Release(w.cfg.Order.ID)
		w.held = false
	}
}

func (w *Workflow) setStateLocked(s State) {
	w.state = s
	w.updated = w.cfg.Clock.Now()
	w.notices = append(w.notices, notice{attempt: w.snapshotLocked()})
}

func (w *Workflow) snapshotLocked() Attempt {
	a := Attempt{
		ID:           w.cfg.ID,
		Order:        w.cfg.Order,
		Counterparty: w.cfg.Leg.Payer,
		Payee:        w.cfg.Leg.Payee,
		Spender:      w.cfg.Leg.Spender,
		Asset:        w.cfg.Leg.Asset,
		Required:     new(big.Int).Set(w.cfg.Leg.Amount),
		Fee:          w.cfg.Fee,
		State:        w.state,
		Reference:    w.reference,
		Terminal:     w.closed || w.terminalLocked(),
		StartedAt:    w.started,
		UpdatedAt:    w.updated,
	}
	if w.lastErr != nil {
		f := *w.lastErr
		a.LastError = &f
	}
	return a
}

// unlock releases the mutex and then delivers queued notices, so hooks may
// call back into the book or the desk.
func (w *Workflow) unlock() {
	pending := w.notices
	w.notices = nil
	w.mu.Unlock()

	for _, n := range pending {
		if n.removed != nil && w.cfg.Hooks.OnCompleted != nil {
			w.cfg.Hooks.OnCompleted(n.attempt, *n.removed)
		}
		if w.cfg.Hooks.OnTransition != nil {
			w.cfg.Hooks.OnTransition(n.attempt)
		}
	}
}

func (w *Workflow) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, w.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func (w *Workflow) call(ctx context.Context, fn func(context.Context) (*big.Int, error)) (*big.Int, error) {
	cctx, cancel := w.callContext(ctx)
	defer cancel()
	v, err := fn(cctx)
	if err == nil && v == nil {
		err = errors.New("ledger returned no amount")
	}
	return v, err
}

func classify(err error, resume State, rejected Reason) *Failure {
	reason := ReasonLedgerError
	switch {
	case ledger.IsTimeout(err):
		reason = ReasonTimeout
	case ledger.IsRejected(err):
		reason = rejected
	}
	return &Failure{Reason: reason, Recoverable: true, Resume: resume, Err: err}
}

func unavailable(err error) *Failure {
	if err == nil {
		err = orderbook.ErrNotFound
	}
	return &Failure{Reason: ReasonOrderNoLongerAvailable, Resume: CheckingFunds, Err: err}
}
