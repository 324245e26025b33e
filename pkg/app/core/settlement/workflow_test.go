package settlement

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/glwdesk/pkg/app/core/orderbook"
	"github.com/uhyunpark/glwdesk/pkg/ledger"
)

var (
	maker  = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	taker  = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	taker2 = common.HexToAddress("0x00000000000000000000000000000000000ca201")
	t0     = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
)

// fixture: a sell order of 10 GLW at 5.00 on a 2-decimal token, so the
// required amount is 1000 smallest units.
type fixture struct {
	book  *orderbook.OrderBook
	token *ledger.Memory
	order orderbook.Order

	mu          sync.Mutex
	completed   []orderbook.Order
	transitions []State
}

func newFixture(t *testing.T, qty string) *fixture {
	t.Helper()
	o, err := orderbook.NewOrder("order-1", orderbook.Sell, decimal.RequireFromString("5.00"), decimal.RequireFromString(qty), maker, t0)
	require.NoError(t, err)
	f := &fixture{
		book:  orderbook.NewOrderBook(),
		token: ledger.NewMemory(ledger.Token{Symbol: "GLW", Address: common.HexToAddress("0x01"), Decimals: 2}),
		order: o,
	}
	require.NoError(t, f.book.Insert(o))
	return f
}

func (f *fixture) workflow(t *testing.T, id string, payer common.Address, timeout time.Duration) *Workflow {
	t.Helper()
	amount, err := ledger.Scale(f.order.Quantity, 2)
	require.NoError(t, err)
	w, err := New(Config{
		ID:    id,
		Order: f.order,
		Leg: Leg{
			Client:  f.token.As(payer),
			Asset:   "GLW",
			Payer:   payer,
			Payee:   maker,
			Spender: maker,
			Amount:  amount,
		},
		Book:        f.book,
		CallTimeout: timeout,
		Hooks: Hooks{
			OnTransition: func(a Attempt) {
				f.mu.Lock()
				f.transitions = append(f.transitions, a.State)
				f.mu.Unlock()
			},
			OnCompleted: func(_ Attempt, o orderbook.Order) {
				f.mu.Lock()
				f.completed = append(f.completed, o)
				f.mu.Unlock()
			},
		},
	})
	require.NoError(t, err)
	return w
}

func (f *fixture) completions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.completed)
}

func requireFailure(t *testing.T, err error, reason Reason) *Failure {
	t.Helper()
	got, ok := ReasonOf(err)
	require.True(t, ok, "expected failure %s, got %v", reason, err)
	require.Equal(t, reason, got)
	var f *Failure
	require.ErrorAs(t, err, &f)
	return f
}

func TestWorkflow_HappyPath(t *testing.T) {
	f := newFixture(t, "10")
	f.token.Mint(taker, big.NewInt(1000))
	w := f.workflow(t, "a1", taker, time.Second)
	ctx := context.Background()

	require.Equal(t, CheckingFunds, w.State())
	require.NoError(t, w.CheckFunds(ctx))
	require.Equal(t, AwaitingApproval, w.State())

	require.NoError(t, w.Approve(ctx))
	require.Equal(t, Executing, w.State())
	assert.Equal(t, int64(1000), f.token.Allowance(taker, maker).Int64(), "approves exactly the required amount")
	assert.Equal(t, 1, f.book.Holds("order-1"))

	require.NoError(t, w.Execute(ctx))
	snap := w.Snapshot()
	assert.Equal(t, Completed, snap.State)
	assert.True(t, snap.Terminal)
	assert.NotEmpty(t, snap.Reference)
	assert.Nil(t, snap.LastError)

	assert.False(t, f.book.Contains("order-1"))
	assert.Equal(t, 1, f.completions())
	assert.Equal(t, int64(1000), f.token.Balance(maker).Int64())
	assert.Zero(t, f.token.Balance(taker).Sign())

	assert.Equal(t, []State{CheckingFunds, AwaitingApproval, Approving, Executing, Executing, Completed}, f.transitions)

	require.ErrorIs(t, w.Execute(ctx), ErrClosed)
}

func TestWorkflow_PreApprovedSkipsApproval(t *testing.T) {
	f := newFixture(t, "10")
	f.token.Mint(taker, big.NewInt(5000))
	f.token.SetAllowance(taker, maker, big.NewInt(1000))
	w := f.workflow(t, "a1", taker, time.Second)

	require.NoError(t, w.CheckFunds(context.Background()))
	assert.Equal(t, Executing, w.State())
	assert.Zero(t, f.token.Calls(ledger.OpApprove))

	require.ErrorIs(t, w.Approve(context.Background()), ErrInvalidTransition)
}

func TestWorkflow_InsufficientBalance(t *testing.T) {
	f := newFixture(t, "0.10") // required 10
	f.token.Mint(taker, big.NewInt(3))
	w := f.workflow(t, "a1", taker, time.Second)

	err := w.CheckFunds(context.Background())
	fail := requireFailure(t, err, ReasonInsufficientBalance)
	assert.False(t, fail.Recoverable)

	snap := w.Snapshot()
	assert.Equal(t, Failed, snap.State)
	assert.True(t, snap.Terminal)
	assert.True(t, f.book.Contains("order-1"))
	assert.Zero(t, f.completions())

	require.ErrorIs(t, w.CheckFunds(context.Background()), ErrClosed)
}

func TestWorkflow_ApprovalRejectedThenRetried(t *testing.T) {
	f := newFixture(t, "10")
	f.token.Mint(taker, big.NewInt(1000))
	f.token.Inject(ledger.OpApprove, ledger.Fault{Err: ledger.ErrRejected})
	w := f.workflow(t, "a1", taker, time.Second)
	ctx := context.Background()

	require.NoError(t, w.CheckFunds(ctx))
	fail := requireFailure(t, w.Approve(ctx), ReasonApprovalRejected)
	assert.True(t, fail.Recoverable)
	assert.Equal(t, AwaitingApproval, fail.Resume)
	assert.Equal(t, Failed, w.State())
	assert.Zero(t, f.token.Allowance(taker, maker).Sign(), "allowance unchanged")

	require.ErrorIs(t, w.Execute(ctx), ErrInvalidTransition)

	require.NoError(t, w.Approve(ctx))
	assert.Equal(t, Executing, w.State())
}

func TestWorkflow_ApprovalInsufficient(t *testing.T) {
	f := newFixture(t, "10")
	f.token.Mint(taker, big.NewInt(1000))
	f.token.Inject(ledger.OpApprove, ledger.Fault{Amount: big.NewInt(400)})
	w := f.workflow(t, "a1", taker, time.Second)
	ctx := context.Background()

	require.NoError(t, w.CheckFunds(ctx))
	requireFailure(t, w.Approve(ctx), ReasonApprovalInsufficient)

	snap := w.Snapshot()
	assert.Equal(t, AwaitingApproval, snap.State)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, ReasonApprovalInsufficient, snap.LastError.Reason)

	require.NoError(t, w.Approve(ctx))
	assert.Equal(t, Executing, w.State())
}

func TestWorkflow_TransferRejectedRetryWithoutReapproval(t *testing.T) {
	f := newFixture(t, "10")
	f.token.Mint(taker, big.NewInt(1000))
	f.token.SetAllowance(taker, maker, big.NewInt(1000))
	f.token.Inject(ledger.OpTransfer, ledger.Fault{Err: ledger.ErrRejected})
	w := f.workflow(t, "a1", taker, time.Second)
	ctx := context.Background()

	require.NoError(t, w.CheckFunds(ctx))
	fail := requireFailure(t, w.Execute(ctx), ReasonTransferRejected)
	assert.Equal(t, Executing, fail.Resume)
	assert.Zero(t, f.book.Holds("order-1"), "failed workflow releases its hold")
	assert.True(t, f.book.Contains("order-1"))

	require.NoError(t, w.Execute(ctx))
	assert.Equal(t, Completed, w.State())
	assert.Zero(t, f.token.Calls(ledger.OpApprove))
	assert.Equal(t, 1, f.completions())
}

func TestWorkflow_TransferTimeout(t *testing.T) {
	f := newFixture(t, "10")
	f.token.Mint(taker, big.NewInt(1000))
	f.token.SetAllowance(taker, maker, big.NewInt(1000))
	f.token.Inject(ledger.OpTransfer, ledger.Fault{Hang: true})
	w := f.workflow(t, "a1", taker, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, w.CheckFunds(ctx))
	_, err := f.book.Cancel("order-1", orderbook.Sell)
	require.ErrorIs(t, err, orderbook.ErrConflict, "executing workflow blocks cancel")

	fail := requireFailure(t, w.Execute(ctx), ReasonTimeout)
	assert.True(t, fail.Recoverable)
	assert.Equal(t, Executing, fail.Resume)
	assert.Equal(t, int64(1000), f.token.Balance(taker).Int64())

	_, err = f.book.Cancel("order-1", orderbook.Sell)
	require.NoError(t, err, "cancel allowed once the workflow failed")
}

func TestWorkflow_AllowanceRevokedBeforeRetry(t *testing.T) {
	f := newFixture(t, "10")
	f.token.Mint(taker, big.NewInt(1000))
	f.token.SetAllowance(taker, maker, big.NewInt(1000))
	f.token.Inject(ledger.OpTransfer, ledger.Fault{Err: ledger.ErrRejected})
	w := f.workflow(t, "a1", taker, time.Second)
	ctx := context.Background()

	require.NoError(t, w.CheckFunds(ctx))
	requireFailure(t, w.Execute(ctx), ReasonTransferRejected)

	f.token.SetAllowance(taker, maker, big.NewInt(0))
	fail := requireFailure(t, w.Execute(ctx), ReasonAllowanceRevoked)
	assert.Equal(t, CheckingFunds, fail.Resume)
	assert.Equal(t, CheckingFunds, w.State())
	assert.Equal(t, 1, f.token.Calls(ledger.OpTransfer), "no transfer after revocation")

	require.ErrorIs(t, w.Execute(ctx), ErrInvalidTransition)
	require.NoError(t, w.CheckFunds(ctx))
	assert.Equal(t, AwaitingApproval, w.State())
}

func TestWorkflow_LedgerReadErrorIsRecoverable(t *testing.T) {
	f := newFixture(t, "10")
	f.token.Mint(taker, big.NewInt(1000))
	f.token.Inject(ledger.OpBalance, ledger.Fault{Err: assert.AnError})
	w := f.workflow(t, "a1", taker, time.Second)
	ctx := context.Background()

	fail := requireFailure(t, w.CheckFunds(ctx), ReasonLedgerError)
	assert.True(t, fail.Recoverable)
	assert.ErrorIs(t, fail, assert.AnError)

	require.NoError(t, w.CheckFunds(ctx))
	assert.Equal(t, AwaitingApproval, w.State())
}

func TestWorkflow_BusyWhileCallOutstanding(t *testing.T) {
	f := newFixture(t, "10")
	f.token.Mint(taker, big.NewInt(1000))
	f.token.Inject(ledger.OpApprove, ledger.Fault{Hang: true})
	w := f.workflow(t, "a1", taker, 0)
	require.NoError(t, w.CheckFunds(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Approve(ctx) }()

	require.Eventually(t, func() bool { return f.token.Calls(ledger.OpApprove) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, Approving, w.State())
	require.ErrorIs(t, w.Approve(context.Background()), ErrBusy)
	require.ErrorIs(t, w.CheckFunds(context.Background()), ErrBusy)
	require.ErrorIs(t, w.Abandon(), ErrBusy)

	cancel()
	requireFailure(t, <-done, ReasonTimeout)
	require.NoError(t, w.Abandon())
	assert.True(t, w.Terminal())
}

func TestWorkflow_InvalidateIdle(t *testing.T) {
	f := newFixture(t, "10")
	f.token.Mint(taker, big.NewInt(1000))
	w := f.workflow(t, "a1", taker, time.Second)
	require.NoError(t, w.CheckFunds(context.Background()))

	_, err := f.book.Cancel("order-1", orderbook.Sell)
	require.NoError(t, err)
	w.Invalidate()

	snap := w.Snapshot()
	assert.Equal(t, Failed, snap.State)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, ReasonOrderNoLongerAvailable, snap.LastError.Reason)
	assert.True(t, snap.Terminal)
}

func TestWorkflow_InvalidateWhileBusy(t *testing.T) {
	f := newFixture(t, "10")
	f.token.Mint(taker, big.NewInt(1000))
	f.token.Inject(ledger.OpApprove, ledger.Fault{Hang: true})
	w := f.workflow(t, "a1", taker, 50*time.Millisecond)
	require.NoError(t, w.CheckFunds(context.Background()))

	done := make(chan error, 1)
	go func() { done <- w.Approve(context.Background()) }()
	require.Eventually(t, func() bool { return f.token.Calls(ledger.OpApprove) == 1 }, time.Second, time.Millisecond)

	_, err := f.book.Cancel("order-1", orderbook.Sell)
	require.NoError(t, err, "approving does not hold the order")
	w.Invalidate()
	assert.Equal(t, Approving, w.State(), "outstanding call finishes first")

	requireFailure(t, <-done, ReasonOrderNoLongerAvailable)
	assert.True(t, w.Terminal())
}

func TestWorkflow_SecondAttemptLosesRace(t *testing.T) {
	f := newFixture(t, "10")
	for _, a := range []common.Address{taker, taker2} {
		f.token.Mint(a, big.NewInt(1000))
		f.token.SetAllowance(a, maker, big.NewInt(1000))
	}
	w1 := f.workflow(t, "a1", taker, time.Second)
	w2 := f.workflow(t, "a2", taker2, time.Second)
	ctx := context.Background()

	require.NoError(t, w1.CheckFunds(ctx))
	require.NoError(t, w2.CheckFunds(ctx))
	assert.Equal(t, 2, f.book.Holds("order-1"))

	require.NoError(t, w1.Execute(ctx))
	requireFailure(t, w2.Execute(ctx), ReasonOrderNoLongerAvailable)

	assert.Equal(t, 1, f.completions())
	assert.Equal(t, int64(1000), f.token.Balance(taker2).Int64(), "loser never paid")
}

func TestWorkflow_ClaimIsExclusive(t *testing.T) {
	f := newFixture(t, "10")
	for _, a := range []common.Address{taker, taker2} {
		f.token.Mint(a, big.NewInt(1000))
		f.token.SetAllowance(a, maker, big.NewInt(1000))
	}
	f.token.Inject(ledger.OpTransfer, ledger.Fault{Hang: true})
	w1 := f.workflow(t, "a1", taker, 200*time.Millisecond)
	w2 := f.workflow(t, "a2", taker2, time.Second)
	ctx := context.Background()
	require.NoError(t, w1.CheckFunds(ctx))
	require.NoError(t, w2.CheckFunds(ctx))

	done := make(chan error, 1)
	go func() { done <- w1.Execute(ctx) }()
	require.Eventually(t, func() bool { return f.token.Calls(ledger.OpTransfer) == 1 }, time.Second, time.Millisecond)

	require.ErrorIs(t, w2.Execute(ctx), orderbook.ErrConflict)
	assert.Equal(t, Executing, w2.State())

	requireFailure(t, <-done, ReasonTimeout)
	require.NoError(t, w2.Execute(ctx))
	assert.Equal(t, Completed, w2.State())
}

func TestWorkflow_InvalidTransitions(t *testing.T) {
	f := newFixture(t, "10")
	w := f.workflow(t, "a1", taker, time.Second)

	require.ErrorIs(t, w.Approve(context.Background()), ErrInvalidTransition)
	require.ErrorIs(t, w.Execute(context.Background()), ErrInvalidTransition)
	assert.Zero(t, f.book.Holds("order-1"))
}

func TestWorkflow_AbandonReleasesHold(t *testing.T) {
	f := newFixture(t, "10")
	f.token.Mint(taker, big.NewInt(1000))
	f.token.SetAllowance(taker, maker, big.NewInt(1000))
	w := f.workflow(t, "a1", taker, time.Second)

	require.NoError(t, w.CheckFunds(context.Background()))
	require.Equal(t, 1, f.book.Holds("order-1"))
	require.NoError(t, w.Abandon())
	assert.Zero(t, f.book.Holds("order-1"))
	require.ErrorIs(t, w.Execute(context.Background()), ErrClosed)
}

func TestNew_Validation(t *testing.T) {
	f := newFixture(t, "10")
	base := Config{
		ID:    "a",
		Order: f.order,
		Book:  f.book,
		Leg:   Leg{Client: f.token.As(taker), Payer: taker, Payee: maker, Amount: big.NewInt(1)},
	}
	_, err := New(base)
	require.NoError(t, err)

	self := base
	self.Leg.Payee = taker
	_, err = New(self)
	require.Error(t, err)

	zero := base
	zero.Leg.Amount = big.NewInt(0)
	_, err = New(zero)
	require.Error(t, err)

	noID := base
	noID.ID = ""
	_, err = New(noID)
	require.Error(t, err)
}
