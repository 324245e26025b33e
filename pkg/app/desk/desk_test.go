package desk

import (
	"context"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/glwdesk/pkg/app/core/activity"
	"github.com/uhyunpark/glwdesk/pkg/app/core/orderbook"
	"github.com/uhyunpark/glwdesk/pkg/app/core/settlement"
	"github.com/uhyunpark/glwdesk/pkg/ledger"
	"github.com/uhyunpark/glwdesk/pkg/storage"
	"github.com/uhyunpark/glwdesk/pkg/util"
	"github.com/uhyunpark/glwdesk/pkg/wallet"
)

var (
	seller  = common.HexToAddress("0x00000000000000000000000000000000005e11e7")
	buyer   = common.HexToAddress("0x0000000000000000000000000000000000b0b0b0")
	buyer2  = common.HexToAddress("0x0000000000000000000000000000000000b0b0b1")
	spender = common.HexToAddress("0x1234567890123456789012345678901234567890")
	start   = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	glw  = ledger.Token{Symbol: "GLW", Address: common.HexToAddress("0xf4fbc617a5733eaaf9af08e1ab816b103388d8b6"), Decimals: 2}
	usdc = ledger.Token{Symbol: "USDC", Address: common.HexToAddress("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"), Decimals: 6}
)

type harness struct {
	desk    *Desk
	session *wallet.Session
	token   *ledger.Memory
	stable  *ledger.Memory
	clock   *util.ManualClock

	mu     sync.Mutex
	events []Event
}

func newHarness(t *testing.T, mods ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		session: wallet.NewSession(),
		token:   ledger.NewMemory(glw),
		stable:  ledger.NewMemory(usdc),
		clock:   util.NewManualClock(start),
	}
	cfg := Config{
		Token:        glw,
		Stable:       usdc,
		TokenLedger:  h.token,
		StableLedger: h.stable,
		Wallet:       h.session,
		Spender:      spender,
		CallTimeout:  time.Second,
		FeeBps:       10,
		Clock:        h.clock,
	}
	for _, mod := range mods {
		mod(&cfg)
	}
	d, err := New(cfg)
	require.NoError(t, err)
	h.desk = d
	d.Subscribe(func(e Event) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	})
	return h
}

func (h *harness) as(addr common.Address) *harness {
	h.session.Connect(addr)
	return h
}

func (h *harness) list(t *testing.T, owner common.Address, side orderbook.Side, price, qty string) orderbook.Order {
	t.Helper()
	h.as(owner)
	o, err := h.desk.List(side, decimal.RequireFromString(price), decimal.RequireFromString(qty))
	require.NoError(t, err)
	return o
}

func (h *harness) eventTypes() []EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]EventType, 0, len(h.events))
	for _, e := range h.events {
		out = append(out, e.Type)
	}
	return out
}

func TestDesk_SettleSellOrder(t *testing.T) {
	h := newHarness(t)
	ask := h.list(t, seller, orderbook.Sell, "5.00", "10")
	h.list(t, buyer, orderbook.Buy, "5.00", "10")
	assert.Equal(t, "50", ask.Total.String())

	h.token.Mint(buyer, big.NewInt(1000))
	ctx := context.Background()

	w, err := h.as(buyer).desk.StartSettlement(ask.ID, orderbook.Sell)
	require.NoError(t, err)
	snap := w.Snapshot()
	assert.Equal(t, big.NewInt(1000), snap.Required)
	assert.Equal(t, seller, snap.Payee)
	assert.Equal(t, spender, snap.Spender)
	assert.Equal(t, "0.05", snap.Fee.String())

	require.NoError(t, w.CheckFunds(ctx))
	assert.Equal(t, settlement.AwaitingApproval, w.State())

	require.NoError(t, w.Approve(ctx))
	assert.Equal(t, int64(1000), h.token.Allowance(buyer, spender).Int64())
	assert.Equal(t, settlement.Executing, w.State())

	require.NoError(t, w.Execute(ctx))
	assert.Equal(t, settlement.Completed, w.State())

	_, ok := h.desk.Order(ask.ID)
	assert.False(t, ok)
	assert.Equal(t, int64(0), h.token.Balance(buyer).Int64())
	assert.Equal(t, int64(1000), h.token.Balance(seller).Int64())

	acts := h.desk.Activities()
	require.Len(t, acts, 1)
	assert.Equal(t, activity.KindBuy, acts[0].Kind)
	assert.Equal(t, "50", acts[0].Order.Total.String())
	assert.Equal(t, buyer, acts[0].Counterparty)
	assert.Equal(t, w.Snapshot().Reference, acts[0].Reference)

	h.clock.Advance(time.Hour)
	stats := h.desk.Market(0)
	assert.True(t, stats.Volume.Equal(decimal.NewFromInt(50)))
	require.NotNil(t, stats.LastPrice)
	assert.Equal(t, "5", stats.LastPrice.String())
	assert.Equal(t, 0, stats.Asks)
	assert.Equal(t, 1, stats.Bids)

	assert.Empty(t, h.desk.Attempts())
	assert.Len(t, h.desk.UserActivity(seller), 1)
	assert.Len(t, h.desk.UserActivity(buyer), 1)
	_, err = h.desk.Attempt(w.ID())
	require.ErrorIs(t, err, ErrUnknownAttempt)
}

func TestDesk_InsufficientBalance(t *testing.T) {
	h := newHarness(t)
	ask := h.list(t, seller, orderbook.Sell, "5.00", "0.10")
	h.token.Mint(buyer, big.NewInt(3))

	w, err := h.as(buyer).desk.StartSettlement(ask.ID, orderbook.Sell)
	require.NoError(t, err)

	err = w.CheckFunds(context.Background())
	reason, ok := settlement.ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, settlement.ReasonInsufficientBalance, reason)
	assert.True(t, w.Terminal())

	_, ok = h.desk.Order(ask.ID)
	assert.True(t, ok)
	assert.Empty(t, h.desk.Activities())
	assert.Empty(t, h.desk.Attempts())
}

func TestDesk_ListValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.desk.List(orderbook.Sell, decimal.NewFromInt(1), decimal.NewFromInt(1))
	require.ErrorIs(t, err, ErrNotConnected)

	h.as(seller)
	_, err = h.desk.List(orderbook.Sell, decimal.NewFromInt(1), decimal.RequireFromString("0.001"))
	require.ErrorIs(t, err, orderbook.ErrInvalidOrder)

	_, err = h.desk.List(orderbook.Buy, decimal.Zero, decimal.NewFromInt(1))
	require.ErrorIs(t, err, orderbook.ErrInvalidOrder)

	o, err := h.desk.List(orderbook.Buy, decimal.RequireFromString("1.25"), decimal.NewFromInt(4))
	require.NoError(t, err)
	assert.Equal(t, seller, o.Owner)
	assert.Equal(t, start, o.ListedAt)
	assert.Contains(t, o.ID, "order-")
	assert.True(t, h.desk.IsOwn(o))
}

func TestDesk_SelfTradeRejected(t *testing.T) {
	h := newHarness(t)
	ask := h.list(t, seller, orderbook.Sell, "5.00", "1")

	_, err := h.desk.StartSettlement(ask.ID, orderbook.Sell)
	require.ErrorIs(t, err, ErrSelfTrade)

	_, err = h.as(buyer).desk.StartSettlement(ask.ID, orderbook.Buy)
	require.ErrorIs(t, err, orderbook.ErrNotFound)
}

func TestDesk_CancelOwnerOnly(t *testing.T) {
	h := newHarness(t)
	ask := h.list(t, seller, orderbook.Sell, "5.00", "1")

	_, err := h.as(buyer).desk.Cancel(ask.ID, orderbook.Sell)
	require.ErrorIs(t, err, ErrNotOwner)

	a, err := h.as(seller).desk.Cancel(ask.ID, orderbook.Sell)
	require.NoError(t, err)
	assert.Equal(t, activity.KindCancel, a.Kind)
	assert.Contains(t, a.Reference, "cancel-")

	_, ok := h.desk.Order(ask.ID)
	assert.False(t, ok)
	require.Len(t, h.desk.Activities(), 1)

	_, err = h.desk.Cancel(ask.ID, orderbook.Sell)
	require.ErrorIs(t, err, orderbook.ErrNotFound)
}

func TestDesk_CancelConflictsWithExecuting(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.CallTimeout = 30 * time.Millisecond })
	ask := h.list(t, seller, orderbook.Sell, "5.00", "10")
	h.token.Mint(buyer, big.NewInt(1000))
	h.token.SetAllowance(buyer, spender, big.NewInt(1000))
	h.token.Inject(ledger.OpTransfer, ledger.Fault{Hang: true})

	w, err := h.as(buyer).desk.StartSettlement(ask.ID, orderbook.Sell)
	require.NoError(t, err)
	require.NoError(t, w.CheckFunds(context.Background()))
	require.Equal(t, settlement.Executing, w.State())

	// executing holds the order even before the transfer is sent
	_, err = h.as(seller).desk.Cancel(ask.ID, orderbook.Sell)
	require.ErrorIs(t, err, orderbook.ErrConflict)

	err = w.Execute(context.Background())
	reason, _ := settlement.ReasonOf(err)
	assert.Equal(t, settlement.ReasonTimeout, reason)

	_, err = h.desk.Cancel(ask.ID, orderbook.Sell)
	require.NoError(t, err)
	assert.Equal(t, settlement.Failed, w.State())
	assert.Equal(t, settlement.ReasonOrderNoLongerAvailable, w.Snapshot().LastError.Reason)
	assert.Empty(t, h.desk.Attempts())
}

func TestDesk_CompetingTakers(t *testing.T) {
	h := newHarness(t)
	ask := h.list(t, seller, orderbook.Sell, "2.00", "5")
	for _, b := range []common.Address{buyer, buyer2} {
		h.token.Mint(b, big.NewInt(500))
	}
	ctx := context.Background()

	w1, err := h.as(buyer).desk.StartSettlement(ask.ID, orderbook.Sell)
	require.NoError(t, err)
	require.NoError(t, w1.CheckFunds(ctx))

	w2, err := h.as(buyer2).desk.StartSettlement(ask.ID, orderbook.Sell)
	require.NoError(t, err)
	require.NoError(t, w2.CheckFunds(ctx))
	require.Len(t, h.desk.Attempts(), 2)

	require.NoError(t, w2.Approve(ctx))
	require.NoError(t, w2.Execute(ctx))
	assert.Equal(t, settlement.Completed, w2.State())

	assert.Equal(t, settlement.Failed, w1.State())
	assert.True(t, w1.Terminal())
	assert.Equal(t, settlement.ReasonOrderNoLongerAvailable, w1.Snapshot().LastError.Reason)
	assert.Empty(t, h.desk.Attempts())

	assert.Equal(t, int64(500), h.token.Balance(buyer).Int64())
	assert.Equal(t, int64(0), h.token.Balance(buyer2).Int64())
	assert.Equal(t, 1, h.token.Calls(ledger.OpTransfer))
	require.Len(t, h.desk.Activities(), 1)
	assert.Equal(t, buyer2, h.desk.Activities()[0].Counterparty)
}

func TestDesk_SettleBuyOrderRecordsSell(t *testing.T) {
	h := newHarness(t)
	bid := h.list(t, buyer, orderbook.Buy, "4.00", "3")
	h.token.Mint(seller, big.NewInt(300))
	h.token.SetAllowance(seller, spender, big.NewInt(300))
	ctx := context.Background()

	w, err := h.as(seller).desk.StartSettlement(bid.ID, orderbook.Buy)
	require.NoError(t, err)
	require.NoError(t, w.CheckFunds(ctx))
	require.NoError(t, w.Execute(ctx))

	acts := h.desk.Activities()
	require.Len(t, acts, 1)
	assert.Equal(t, activity.KindSell, acts[0].Kind)
	assert.Equal(t, int64(300), h.token.Balance(buyer).Int64())
}

func TestDesk_Discard(t *testing.T) {
	h := newHarness(t)
	ask := h.list(t, seller, orderbook.Sell, "1.00", "1")
	h.token.Mint(buyer, big.NewInt(100))
	h.token.SetAllowance(buyer, spender, big.NewInt(100))

	w, err := h.as(buyer).desk.StartSettlement(ask.ID, orderbook.Sell)
	require.NoError(t, err)
	require.NoError(t, w.CheckFunds(context.Background()))

	require.NoError(t, h.desk.Discard(w.ID()))
	assert.Empty(t, h.desk.Attempts())
	require.ErrorIs(t, h.desk.Discard(w.ID()), ErrUnknownAttempt)

	// the hold taken on entering Executing is gone
	_, err = h.as(seller).desk.Cancel(ask.ID, orderbook.Sell)
	require.NoError(t, err)
}

func TestDesk_Balances(t *testing.T) {
	h := newHarness(t)
	_, err := h.desk.Balances(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)

	h.token.Mint(buyer, big.NewInt(1234))
	h.stable.Mint(buyer, big.NewInt(5_500_000))
	b, err := h.as(buyer).desk.Balances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, buyer, b.Address)
	assert.Equal(t, "12.34", b.Token.String())
	assert.Equal(t, "5.5", b.Stable.String())
}

func TestDesk_Events(t *testing.T) {
	h := newHarness(t)
	ask := h.list(t, seller, orderbook.Sell, "5.00", "1")
	h.token.Mint(buyer, big.NewInt(100))
	h.token.SetAllowance(buyer, spender, big.NewInt(100))

	var extra []EventType
	unsubscribe := h.desk.Subscribe(func(e Event) { extra = append(extra, e.Type) })

	w, err := h.as(buyer).desk.StartSettlement(ask.ID, orderbook.Sell)
	require.NoError(t, err)
	require.NoError(t, w.CheckFunds(context.Background()))
	unsubscribe()
	require.NoError(t, w.Execute(context.Background()))

	assert.Equal(t, []EventType{
		EventOrderListed,
		EventAttempt, // started
		EventAttempt, // CheckingFunds
		EventAttempt, // Executing, funds already approved
		EventAttempt, // Executing, transfer submitted
		EventOrderRemoved,
		EventActivity,
		EventAttempt, // Completed
	}, h.eventTypes())
	assert.Len(t, extra, 3)
}

func TestDesk_RestoreFromJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal")
	j, err := storage.NewPebbleJournal(path)
	require.NoError(t, err)

	h := newHarness(t, func(c *Config) { c.Journal = j })
	ask := h.list(t, seller, orderbook.Sell, "5.00", "2")
	bid := h.list(t, buyer, orderbook.Buy, "4.50", "1")
	gone := h.list(t, seller, orderbook.Sell, "6.00", "1")
	_, err = h.as(seller).desk.Cancel(gone.ID, orderbook.Sell)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j, err = storage.NewPebbleJournal(path)
	require.NoError(t, err)
	defer j.Close()

	restored := newHarness(t, func(c *Config) { c.Journal = j })
	require.NoError(t, restored.desk.Restore())

	got, ok := restored.desk.Order(ask.ID)
	require.True(t, ok)
	assert.True(t, got.Total.Equal(ask.Total))
	_, ok = restored.desk.Order(bid.ID)
	assert.True(t, ok)
	_, ok = restored.desk.Order(gone.ID)
	assert.False(t, ok)

	acts := restored.desk.Activities()
	require.Len(t, acts, 1)
	assert.Equal(t, activity.KindCancel, acts[0].Kind)
	assert.Equal(t, gone.ID, acts[0].Order.ID)
}

func TestNew_RequiresLedgerAndWallet(t *testing.T) {
	_, err := New(Config{Wallet: wallet.NewSession()})
	require.Error(t, err)
	_, err = New(Config{TokenLedger: ledger.NewMemory(glw)})
	require.Error(t, err)
}
