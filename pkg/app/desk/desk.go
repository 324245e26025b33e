// Package desk wires the order book, settlement workflows, activity log and
// market view into the operations a user performs: list, cancel, settle,
// browse.
package desk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/glwdesk/pkg/app/core/activity"
	"github.com/uhyunpark/glwdesk/pkg/app/core/market"
	"github.com/uhyunpark/glwdesk/pkg/app/core/orderbook"
	"github.com/uhyunpark/glwdesk/pkg/app/core/settlement"
	"github.com/uhyunpark/glwdesk/pkg/ledger"
	"github.com/uhyunpark/glwdesk/pkg/metrics"
	"github.com/uhyunpark/glwdesk/pkg/util"
	"github.com/uhyunpark/glwdesk/pkg/wallet"
)

var (
	ErrNotConnected   = errors.New("desk: wallet not connected")
	ErrSelfTrade      = errors.New("desk: cannot settle against your own order")
	ErrNotOwner       = errors.New("desk: only the owner can cancel an order")
	ErrUnknownAttempt = errors.New("desk: unknown settlement attempt")
)

// Journal persists open orders and activities across restarts.
type Journal interface {
	SaveOrder(o orderbook.Order) error
	DeleteOrder(o orderbook.Order) error
	LoadOrders() ([]orderbook.Order, error)
	AppendActivity(a activity.Activity) error
	LoadActivities() ([]activity.Activity, error)
}

type Config struct {
	Token  ledger.Token // traded token, settled by the workflows
	Stable ledger.Token // quote stablecoin, used for fees and balances

	TokenLedger  ledger.Binder
	StableLedger ledger.Binder // optional

	Wallet wallet.Provider

	// Spender is approved by the taker. Zero means the order's owner.
	Spender      common.Address
	CallTimeout  time.Duration
	FeeBps       int64
	VolumeWindow time.Duration

	Journal Journal          // optional
	Metrics *metrics.Metrics // optional
	Clock   util.Clock
	Logger  *zap.SugaredLogger
}

type Desk struct {
	cfg      Config
	book     *orderbook.OrderBook
	activity *activity.Ledger
	view     *market.View
	log      *zap.SugaredLogger

	mu       sync.Mutex
	attempts map[string]*settlement.Workflow
	byOrder  map[string]map[string]*settlement.Workflow // order id -> attempt id -> workflow

	subMu   sync.RWMutex
	subs    map[int]func(Event)
	nextSub int
}

func New(cfg Config) (*Desk, error) {
	if cfg.TokenLedger == nil || cfg.Wallet == nil {
		return nil, errors.New("desk: token ledger and wallet are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New("glwdesk")
	}
	if cfg.VolumeWindow <= 0 {
		cfg.VolumeWindow = 24 * time.Hour
	}

	book := orderbook.NewOrderBook()
	acts := activity.NewLedger()
	return &Desk{
		cfg:      cfg,
		book:     book,
		activity: acts,
		view:     market.NewView(cfg.Token.Symbol+"/"+cfg.Stable.Symbol, book, acts, cfg.Clock),
		log:      cfg.Logger,
		attempts: make(map[string]*settlement.Workflow),
		byOrder:  make(map[string]map[string]*settlement.Workflow),
		subs:     make(map[int]func(Event)),
	}, nil
}

// Restore reloads the journal into an empty desk.
func (d *Desk) Restore() error {
	if d.cfg.Journal == nil {
		return nil
	}
	orders, err := d.cfg.Journal.LoadOrders()
	if err != nil {
		return fmt.Errorf("failed to load orders: %w", err)
	}
	for _, o := range orders {
		if err := d.book.Insert(o); err != nil {
			d.log.Warnw("journal_order_skipped", "id", o.ID, "err", err)
		}
	}
	acts, err := d.cfg.Journal.LoadActivities()
	if err != nil {
		return fmt.Errorf("failed to load activities: %w", err)
	}
	d.activity.Load(acts)
	d.updateDepth()

	d.log.Infow("journal_restored", "bids", d.book.Len(orderbook.Buy), "asks", d.book.Len(orderbook.Sell), "activities", len(acts))
	return nil
}

func (d *Desk) Pair() (token, stable ledger.Token) { return d.cfg.Token, d.cfg.Stable }

// Current returns the connected wallet address.
func (d *Desk) Current() (common.Address, error) {
	addr, ok := d.cfg.Wallet.CurrentAddress()
	if !ok || !d.cfg.Wallet.IsConnected() {
		return common.Address{}, ErrNotConnected
	}
	return addr, nil
}

// IsOwn reports whether o belongs to the connected wallet. Own orders are
// cancel-only.
func (d *Desk) IsOwn(o orderbook.Order) bool {
	addr, err := d.Current()
	return err == nil && addr == o.Owner
}

// List posts a new order for the connected wallet.
func (d *Desk) List(side orderbook.Side, price, quantity decimal.Decimal) (orderbook.Order, error) {
	owner, err := d.Current()
	if err != nil {
		return orderbook.Order{}, err
	}
	if _, err := ledger.Scale(quantity, d.cfg.Token.Decimals); err != nil {
		return orderbook.Order{}, fmt.Errorf("%w: quantity: %v", orderbook.ErrInvalidOrder, err)
	}

	o, err := orderbook.NewOrder("order-"+uuid.NewString(), side, price, quantity, owner, d.cfg.Clock.Now())
	if err != nil {
		return orderbook.Order{}, err
	}
	if err := d.book.Insert(o); err != nil {
		return orderbook.Order{}, err
	}
	if d.cfg.Journal != nil {
		if err := d.cfg.Journal.SaveOrder(o); err != nil {
			d.log.Warnw("journal_write_failed", "op", "save_order", "id", o.ID, "err", err)
		}
	}

	d.cfg.Metrics.OrdersListed.WithLabelValues(side.String()).Inc()
	d.updateDepth()
	d.log.Infow("order_listed", "id", o.ID, "side", side.String(), "price", o.Price.String(), "quantity", o.Quantity.String(), "total", o.Total.String(), "owner", owner.Hex())
	d.emit(Event{Type: EventOrderListed, Order: &o})
	return o, nil
}

// Cancel withdraws one of the connected wallet's orders. It fails with
// orderbook.ErrConflict while a settlement is executing against it.
func (d *Desk) Cancel(id string, side orderbook.Side) (activity.Activity, error) {
	owner, err := d.Current()
	if err != nil {
		return activity.Activity{}, err
	}
	o, err := d.book.Get(id, side)
	if err != nil {
		return activity.Activity{}, err
	}
	if o.Owner != owner {
		return activity.Activity{}, ErrNotOwner
	}
	removed, err := d.book.Cancel(id, side)
	if err != nil {
		return activity.Activity{}, err
	}

	a := activity.Activity{
		Kind:      activity.KindCancel,
		Order:     removed,
		Timestamp: d.cfg.Clock.Now(),
		Reference: "cancel-" + uuid.NewString(),
	}
	d.record(removed, a)
	d.cfg.Metrics.OrdersCancelled.WithLabelValues(side.String()).Inc()
	d.log.Infow("order_cancelled", "id", id, "side", side.String(), "ref", a.Reference)

	d.invalidate(id, "")
	return a, nil
}

// Book returns one side of the board, sorted.
func (d *Desk) Book(side orderbook.Side, field orderbook.SortField, dir orderbook.Direction) []orderbook.Order {
	return d.book.ListSorted(side, field, dir)
}

func (d *Desk) Order(id string) (orderbook.Order, bool) {
	return d.book.Lookup(id)
}

// Market returns headline stats; window <= 0 uses the configured window.
func (d *Desk) Market(window time.Duration) market.Stats {
	if window <= 0 {
		window = d.cfg.VolumeWindow
	}
	return d.view.Stats(window)
}

func (d *Desk) Activities() []activity.Activity { return d.activity.All() }

func (d *Desk) UserActivity(addr common.Address) []activity.Activity {
	return d.activity.ForAddress(addr)
}

// StartSettlement opens an attempt by the connected wallet against a
// counter-order. The caller drives it with CheckFunds/Approve/Execute.
func (d *Desk) StartSettlement(id string, side orderbook.Side) (*settlement.Workflow, error) {
	taker, err := d.Current()
	if err != nil {
		return nil, err
	}
	o, err := d.book.Get(id, side)
	if err != nil {
		return nil, err
	}
	if o.Owner == taker {
		return nil, ErrSelfTrade
	}
	amount, err := ledger.Scale(o.Quantity, d.cfg.Token.Decimals)
	if err != nil {
		return nil, err
	}
	spender := d.cfg.Spender
	if spender == (common.Address{}) {
		spender = o.Owner
	}

	w, err := settlement.New(settlement.Config{
		ID:    "settle-" + uuid.NewString(),
		Order: o,
		Leg: settlement.Leg{
			Client:  d.cfg.TokenLedger.As(taker),
			Asset:   d.cfg.Token.Symbol,
			Payer:   taker,
			Payee:   o.Owner,
			Spender: spender,
			Amount:  amount,
		},
		Book:        d.book,
		Fee:         d.fee(o),
		CallTimeout: d.cfg.CallTimeout,
		Clock:       d.cfg.Clock,
		Logger:      d.log,
		Hooks: settlement.Hooks{
			OnTransition: d.onTransition,
			OnCompleted:  d.onCompleted,
		},
	})
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.attempts[w.ID()] = w
	if d.byOrder[o.ID] == nil {
		d.byOrder[o.ID] = make(map[string]*settlement.Workflow)
	}
	d.byOrder[o.ID][w.ID()] = w
	d.mu.Unlock()

	d.cfg.Metrics.ActiveAttempts.Inc()
	d.log.Infow("settlement_started", "attempt", w.ID(), "order", o.ID, "taker", taker.Hex(), "action", side.TakerAction(), "required", amount.String())
	snap := w.Snapshot()
	d.emit(Event{Type: EventAttempt, Attempt: &snap})
	return w, nil
}

// Attempt looks up a live settlement attempt.
func (d *Desk) Attempt(id string) (*settlement.Workflow, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.attempts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAttempt, id)
	}
	return w, nil
}

func (d *Desk) Attempts() []settlement.Attempt {
	d.mu.Lock()
	ws := make([]*settlement.Workflow, 0, len(d.attempts))
	for _, w := range d.attempts {
		ws = append(ws, w)
	}
	d.mu.Unlock()

	out := make([]settlement.Attempt, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Snapshot())
	}
	return out
}

// Discard dismisses a live attempt. Rejected with settlement.ErrBusy while
// a ledger call is outstanding.
func (d *Desk) Discard(id string) error {
	w, err := d.Attempt(id)
	if err != nil {
		return err
	}
	if err := w.Abandon(); err != nil {
		return err
	}
	d.unregister(id)
	snap := w.Snapshot()
	d.emit(Event{Type: EventAttempt, Attempt: &snap})
	return nil
}

// Balances reads the connected wallet's holdings in display units.
func (d *Desk) Balances(ctx context.Context) (Balances, error) {
	addr, err := d.Current()
	if err != nil {
		return Balances{}, err
	}
	if d.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.CallTimeout)
		defer cancel()
	}

	b := Balances{Address: addr, Stable: decimal.Zero}
	tok, err := d.cfg.TokenLedger.As(addr).BalanceOf(ctx, addr)
	if err != nil {
		return Balances{}, fmt.Errorf("failed to read %s balance: %w", d.cfg.Token.Symbol, err)
	}
	b.Token = ledger.Unscale(tok, d.cfg.Token.Decimals)
	if d.cfg.StableLedger != nil {
		st, err := d.cfg.StableLedger.As(addr).BalanceOf(ctx, addr)
		if err != nil {
			return Balances{}, fmt.Errorf("failed to read %s balance: %w", d.cfg.Stable.Symbol, err)
		}
		b.Stable = ledger.Unscale(st, d.cfg.Stable.Decimals)
	}
	return b, nil
}

type Balances struct {
	Address common.Address
	Token   decimal.Decimal
	Stable  decimal.Decimal
}

// fee is informational: basis points of the order total, in the stablecoin.
func (d *Desk) fee(o orderbook.Order) decimal.Decimal {
	return o.Total.Mul(decimal.NewFromInt(d.cfg.FeeBps)).Div(decimal.NewFromInt(10_000)).Round(d.cfg.Stable.Decimals)
}

func (d *Desk) onCompleted(a settlement.Attempt, removed orderbook.Order) {
	act := activity.Activity{
		Kind:         activity.TakerKind(removed.Side),
		Order:        removed,
		Timestamp:    d.cfg.Clock.Now(),
		Reference:    a.Reference,
		Counterparty: a.Counterparty,
	}
	d.record(removed, act)
	d.log.Infow("trade_settled", "attempt", a.ID, "order", removed.ID, "kind", string(act.Kind), "total", removed.Total.String(), "tx", a.Reference)
	d.invalidate(removed.ID, a.ID)
}

func (d *Desk) onTransition(a settlement.Attempt) {
	d.cfg.Metrics.Transitions.WithLabelValues(a.State.String()).Inc()
	switch a.State {
	case settlement.Completed:
		d.cfg.Metrics.Outcomes.WithLabelValues("completed", "").Inc()
	case settlement.Failed:
		if a.LastError != nil {
			d.cfg.Metrics.Outcomes.WithLabelValues("failed", string(a.LastError.Reason)).Inc()
		}
	}
	if a.Terminal {
		d.unregister(a.ID)
	}
	d.emit(Event{Type: EventAttempt, Attempt: &a})
}

// record appends the activity for an order that just left the book.
func (d *Desk) record(removed orderbook.Order, a activity.Activity) {
	d.activity.Append(a)
	if d.cfg.Journal != nil {
		if err := d.cfg.Journal.DeleteOrder(removed); err != nil {
			d.log.Warnw("journal_write_failed", "op", "delete_order", "id", removed.ID, "err", err)
		}
		if err := d.cfg.Journal.AppendActivity(a); err != nil {
			d.log.Warnw("journal_write_failed", "op", "append_activity", "ref", a.Reference, "err", err)
		}
	}
	d.cfg.Metrics.Activities.WithLabelValues(string(a.Kind)).Inc()
	d.updateDepth()

	d.emit(Event{Type: EventOrderRemoved, Order: &removed})
	d.emit(Event{Type: EventActivity, Activity: &a})
}

// invalidate fails every other live attempt on orderID. Workflows are
// called without d.mu held: their hooks re-enter the desk.
func (d *Desk) invalidate(orderID, except string) {
	d.mu.Lock()
	var siblings []*settlement.Workflow
	for id, w := range d.byOrder[orderID] {
		if id != except {
			siblings = append(siblings, w)
		}
	}
	d.mu.Unlock()

	for _, w := range siblings {
		w.Invalidate()
	}
}

func (d *Desk) unregister(id string) {
	d.mu.Lock()
	w, ok := d.attempts[id]
	if ok {
		delete(d.attempts, id)
		orderID := w.Order().ID
		delete(d.byOrder[orderID], id)
		if len(d.byOrder[orderID]) == 0 {
			delete(d.byOrder, orderID)
		}
	}
	d.mu.Unlock()

	if ok {
		d.cfg.Metrics.ActiveAttempts.Dec()
	}
}

func (d *Desk) updateDepth() {
	d.cfg.Metrics.BookDepth.WithLabelValues(orderbook.Buy.String()).Set(float64(d.book.Len(orderbook.Buy)))
	d.cfg.Metrics.BookDepth.WithLabelValues(orderbook.Sell.String()).Set(float64(d.book.Len(orderbook.Sell)))
}
