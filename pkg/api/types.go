package api

import (
	"time"

	"github.com/uhyunpark/glwdesk/pkg/app/core/activity"
	"github.com/uhyunpark/glwdesk/pkg/app/core/market"
	"github.com/uhyunpark/glwdesk/pkg/app/core/orderbook"
	"github.com/uhyunpark/glwdesk/pkg/app/core/settlement"
)

// API request/response types for REST endpoints and WebSocket messages.
// Decimal amounts travel as strings to keep their exact scale.

// ==============================
// REST Response Types
// ==============================

// OrderInfo is one row of the board.
type OrderInfo struct {
	ID       string `json:"id"`
	Side     string `json:"side"` // "buy" or "sell"
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
	Total    string `json:"total"`
	Owner    string `json:"owner"`
	ListedAt int64  `json:"listedAt"` // Unix milliseconds
	Own      bool   `json:"own"`      // owned by the connected wallet: cancel only
	Action   string `json:"action"`   // what a taker does: "Buy" or "Sell"
}

// OrderbookSnapshot is one side of the board in display order.
type OrderbookSnapshot struct {
	Side      string      `json:"side"`
	Sort      string      `json:"sort"`
	Direction string      `json:"direction"`
	Orders    []OrderInfo `json:"orders"`
	Timestamp int64       `json:"timestamp"`
}

// MarketInfo is the headline block above the board.
type MarketInfo struct {
	Symbol      string     `json:"symbol"`
	BestBid     *OrderInfo `json:"bestBid,omitempty"`
	BestAsk     *OrderInfo `json:"bestAsk,omitempty"`
	Spread      *string    `json:"spread,omitempty"`
	LastPrice   *string    `json:"lastPrice,omitempty"`
	Volume      string     `json:"volume"`
	WindowHours float64    `json:"windowHours"`
	Bids        int        `json:"bids"`
	Asks        int        `json:"asks"`
	Timestamp   int64      `json:"timestamp"`
}

type ActivityInfo struct {
	Kind         string    `json:"kind"` // "Buy", "Sell", "Execute", "Cancel"
	Order        OrderInfo `json:"order"`
	Timestamp    int64     `json:"timestamp"`
	Reference    string    `json:"reference"`
	Counterparty string    `json:"counterparty,omitempty"`
}

type FailureInfo struct {
	Reason      string `json:"reason"`
	Recoverable bool   `json:"recoverable"`
	Resume      string `json:"resume,omitempty"`
	Message     string `json:"message"`
}

// AttemptInfo is the confirmation panel for one settlement attempt.
type AttemptInfo struct {
	ID           string       `json:"id"`
	Order        OrderInfo    `json:"order"`
	State        string       `json:"state"`
	Counterparty string       `json:"counterparty"`
	Payee        string       `json:"payee"`
	Spender      string       `json:"spender"`
	Asset        string       `json:"asset"`
	Required     string       `json:"required"` // smallest units
	Fee          string       `json:"fee"`
	Reference    string       `json:"reference,omitempty"`
	Terminal     bool         `json:"terminal"`
	LastError    *FailureInfo `json:"lastError,omitempty"`
	StartedAt    int64        `json:"startedAt"`
	UpdatedAt    int64        `json:"updatedAt"`
}

type WalletInfo struct {
	Address   string `json:"address,omitempty"`
	Connected bool   `json:"connected"`
	Token     string `json:"token,omitempty"`
	Stable    string `json:"stable,omitempty"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// REST Request Types
// ==============================

// ListOrderRequest is the payload for POST /api/v1/orders
type ListOrderRequest struct {
	Side     string `json:"side" validate:"required,oneof=buy sell"`
	Price    string `json:"price" validate:"required,numeric"`
	Quantity string `json:"quantity" validate:"required,numeric"`
}

// SettleRequest is the payload for POST /api/v1/settlements
type SettleRequest struct {
	OrderID string `json:"orderId" validate:"required"`
	Side    string `json:"side" validate:"required,oneof=buy sell"`
}

// ConnectRequest is the payload for POST /api/v1/wallet
type ConnectRequest struct {
	Address string `json:"address" validate:"required,eth_addr"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the envelope of every push.
type WSMessage struct {
	Type string      `json:"type"` // "order_listed", "order_removed", "activity", "attempt"
	Data interface{} `json:"data"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["orderbook", "activity", "settlements", "account:0x..."]
}

// ==============================
// Conversions
// ==============================

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func toOrderInfo(o orderbook.Order, own bool) OrderInfo {
	return OrderInfo{
		ID:       o.ID,
		Side:     o.Side.String(),
		Price:    o.Price.StringFixed(2),
		Quantity: o.Quantity.String(),
		Total:    o.Total.StringFixed(2),
		Owner:    o.Owner.Hex(),
		ListedAt: millis(o.ListedAt),
		Own:      own,
		Action:   o.Side.TakerAction(),
	}
}

func toActivityInfo(a activity.Activity, own bool) ActivityInfo {
	info := ActivityInfo{
		Kind:      string(a.Kind),
		Order:     toOrderInfo(a.Order, own),
		Timestamp: millis(a.Timestamp),
		Reference: a.Reference,
	}
	if a.Kind != activity.KindCancel {
		info.Counterparty = a.Counterparty.Hex()
	}
	return info
}

func toAttemptInfo(a settlement.Attempt) AttemptInfo {
	info := AttemptInfo{
		ID:           a.ID,
		Order:        toOrderInfo(a.Order, false),
		State:        a.State.String(),
		Counterparty: a.Counterparty.Hex(),
		Payee:        a.Payee.Hex(),
		Spender:      a.Spender.Hex(),
		Asset:        a.Asset,
		Fee:          a.Fee.String(),
		Reference:    a.Reference,
		Terminal:     a.Terminal,
		StartedAt:    millis(a.StartedAt),
		UpdatedAt:    millis(a.UpdatedAt),
	}
	if a.Required != nil {
		info.Required = a.Required.String()
	}
	if f := a.LastError; f != nil {
		info.LastError = &FailureInfo{
			Reason:      string(f.Reason),
			Recoverable: f.Recoverable,
			Message:     f.Error(),
		}
		if f.Recoverable {
			info.LastError.Resume = f.Resume.String()
		}
	}
	return info
}

func toMarketInfo(s market.Stats, own func(orderbook.Order) bool) MarketInfo {
	info := MarketInfo{
		Symbol:      s.Symbol,
		Volume:      s.Volume.StringFixed(2),
		WindowHours: s.Window.Hours(),
		Bids:        s.Bids,
		Asks:        s.Asks,
		Timestamp:   millis(s.AsOf),
	}
	if s.BestBid != nil {
		bid := toOrderInfo(*s.BestBid, own(*s.BestBid))
		info.BestBid = &bid
	}
	if s.BestAsk != nil {
		ask := toOrderInfo(*s.BestAsk, own(*s.BestAsk))
		info.BestAsk = &ask
	}
	if spread, ok := s.Spread(); ok {
		v := spread.StringFixed(2)
		info.Spread = &v
	}
	if s.LastPrice != nil {
		v := s.LastPrice.StringFixed(2)
		info.LastPrice = &v
	}
	return info
}
