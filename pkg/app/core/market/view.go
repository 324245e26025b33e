// Package market projects order-book and activity state into the headline
// statistics shown above the book. It holds no state of its own.
package market

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/glwdesk/pkg/app/core/orderbook"
	"github.com/uhyunpark/glwdesk/pkg/util"
)

type BookReader interface {
	BestOrder(side orderbook.Side) (orderbook.Order, bool)
	Len(side orderbook.Side) int
}

type ActivityReader interface {
	LastPrice() (decimal.Decimal, bool)
	VolumeSince(cutoff time.Time) decimal.Decimal
}

type Stats struct {
	Symbol    string
	BestBid   *orderbook.Order
	BestAsk   *orderbook.Order
	LastPrice *decimal.Decimal
	Volume    decimal.Decimal
	Window    time.Duration
	Bids      int
	Asks      int
	AsOf      time.Time
}

// Spread is ask minus bid when both sides are quoted.
func (s Stats) Spread() (decimal.Decimal, bool) {
	if s.BestBid == nil || s.BestAsk == nil {
		return decimal.Decimal{}, false
	}
	return s.BestAsk.Price.Sub(s.BestBid.Price), true
}

type View struct {
	symbol   string
	book     BookReader
	activity ActivityReader
	clock    util.Clock
}

func NewView(symbol string, book BookReader, activity ActivityReader, clock util.Clock) *View {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &View{symbol: symbol, book: book, activity: activity, clock: clock}
}

// Stats recomputes everything on each call.
func (v *View) Stats(window time.Duration) Stats {
	now := v.clock.Now()
	s := Stats{
		Symbol: v.symbol,
		Volume: v.activity.VolumeSince(now.Add(-window)),
		Window: window,
		Bids:   v.book.Len(orderbook.Buy),
		Asks:   v.book.Len(orderbook.Sell),
		AsOf:   now,
	}
	if bid, ok := v.book.BestOrder(orderbook.Buy); ok {
		s.BestBid = &bid
	}
	if ask, ok := v.book.BestOrder(orderbook.Sell); ok {
		s.BestAsk = &ask
	}
	if p, ok := v.activity.LastPrice(); ok {
		s.LastPrice = &p
	}
	return s
}
