// Package activity keeps the append-only record of completed trades and
// cancellations, newest first.
package activity

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/glwdesk/pkg/app/core/orderbook"
)

type Kind string

const (
	KindBuy     Kind = "Buy"
	KindSell    Kind = "Sell"
	KindExecute Kind = "Execute"
	KindCancel  Kind = "Cancel"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindBuy, KindSell, KindExecute, KindCancel:
		return k, nil
	}
	return "", fmt.Errorf("unknown activity kind %q", s)
}

// TakerKind is the activity recorded when a counterparty settles an order
// resting on side.
func TakerKind(side orderbook.Side) Kind {
	return Kind(side.TakerAction())
}

// Activity is immutable once appended.
type Activity struct {
	Kind      Kind            `json:"kind"`
	Order     orderbook.Order `json:"order"`
	Timestamp time.Time       `json:"timestamp"`
	Reference string          `json:"reference"` // tx hash or cancel-<uuid>

	// Counterparty is the taker of a settled order, zero for cancellations.
	Counterparty common.Address `json:"counterparty"`
}

// Involves reports whether addr is the maker or the taker.
func (a Activity) Involves(addr common.Address) bool {
	return a.Order.Owner == addr || (a.Counterparty != common.Address{} && a.Counterparty == addr)
}

type Ledger struct {
	mu      sync.RWMutex
	entries []Activity // oldest first; reads reverse it
}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Append records a as the newest entry.
func (l *Ledger) Append(a Activity) {
	l.mu.Lock()
	l.entries = append(l.entries, a)
	l.mu.Unlock()
}

// Load replaces the contents with entries given newest first.
func (l *Ledger) Load(newestFirst []Activity) {
	entries := make([]Activity, len(newestFirst))
	for i, a := range newestFirst {
		entries[len(newestFirst)-1-i] = a
	}
	l.mu.Lock()
	l.entries = entries
	l.mu.Unlock()
}

// All returns a newest-first copy.
func (l *Ledger) All() []Activity {
	return l.filter(func(Activity) bool { return true })
}

func (l *Ledger) ForAddress(addr common.Address) []Activity {
	return l.filter(func(a Activity) bool { return a.Involves(addr) })
}

func (l *Ledger) filter(keep func(Activity) bool) []Activity {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Activity, 0, len(l.entries))
	for i := len(l.entries) - 1; i >= 0; i-- {
		if keep(l.entries[i]) {
			out = append(out, l.entries[i])
		}
	}
	return out
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// VolumeSince sums Order.Total over activities at or after cutoff.
// Linear in ledger size; recomputed on every call.
func (l *Ledger) VolumeSince(cutoff time.Time) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	sum := decimal.Zero
	for _, a := range l.entries {
		if !a.Timestamp.Before(cutoff) {
			sum = sum.Add(a.Order.Total)
		}
	}
	return sum
}

// LastPrice is the order price of the most recent activity.
func (l *Ledger) LastPrice() (decimal.Decimal, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.entries) == 0 {
		return decimal.Decimal{}, false
	}
	return l.entries[len(l.entries)-1].Order.Price, true
}
