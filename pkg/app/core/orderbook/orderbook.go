package orderbook

import (
	"fmt"
	"sort"
	"sync"
)

// OrderBook is the manual bulletin board: two disjoint id-keyed sides,
// no matching. Settlement workflows pin orders with holds (executing) and
// claims (transfer in flight) so a cancel cannot race a settlement.
type OrderBook struct {
	mu sync.RWMutex // RWMutex: listing/browsing far outnumbers writes

	bids map[string]*Order
	asks map[string]*Order

	// Order index: id -> side, ids are unique across both sides
	index map[string]Side

	holds  map[string]int    // id -> workflows in Executing
	claims map[string]string // id -> attempt id with a transfer in flight
}

func NewOrderBook() *OrderBook {
	return &OrderBook{
		bids:   make(map[string]*Order),
		asks:   make(map[string]*Order),
		index:  make(map[string]Side),
		holds:  make(map[string]int),
		claims: make(map[string]string),
	}
}

func (ob *OrderBook) sideMap(s Side) map[string]*Order {
	if s == Buy {
		return ob.bids
	}
	return ob.asks
}

func (ob *OrderBook) Insert(o Order) error {
	if err := o.Validate(); err != nil {
		return err
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	if _, exists := ob.index[o.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
	}
	cp := o
	ob.sideMap(o.Side)[o.ID] = &cp
	ob.index[o.ID] = o.Side
	return nil
}

// Remove atomically takes the order out of the book. Of two concurrent
// removes of the same id exactly one succeeds.
func (ob *OrderBook) Remove(id string, side Side) (Order, error) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.removeLocked(id, side)
}

func (ob *OrderBook) removeLocked(id string, side Side) (Order, error) {
	s, ok := ob.index[id]
	if !ok || s != side {
		return Order{}, fmt.Errorf("%w: %s %s", ErrNotFound, side, id)
	}
	m := ob.sideMap(side)
	o := *m[id]
	delete(m, id)
	delete(ob.index, id)
	delete(ob.holds, id)
	delete(ob.claims, id)
	return o, nil
}

// Cancel removes the order unless a settlement is executing against it.
func (ob *OrderBook) Cancel(id string, side Side) (Order, error) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if s, ok := ob.index[id]; !ok || s != side {
		return Order{}, fmt.Errorf("%w: %s %s", ErrNotFound, side, id)
	}
	if n := ob.holds[id]; n > 0 {
		return Order{}, fmt.Errorf("%w: %d settlement(s) executing on %s", ErrConflict, n, id)
	}
	if attempt, ok := ob.claims[id]; ok {
		return Order{}, fmt.Errorf("%w: transfer in flight for %s by %s", ErrConflict, id, attempt)
	}
	return ob.removeLocked(id, side)
}

func (ob *OrderBook) Get(id string, side Side) (Order, error) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	o, ok := ob.sideMap(side)[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: %s %s", ErrNotFound, side, id)
	}
	return *o, nil
}

// Lookup finds an order on either side.
func (ob *OrderBook) Lookup(id string) (Order, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	side, ok := ob.index[id]
	if !ok {
		return Order{}, false
	}
	return *ob.sideMap(side)[id], true
}

func (ob *OrderBook) Contains(id string) bool {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	_, ok := ob.index[id]
	return ok
}

func (ob *OrderBook) Len(side Side) int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return len(ob.sideMap(side))
}

// ListSorted returns a fresh copy of one side ordered by field. Ties are
// broken by ListedAt ascending, then ID, so the order is total.
func (ob *OrderBook) ListSorted(side Side, field SortField, dir Direction) []Order {
	ob.mu.RLock()
	out := make([]Order, 0, len(ob.sideMap(side)))
	for _, o := range ob.sideMap(side) {
		out = append(out, *o)
	}
	ob.mu.RUnlock()

	if dir == DirDefault {
		dir = side.DefaultDirection()
	}
	sort.Slice(out, func(i, j int) bool {
		c := compareField(out[i], out[j], field)
		if dir == DirDesc {
			c = -c
		}
		if c != 0 {
			return c < 0
		}
		if !out[i].ListedAt.Equal(out[j].ListedAt) {
			return out[i].ListedAt.Before(out[j].ListedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func compareField(a, b Order, field SortField) int {
	switch field {
	case FieldListedAt:
		return a.ListedAt.Compare(b.ListedAt)
	case FieldQuantity:
		return a.Quantity.Cmp(b.Quantity)
	case FieldTotal:
		return a.Total.Cmp(b.Total)
	default:
		return a.Price.Cmp(b.Price)
	}
}

// BestOrder is the head of the default price view: highest bid, lowest ask.
func (ob *OrderBook) BestOrder(side Side) (Order, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	var best *Order
	for _, o := range ob.sideMap(side) {
		if best == nil || better(side, o, best) {
			best = o
		}
	}
	if best == nil {
		return Order{}, false
	}
	return *best, true
}

func better(side Side, a, b *Order) bool {
	c := a.Price.Cmp(b.Price)
	if side == Buy {
		c = -c
	}
	if c != 0 {
		return c < 0
	}
	if !a.ListedAt.Equal(b.ListedAt) {
		return a.ListedAt.Before(b.ListedAt)
	}
	return a.ID < b.ID
}

// Hold marks one more workflow as executing against id.
func (ob *OrderBook) Hold(id string) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if _, ok := ob.index[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	ob.holds[id]++
	return nil
}

func (ob *OrderBook) Release(id string) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	switch n := ob.holds[id]; {
	case n > 1:
		ob.holds[id] = n - 1
	case n == 1:
		delete(ob.holds, id)
	}
}

func (ob *OrderBook) Holds(id string) int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.holds[id]
}

// Claim gives attempt exclusive right to submit a transfer for id.
// Re-claiming by the same attempt is a no-op.
func (ob *OrderBook) Claim(id, attempt string) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if _, ok := ob.index[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if owner, ok := ob.claims[id]; ok && owner != attempt {
		return fmt.Errorf("%w: transfer in flight for %s by %s", ErrConflict, id, owner)
	}
	ob.claims[id] = attempt
	return nil
}

func (ob *OrderBook) Unclaim(id, attempt string) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if ob.claims[id] == attempt {
		delete(ob.claims, id)
	}
}
