package desk

import (
	"github.com/uhyunpark/glwdesk/pkg/app/core/activity"
	"github.com/uhyunpark/glwdesk/pkg/app/core/orderbook"
	"github.com/uhyunpark/glwdesk/pkg/app/core/settlement"
)

type EventType string

const (
	EventOrderListed  EventType = "order_listed"
	EventOrderRemoved EventType = "order_removed"
	EventActivity     EventType = "activity"
	EventAttempt      EventType = "attempt"
)

// Event is a change notification. Exactly one payload field is set.
type Event struct {
	Type     EventType
	Order    *orderbook.Order
	Activity *activity.Activity
	Attempt  *settlement.Attempt
}

// Subscribe registers fn for every event until the returned func is called.
// fn runs synchronously on the goroutine that caused the change.
func (d *Desk) Subscribe(fn func(Event)) (unsubscribe func()) {
	d.subMu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.subMu.Unlock()

	return func() {
		d.subMu.Lock()
		delete(d.subs, id)
		d.subMu.Unlock()
	}
}

func (d *Desk) emit(e Event) {
	d.subMu.RLock()
	fns := make([]func(Event), 0, len(d.subs))
	for _, fn := range d.subs {
		fns = append(fns, fn)
	}
	d.subMu.RUnlock()

	for _, fn := range fns {
		fn(e)
	}
}
