// Package storage journals the session's open orders and activities so a
// restarted desk can reload them. Writes are best effort.
package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/glwdesk/pkg/app/core/activity"
	"github.com/uhyunpark/glwdesk/pkg/app/core/orderbook"
)

type PebbleJournal struct {
	db *pebble.DB
}

func NewPebbleJournal(path string) (*PebbleJournal, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(16 << 20), // 16MB, the data set is human-scale
		MemTableSize: 8 << 20,
		MaxOpenFiles: 256,
		BytesPerSync: 512 << 10,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleJournal{db: db}, nil
}

func (j *PebbleJournal) Close() error { return j.db.Close() }

func (j *PebbleJournal) SaveOrder(o orderbook.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	if err := j.db.Set(orderKey(o.Side, o.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func (j *PebbleJournal) DeleteOrder(o orderbook.Order) error {
	if err := j.db.Delete(orderKey(o.Side, o.ID), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}
	return nil
}

// LoadOrders returns every journaled open order, bids first.
func (j *PebbleJournal) LoadOrders() ([]orderbook.Order, error) {
	var orders []orderbook.Order
	for _, side := range []orderbook.Side{orderbook.Buy, orderbook.Sell} {
		prefix := []byte(fmt.Sprintf("%s%s:", prefixOrder, side))
		iter, err := j.db.NewIter(&pebble.IterOptions{
			LowerBound: prefix,
			UpperBound: keyUpperBound(prefix),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open order iterator: %w", err)
		}
		for iter.First(); iter.Valid(); iter.Next() {
			var o orderbook.Order
			if err := json.Unmarshal(iter.Value(), &o); err != nil {
				iter.Close()
				return nil, fmt.Errorf("failed to unmarshal order %s: %w", iter.Key(), err)
			}
			orders = append(orders, o)
		}
		if err := iter.Close(); err != nil {
			return nil, fmt.Errorf("failed to scan orders: %w", err)
		}
	}
	return orders, nil
}

func (j *PebbleJournal) AppendActivity(a activity.Activity) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}
	if err := j.db.Set(activityKey(a.Timestamp, a.Reference), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save activity: %w", err)
	}
	return nil
}

// LoadActivities returns activities newest first.
func (j *PebbleJournal) LoadActivities() ([]activity.Activity, error) {
	prefix := []byte(prefixActivity)
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open activity iterator: %w", err)
	}
	defer iter.Close()

	var out []activity.Activity
	for iter.Last(); iter.Valid(); iter.Prev() {
		var a activity.Activity
		if err := json.Unmarshal(iter.Value(), &a); err != nil {
			return nil, fmt.Errorf("failed to unmarshal activity %s: %w", iter.Key(), err)
		}
		out = append(out, a)
	}
	return out, nil
}

// NopJournal discards everything.
type NopJournal struct{}

func (NopJournal) SaveOrder(orderbook.Order) error              { return nil }
func (NopJournal) DeleteOrder(orderbook.Order) error            { return nil }
func (NopJournal) LoadOrders() ([]orderbook.Order, error)       { return nil, nil }
func (NopJournal) AppendActivity(activity.Activity) error       { return nil }
func (NopJournal) LoadActivities() ([]activity.Activity, error) { return nil, nil }
