package storage

import (
	"fmt"
	"time"

	"github.com/uhyunpark/glwdesk/pkg/app/core/orderbook"
)

// Journal key schema:
//
//	ord:<side>:<orderID>           → open Order
//	act:<unix-nanos>:<reference>   → Activity
//
// Timestamps are zero-padded (20 digits) for lexicographic sorting.
const (
	prefixOrder    = "ord:"
	prefixActivity = "act:"
)

func orderKey(side orderbook.Side, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixOrder, side, id))
}

func activityKey(ts time.Time, ref string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixActivity, ts.UnixNano(), ref))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
