package market

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/glwdesk/pkg/app/core/activity"
	"github.com/uhyunpark/glwdesk/pkg/app/core/orderbook"
	"github.com/uhyunpark/glwdesk/pkg/util"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestStats_Empty(t *testing.T) {
	v := NewView("GLW/USDC", orderbook.NewOrderBook(), activity.NewLedger(), nil)
	s := v.Stats(24 * time.Hour)

	assert.Nil(t, s.BestBid)
	assert.Nil(t, s.BestAsk)
	assert.Nil(t, s.LastPrice)
	assert.True(t, s.Volume.IsZero())
	_, ok := s.Spread()
	assert.False(t, ok)
}

func TestStats_RecomputedPerCall(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := util.NewManualClock(now)
	book := orderbook.NewOrderBook()
	ledger := activity.NewLedger()
	v := NewView("GLW/USDC", book, ledger, clock)
	owner := common.HexToAddress("0xa11ce")

	bid, err := orderbook.NewOrder("b", orderbook.Buy, d("4.90"), d("1"), owner, now)
	require.NoError(t, err)
	ask, err := orderbook.NewOrder("s", orderbook.Sell, d("5.00"), d("10"), owner, now)
	require.NoError(t, err)
	require.NoError(t, book.Insert(bid))
	require.NoError(t, book.Insert(ask))

	s := v.Stats(24 * time.Hour)
	require.NotNil(t, s.BestBid)
	require.NotNil(t, s.BestAsk)
	assert.Equal(t, "b", s.BestBid.ID)
	assert.Equal(t, "s", s.BestAsk.ID)
	spread, ok := s.Spread()
	require.True(t, ok)
	assert.True(t, d("0.10").Equal(spread))
	assert.Equal(t, 1, s.Bids)
	assert.Equal(t, 1, s.Asks)

	// settle the ask
	_, err = book.Remove("s", orderbook.Sell)
	require.NoError(t, err)
	ledger.Append(activity.Activity{Kind: activity.KindBuy, Order: ask, Timestamp: now})

	s = v.Stats(24 * time.Hour)
	assert.Nil(t, s.BestAsk)
	require.NotNil(t, s.LastPrice)
	assert.True(t, d("5.00").Equal(*s.LastPrice))
	assert.True(t, d("50.00").Equal(s.Volume))

	clock.Advance(25 * time.Hour)
	s = v.Stats(24 * time.Hour)
	assert.True(t, s.Volume.IsZero())
	require.NotNil(t, s.LastPrice, "last price does not expire with the window")
}
