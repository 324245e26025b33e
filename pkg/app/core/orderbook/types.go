package orderbook

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder   = errors.New("orderbook: invalid order")
	ErrDuplicateOrder = errors.New("orderbook: duplicate order id")
	ErrNotFound       = errors.New("orderbook: order not found")
	ErrConflict       = errors.New("orderbook: order busy")
)

type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	}
	return fmt.Sprintf("side(%d)", int8(s))
}

func (s Side) Valid() bool { return s == Buy || s == Sell }

func (s Side) Opposite() Side { return -s }

// TakerAction is what a counterparty does to an order on this side:
// they sell into a bid and buy from an ask.
func (s Side) TakerAction() string {
	if s == Buy {
		return "Sell"
	}
	return "Buy"
}

func ParseSide(v string) (Side, error) {
	switch strings.ToLower(v) {
	case "buy", "bid":
		return Buy, nil
	case "sell", "ask":
		return Sell, nil
	}
	return 0, fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, v)
}

func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: side %d", ErrInvalidOrder, int8(s))
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Order is a resting intent on the bulletin board. Total is fixed at listing.
type Order struct {
	ID       string          `json:"id"`
	Side     Side            `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Total    decimal.Decimal `json:"total"`
	Owner    common.Address  `json:"owner"`
	ListedAt time.Time       `json:"listedAt"`
}

// NewOrder validates the inputs and snapshots Total = round(price*quantity, 2).
func NewOrder(id string, side Side, price, quantity decimal.Decimal, owner common.Address, listedAt time.Time) (Order, error) {
	o := Order{
		ID:       id,
		Side:     side,
		Price:    price,
		Quantity: quantity,
		Total:    price.Mul(quantity).Round(2),
		Owner:    owner,
		ListedAt: listedAt,
	}
	if err := o.Validate(); err != nil {
		return Order{}, err
	}
	return o, nil
}

func (o Order) Validate() error {
	switch {
	case o.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidOrder)
	case !o.Side.Valid():
		return fmt.Errorf("%w: side %d", ErrInvalidOrder, int8(o.Side))
	case !o.Price.IsPositive():
		return fmt.Errorf("%w: price must be positive, got %s", ErrInvalidOrder, o.Price)
	case !o.Quantity.IsPositive():
		return fmt.Errorf("%w: quantity must be positive, got %s", ErrInvalidOrder, o.Quantity)
	}
	return nil
}

type SortField string

const (
	FieldListedAt SortField = "listedAt"
	FieldPrice    SortField = "price"
	FieldQuantity SortField = "quantity"
	FieldTotal    SortField = "total"
)

func ParseSortField(v string) (SortField, error) {
	switch f := SortField(v); f {
	case FieldListedAt, FieldPrice, FieldQuantity, FieldTotal:
		return f, nil
	case "":
		return FieldPrice, nil
	}
	return "", fmt.Errorf("unknown sort field %q", v)
}

type Direction string

const (
	DirDefault Direction = ""
	DirAsc     Direction = "asc"
	DirDesc    Direction = "desc"
)

func ParseDirection(v string) (Direction, error) {
	switch d := Direction(strings.ToLower(v)); d {
	case DirDefault, DirAsc, DirDesc:
		return d, nil
	}
	return "", fmt.Errorf("unknown sort direction %q", v)
}

// DefaultDirection: best bid (highest) first, best ask (lowest) first.
func (s Side) DefaultDirection() Direction {
	if s == Buy {
		return DirDesc
	}
	return DirAsc
}
