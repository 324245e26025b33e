package settlement

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/glwdesk/pkg/app/core/orderbook"
)

var (
	ErrBusy              = errors.New("settlement: ledger call in progress")
	ErrInvalidTransition = errors.New("settlement: invalid transition")
	ErrClosed            = errors.New("settlement: attempt is closed")
)

type State int8

const (
	CheckingFunds State = iota
	AwaitingApproval
	Approving
	Executing
	Completed
	Failed
)

var stateNames = [...]string{
	CheckingFunds:    "CheckingFunds",
	AwaitingApproval: "AwaitingApproval",
	Approving:        "Approving",
	Executing:        "Executing",
	Completed:        "Completed",
	Failed:           "Failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int8(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type Reason string

const (
	ReasonInsufficientBalance    Reason = "InsufficientBalance"
	ReasonApprovalRejected       Reason = "ApprovalRejected"
	ReasonApprovalInsufficient   Reason = "ApprovalInsufficient"
	ReasonTransferRejected       Reason = "TransferRejected"
	ReasonTimeout                Reason = "Timeout"
	ReasonOrderNoLongerAvailable Reason = "OrderNoLongerAvailable"
	ReasonAllowanceRevoked       Reason = "AllowanceRevoked"
	ReasonLedgerError            Reason = "LedgerError"
)

// Failure is the error a workflow reports. Recoverable failures name the
// state a retry resumes from.
type Failure struct {
	Reason      Reason
	Recoverable bool
	Resume      State
	Err         error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("settlement %s: %v", f.Reason, f.Err)
	}
	return "settlement " + string(f.Reason)
}

func (f *Failure) Unwrap() error { return f.Err }

// ReasonOf extracts the failure reason from err, if it carries one.
func ReasonOf(err error) (Reason, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason, true
	}
	return "", false
}

// Attempt is a point-in-time copy of a workflow.
type Attempt struct {
	ID           string
	Order        orderbook.Order
	Counterparty common.Address // taker, pays Required
	Payee        common.Address
	Spender      common.Address
	Asset        string
	Required     *big.Int
	Fee          decimal.Decimal
	State        State
	LastError    *Failure
	Reference    string
	Terminal     bool
	StartedAt    time.Time
	UpdatedAt    time.Time
}
