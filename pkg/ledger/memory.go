package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// Op names a ledger operation for fault injection.
type Op string

const (
	OpBalance   Op = "balanceOf"
	OpAllowance Op = "allowance"
	OpApprove   Op = "approve"
	OpTransfer  Op = "transfer"
)

// Fault is a scripted outcome for the next call of one Op.
type Fault struct {
	Err  error // returned instead of executing the call
	Hang bool  // block until the caller's context is done

	// Amount replaces the approved amount (partial approvals).
	Amount *big.Int
}

// Memory is an in-process ERC-20 ledger. It backs the dev server and tests.
// Callers obtain a Client bound to their address with As.
type Memory struct {
	token Token

	mu         sync.Mutex
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
	faults     map[Op][]Fault
	calls      map[Op]int
	nonce      uint64
}

func NewMemory(token Token) *Memory {
	return &Memory{
		token:      token,
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
		faults:     make(map[Op][]Fault),
		calls:      make(map[Op]int),
	}
}

func (m *Memory) Token() Token { return m.token }

// Mint credits owner with amount smallest units.
func (m *Memory) Mint(owner common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balanceLocked(owner).Add(m.balanceLocked(owner), amount)
}

// SetAllowance overwrites an allowance outside any workflow, e.g. an
// external revocation.
func (m *Memory) SetAllowance(owner, spender common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setAllowanceLocked(owner, spender, amount)
}

func (m *Memory) Balance(owner common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.balanceLocked(owner))
}

func (m *Memory) Allowance(owner, spender common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.allowanceLocked(owner, spender))
}

// Inject queues f for the next call of op. Faults are consumed in order.
func (m *Memory) Inject(op Op, f Fault) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], f)
}

// Calls returns how many times op was invoked, faulted calls included.
func (m *Memory) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// As returns a Client acting as caller.
func (m *Memory) As(caller common.Address) Client {
	return &memClient{ledger: m, caller: caller}
}

func (m *Memory) balanceLocked(owner common.Address) *big.Int {
	b, ok := m.balances[owner]
	if !ok {
		b = new(big.Int)
		m.balances[owner] = b
	}
	return b
}

func (m *Memory) allowanceLocked(owner, spender common.Address) *big.Int {
	if a, ok := m.allowances[owner][spender]; ok {
		return a
	}
	return new(big.Int)
}

func (m *Memory) setAllowanceLocked(owner, spender common.Address, amount *big.Int) {
	if m.allowances[owner] == nil {
		m.allowances[owner] = make(map[common.Address]*big.Int)
	}
	m.allowances[owner][spender] = new(big.Int).Set(amount)
}

// takeFault pops the next scripted fault for op.
func (m *Memory) takeFault(op Op) (Fault, bool) {
	m.calls[op]++
	q := m.faults[op]
	if len(q) == 0 {
		return Fault{}, false
	}
	m.faults[op] = q[1:]
	return q[0], true
}

// txHash derives a keccak256 reference the same way for every write.
func (m *Memory) txHash(op Op, parts ...[]byte) common.Hash {
	m.nonce++
	h := sha3.NewLegacyKeccak256()
	h.Write(m.token.Address.Bytes())
	h.Write([]byte(op))
	for _, p := range parts {
		h.Write(p)
	}
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], m.nonce)
	h.Write(n[:])
	return common.BytesToHash(h.Sum(nil))
}

type memClient struct {
	ledger *Memory
	caller common.Address
}

// enter records the call and applies any scripted fault. A nil fault with
// ok=false means proceed normally.
func (c *memClient) enter(ctx context.Context, op Op) (Fault, error) {
	if err := ctx.Err(); err != nil {
		return Fault{}, err
	}
	c.ledger.mu.Lock()
	f, ok := c.ledger.takeFault(op)
	c.ledger.mu.Unlock()
	if !ok {
		return Fault{}, nil
	}
	if f.Hang {
		<-ctx.Done()
		return f, fmt.Errorf("%w: %s: %v", ErrTimeout, op, ctx.Err())
	}
	if f.Err != nil {
		return f, fmt.Errorf("%s: %w", op, f.Err)
	}
	return f, nil
}

func (c *memClient) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	if _, err := c.enter(ctx, OpBalance); err != nil {
		return nil, err
	}
	return c.ledger.Balance(owner), nil
}

func (c *memClient) AllowanceOf(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	if _, err := c.enter(ctx, OpAllowance); err != nil {
		return nil, err
	}
	return c.ledger.Allowance(owner, spender), nil
}

func (c *memClient) Approve(ctx context.Context, spender common.Address, amount *big.Int) (Receipt, error) {
	f, err := c.enter(ctx, OpApprove)
	if err != nil {
		return Receipt{}, err
	}
	if amount.Sign() < 0 {
		return Receipt{}, fmt.Errorf("%w: approve negative amount", ErrRejected)
	}
	granted := amount
	if f.Amount != nil {
		granted = f.Amount
	}

	m := c.ledger
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setAllowanceLocked(c.caller, spender, granted)
	return Receipt{TxHash: m.txHash(OpApprove, c.caller.Bytes(), spender.Bytes(), granted.Bytes())}, nil
}

// Transfer moves amount from -> to. When the caller is not the sender the
// caller's allowance is consumed, as transferFrom does.
func (c *memClient) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) (Receipt, error) {
	if _, err := c.enter(ctx, OpTransfer); err != nil {
		return Receipt{}, err
	}
	if amount.Sign() <= 0 {
		return Receipt{}, fmt.Errorf("%w: transfer amount must be positive", ErrRejected)
	}

	m := c.ledger
	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.balanceLocked(from)
	if src.Cmp(amount) < 0 {
		return Receipt{}, fmt.Errorf("%w: balance %s below %s", ErrRejected, src, amount)
	}
	if from != c.caller {
		allowed := m.allowanceLocked(from, c.caller)
		if allowed.Cmp(amount) < 0 {
			return Receipt{}, fmt.Errorf("%w: allowance %s below %s", ErrRejected, allowed, amount)
		}
		m.setAllowanceLocked(from, c.caller, new(big.Int).Sub(allowed, amount))
	}
	src.Sub(src, amount)
	dst := m.balanceLocked(to)
	dst.Add(dst, amount)
	return Receipt{TxHash: m.txHash(OpTransfer, from.Bytes(), to.Bytes(), amount.Bytes())}, nil
}
