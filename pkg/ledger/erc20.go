package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/uhyunpark/glwdesk/pkg/util"
)

const erc20ABI = `[
  {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"},
  {"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
  {"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"},
  {"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}
]`

// Backend is the slice of an Ethereum JSON-RPC client the ERC-20 ledger
// needs. *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TxSigner signs transactions for a single account.
type TxSigner interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

type ERC20Options struct {
	// ChainID, when set, must match the node's chain id.
	ChainID      int64
	PollInterval time.Duration
	Clock        util.Clock
}

// ERC20 is a Client backed by a real token contract.
type ERC20 struct {
	token   Token
	backend Backend
	signer  TxSigner
	abi     abi.ABI
	chainID *big.Int
	poll    time.Duration
	clock   util.Clock
}

// DialERC20 binds a token contract, verifying the node is on the expected network.
func DialERC20(ctx context.Context, backend Backend, token Token, signer TxSigner, opts ERC20Options) (*ERC20, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse erc20 abi: %w", err)
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}
	if opts.ChainID != 0 && chainID.Cmp(big.NewInt(opts.ChainID)) != 0 {
		return nil, fmt.Errorf("%w: node reports %s, expected %d", ErrChainID, chainID, opts.ChainID)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	return &ERC20{
		token:   token,
		backend: backend,
		signer:  signer,
		abi:     parsed,
		chainID: chainID,
		poll:    opts.PollInterval,
		clock:   opts.Clock,
	}, nil
}

func (e *ERC20) Token() Token { return e.token }

// As returns e for the signing account. Other callers can read but every
// write is rejected: the node only holds one key.
func (e *ERC20) As(caller common.Address) Client {
	if caller == e.signer.Address() {
		return e
	}
	return readOnly{Client: e, caller: caller}
}

type readOnly struct {
	Client
	caller common.Address
}

func (r readOnly) Approve(context.Context, common.Address, *big.Int) (Receipt, error) {
	return Receipt{}, fmt.Errorf("%w: no signing key for %s", ErrRejected, r.caller.Hex())
}

func (r readOnly) Transfer(context.Context, common.Address, common.Address, *big.Int) (Receipt, error) {
	return Receipt{}, fmt.Errorf("%w: no signing key for %s", ErrRejected, r.caller.Hex())
}

// Decimals reads the precision declared by the contract.
func (e *ERC20) Decimals(ctx context.Context) (int32, error) {
	out, err := e.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals output %T", out[0])
	}
	return int32(d), nil
}

func (e *ERC20) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := e.call(ctx, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return asBig(out)
}

func (e *ERC20) AllowanceOf(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	out, err := e.call(ctx, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return asBig(out)
}

func (e *ERC20) Approve(ctx context.Context, spender common.Address, amount *big.Int) (Receipt, error) {
	return e.send(ctx, "approve", spender, amount)
}

// Transfer uses transfer when the signer is the sender and transferFrom
// otherwise, which spends the signer's allowance.
func (e *ERC20) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) (Receipt, error) {
	if from == e.signer.Address() {
		return e.send(ctx, "transfer", to, amount)
	}
	return e.send(ctx, "transferFrom", from, to, amount)
}

func (e *ERC20) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := e.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	to := e.token.Address
	raw, err := e.backend.CallContract(ctx, ethereum.CallMsg{From: e.signer.Address(), To: &to, Data: data}, nil)
	if err != nil {
		return nil, e.wrap(ctx, method, err)
	}
	out, err := e.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: empty output", method)
	}
	return out, nil
}

func (e *ERC20) send(ctx context.Context, method string, args ...interface{}) (Receipt, error) {
	data, err := e.abi.Pack(method, args...)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	from := e.signer.Address()
	to := e.token.Address

	nonce, err := e.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return Receipt{}, e.wrap(ctx, method, err)
	}
	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return Receipt{}, e.wrap(ctx, method, err)
	}
	gas, err := e.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		// estimation runs the call; a revert here is the ledger saying no
		if ctx.Err() != nil {
			return Receipt{}, e.wrap(ctx, method, err)
		}
		return Receipt{}, fmt.Errorf("%w: %s estimate: %v", ErrRejected, method, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    new(big.Int),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := e.signer.SignTx(tx, e.chainID)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to sign %s: %w", method, err)
	}
	if err := e.backend.SendTransaction(ctx, signed); err != nil {
		if ctx.Err() != nil {
			return Receipt{}, e.wrap(ctx, method, err)
		}
		return Receipt{}, fmt.Errorf("%w: %s send: %v", ErrRejected, method, err)
	}
	return e.waitMined(ctx, method, signed.Hash())
}

func (e *ERC20) waitMined(ctx context.Context, method string, hash common.Hash) (Receipt, error) {
	for {
		r, err := e.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if r.Status != types.ReceiptStatusSuccessful {
				return Receipt{TxHash: hash}, fmt.Errorf("%w: %s reverted in tx %s", ErrRejected, method, hash.Hex())
			}
			return Receipt{TxHash: hash}, nil
		case !errors.Is(err, ethereum.NotFound):
			return Receipt{}, e.wrap(ctx, method, err)
		}

		select {
		case <-ctx.Done():
			return Receipt{}, fmt.Errorf("%w: %s tx %s not mined: %v", ErrTimeout, method, hash.Hex(), ctx.Err())
		case <-e.clock.After(e.poll):
		}
	}
}

// wrap classifies transport errors: a done context is a timeout, anything
// else is returned as-is.
func (e *ERC20) wrap(ctx context.Context, method string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, method, err)
	}
	return fmt.Errorf("%s %s: %w", e.token.Symbol, method, err)
}

func asBig(out []interface{}) (*big.Int, error) {
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected uint256 output %T", out[0])
	}
	return v, nil
}
