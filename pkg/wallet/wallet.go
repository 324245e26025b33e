// Package wallet supplies the identity acting on the desk.
package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Provider reports the connected identity, if any.
type Provider interface {
	CurrentAddress() (common.Address, bool)
	IsConnected() bool
}

// KeyWallet is a secp256k1 key that is always connected.
type KeyWallet struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// GenerateKey creates a new random secp256k1 wallet.
func GenerateKey() (*KeyWallet, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return fromKey(privateKey), nil
}

// FromPrivateKeyHex accepts "0x1234..." or "1234..." (64 hex chars).
func FromPrivateKeyHex(hexKey string) (*KeyWallet, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return fromKey(privateKey), nil
}

func fromKey(k *ecdsa.PrivateKey) *KeyWallet {
	return &KeyWallet{privateKey: k, address: crypto.PubkeyToAddress(k.PublicKey)}
}

func (w *KeyWallet) Address() common.Address { return w.address }

// PrivateKeyHex returns the key WITHOUT 0x prefix. Never log it.
func (w *KeyWallet) PrivateKeyHex() string {
	return fmt.Sprintf("%x", crypto.FromECDSA(w.privateKey))
}

func (w *KeyWallet) CurrentAddress() (common.Address, bool) { return w.address, true }
func (w *KeyWallet) IsConnected() bool                      { return true }

// SignTx signs with the latest signer for chainID (EIP-155 and later).
func (w *KeyWallet) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), w.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign tx: %w", err)
	}
	return signed, nil
}

// Session is a switchable provider: connect, disconnect, or change account
// at any time, like a browser wallet.
type Session struct {
	mu      sync.RWMutex
	address common.Address
	active  bool
}

func NewSession() *Session { return &Session{} }

func (s *Session) Connect(addr common.Address) {
	s.mu.Lock()
	s.address, s.active = addr, true
	s.mu.Unlock()
}

func (s *Session) Disconnect() {
	s.mu.Lock()
	s.address, s.active = common.Address{}, false
	s.mu.Unlock()
}

func (s *Session) CurrentAddress() (common.Address, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address, s.active
}

func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}
