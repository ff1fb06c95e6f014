// Package settlement models the narrow boundary to the on-chain marketplace
// contract. The server never submits or signs settlement transactions; the
// caller's wallet session does. This package carries the session state the
// caller needs (contract address, expected network) and validates the
// confirmation outcomes the caller reports back.
package settlement

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"chainmarket/internal/domain"
)

// Outcome is the result of a settlement-layer transaction as reported by the
// caller's signing session once the transaction is mined (or abandoned).
type Outcome struct {
	Confirmed bool   `json:"confirmed"`
	TxHash    string `json:"txHash,omitempty"`
	ChainID   int64  `json:"chainId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// NetworkChange is emitted when the session's expected network switches.
type NetworkChange struct {
	ChainID *big.Int
}

// Session holds the settlement-layer parameters shared with wallet clients:
// the marketplace contract address and the chain it is deployed on. Network
// switches are explicit notifications rather than ambient mutation, so every
// consumer observes the change.
type Session struct {
	contract common.Address

	mu      sync.RWMutex
	chainID *big.Int
	subs    []chan NetworkChange
}

// NewSession creates a Session for the given contract address and chain ID.
func NewSession(contractAddr string, chainID int64) (*Session, error) {
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("settlement: invalid contract address %q", contractAddr)
	}
	if chainID <= 0 {
		return nil, fmt.Errorf("settlement: invalid chain id %d", chainID)
	}
	return &Session{
		contract: common.HexToAddress(contractAddr),
		chainID:  big.NewInt(chainID),
	}, nil
}

// Contract returns the marketplace contract address.
func (s *Session) Contract() common.Address {
	return s.contract
}

// ChainID returns the currently expected chain ID.
func (s *Session) ChainID() *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return new(big.Int).Set(s.chainID)
}

// SwitchNetwork updates the expected chain and notifies all subscribers.
func (s *Session) SwitchNetwork(chainID int64) error {
	if chainID <= 0 {
		return fmt.Errorf("settlement: invalid chain id %d", chainID)
	}

	s.mu.Lock()
	s.chainID = big.NewInt(chainID)
	subs := make([]chan NetworkChange, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	change := NetworkChange{ChainID: big.NewInt(chainID)}
	for _, ch := range subs {
		select {
		case ch <- change:
		default:
		}
	}
	return nil
}

// NetworkChanges returns a channel that receives a notification on every
// network switch. Slow consumers miss notifications rather than block the
// switch.
func (s *Session) NetworkChanges() <-chan NetworkChange {
	ch := make(chan NetworkChange, 4)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// ValidateOutcome checks that a reported outcome is well-formed: a confirmed
// outcome must carry a valid transaction hash, and when the outcome names a
// chain it must match the session's expected network.
func (s *Session) ValidateOutcome(o Outcome) error {
	if o.Confirmed {
		if len(o.TxHash) != common.HashLength*2+2 || o.TxHash[:2] != "0x" {
			return fmt.Errorf("settlement: malformed tx hash %q: %w", o.TxHash, domain.ErrMalformedOutcome)
		}
		var h common.Hash
		if err := h.UnmarshalText([]byte(o.TxHash)); err != nil {
			return fmt.Errorf("settlement: malformed tx hash %q: %w", o.TxHash, domain.ErrMalformedOutcome)
		}
	}

	if o.ChainID != 0 {
		s.mu.RLock()
		expected := s.chainID.Int64()
		s.mu.RUnlock()
		if o.ChainID != expected {
			return fmt.Errorf("settlement: outcome for chain %d, expected %d: %w",
				o.ChainID, expected, domain.ErrWrongNetwork)
		}
	}

	return nil
}

// Info is the session snapshot exposed to wallet clients so they can build
// and submit the settlement transaction themselves.
type Info struct {
	Contract string `json:"contract"`
	ChainID  int64  `json:"chainId"`
}

// Info returns the current session snapshot.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		Contract: s.contract.Hex(),
		ChainID:  s.chainID.Int64(),
	}
}
