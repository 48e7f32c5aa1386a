// Package wallets resolves platform users to their primary wallet. Wallet
// registration itself lives in another service; the settlement core only
// consumes this lookup.
package wallets

import (
	"context"
	"errors"
	"sync"

	"github.com/gagliardetto/solana-go"
)

var ErrNoWallet = errors.New("user has no registered wallet")

// Resolver maps a platform user to their primary public key.
type Resolver interface {
	ResolvePrimaryWallet(ctx context.Context, userID string) (solana.PublicKey, error)
}

// Static is a map-backed resolver for dev and tests.
type Static struct {
	mu     sync.RWMutex
	byUser map[string]solana.PublicKey
}

func NewStatic() *Static {
	return &Static{byUser: make(map[string]solana.PublicKey)}
}

func (s *Static) Register(userID string, key solana.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byUser[userID] = key
}

func (s *Static) ResolvePrimaryWallet(_ context.Context, userID string) (solana.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byUser[userID]
	if !ok {
		return solana.PublicKey{}, ErrNoWallet
	}
	return key, nil
}
