// Package sponsor decides whether the platform pays the network fee for a
// payer. Policy logic lives elsewhere; the settlement core only consumes the
// yes/no plus the priced fee.
package sponsor

import (
	"context"

	"github.com/gagliardetto/solana-go"
)

// Decision is the sponsorship outcome for one payer.
type Decision struct {
	Sponsor     bool
	FeeLamports uint64
	// Wallet is the sponsor account that signs for the fee when Sponsor is true.
	Wallet solana.PublicKey
}

// Policy answers the sponsorship question for a payer wallet.
type Policy interface {
	ShouldSponsorFee(ctx context.Context, payer solana.PublicKey) (Decision, error)
}

// Threshold sponsors every payer whose native balance is below MinLamports.
type Threshold struct {
	MinLamports uint64
	FeeLamports uint64
	Wallet      solana.PublicKey

	NativeBalance func(ctx context.Context, owner solana.PublicKey) (uint64, error)
}

func (t *Threshold) ShouldSponsorFee(ctx context.Context, payer solana.PublicKey) (Decision, error) {
	balance, err := t.NativeBalance(ctx, payer)
	if err != nil {
		return Decision{}, err
	}
	if balance >= t.MinLamports {
		return Decision{FeeLamports: t.FeeLamports}, nil
	}
	return Decision{Sponsor: true, FeeLamports: t.FeeLamports, Wallet: t.Wallet}, nil
}

// Never declines every request. Useful when no sponsor wallet is configured.
type Never struct {
	FeeLamports uint64
}

func (n Never) ShouldSponsorFee(_ context.Context, _ solana.PublicKey) (Decision, error) {
	return Decision{FeeLamports: n.FeeLamports}, nil
}
