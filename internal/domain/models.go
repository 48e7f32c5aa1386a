package domain

import (
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// Status is the payment intent lifecycle state. Transitions only move
// forward; every write that advances a status is conditional on the expected
// prior status.
type Status string

const (
	StatusCreated           Status = "created"
	StatusAwaitingSignature Status = "awaiting_signature"
	StatusSubmitted         Status = "submitted"
	StatusConfirming        Status = "confirming"
	StatusConfirmed         Status = "confirmed"
	StatusCompleted         Status = "completed"
	StatusCancelled         Status = "cancelled"
	StatusExpired           Status = "expired"
	StatusFailed            Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// Cancellable reports whether the payer may still cancel. Once a ledger
// reference exists the transfer is irrevocable.
func (s Status) Cancellable() bool {
	return s == StatusCreated || s == StatusAwaitingSignature
}

// Purpose tags the payment flavor. All flavors share one state machine and
// one storage shape; purpose-specific data lives in Reference.
type Purpose string

const (
	PurposeDirect    Purpose = "direct"
	PurposeSupport   Purpose = "support"
	PurposeRecurring Purpose = "recurring"
	PurposeCheckout  Purpose = "checkout"
)

// PaymentIntent is a request to move stablecoin value from a payer to a
// payee. Terminal intents are retained for audit and replay-guard lookups,
// never deleted.
type PaymentIntent struct {
	ID      uuid.UUID
	Purpose Purpose

	PayerID string
	// PayeeID is empty for tag-bound flows until a user claims the payment.
	PayeeID string

	// Amount and PlatformFee are base units of Mint. Signed arithmetic never
	// touches these; display conversion happens at the edges.
	Amount      uint64
	PlatformFee uint64
	Mint        solana.PublicKey

	PayerWallet solana.PublicKey
	PayeeWallet solana.PublicKey

	// UnsignedTx is the base64 payload handed to the client wallet. Wallet
	// addresses are immutable once it is set.
	UnsignedTx string

	// LedgerRef is the transaction signature once submitted. Unique across
	// all intents; the replay guard of last resort.
	LedgerRef string

	// MemoTag binds the on-chain transaction to this intent when exact
	// (sender, recipient, amount) matching cannot rule out replay.
	MemoTag string

	// SponsoredFee indicates the platform pays the network fee.
	SponsoredFee bool

	Status        Status
	Confirmations uint64
	FailureReason string

	// Reference carries purpose-specific data: a support note, a recurrence
	// key, a checkout order id.
	Reference string

	SweepEligible bool
	TreasuryRef   string
	SweptAt       *time.Time

	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EntryType classifies one ledger row.
type EntryType string

const (
	EntryDebit  EntryType = "debit"
	EntryCredit EntryType = "credit"
	EntryFee    EntryType = "fee"
)

// LedgerEntry is one immutable leg of a completed payment. Entries for a
// given intent are written exactly once, enforced by the guarded Complete
// transition rather than by a uniqueness constraint alone.
type LedgerEntry struct {
	ID       int64
	OwnerID  string
	IntentID uuid.UUID
	Type     EntryType
	// Delta is signed base units: negative for debits.
	Delta int64
	// Balance is the owner's balance after this entry, snapshotted at write
	// time. The authoritative balance is always recomputed as SUM(delta) on
	// read.
	Balance   int64
	CreatedAt time.Time
}

// GasSponsorship records that the platform paid the network fee for an
// intent. Append-only, at most one row per intent.
type GasSponsorship struct {
	IntentID    uuid.UUID
	Sponsor     solana.PublicKey
	FeeLamports uint64
	CreatedAt   time.Time
}
