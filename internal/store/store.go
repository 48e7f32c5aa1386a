// Package store persists payment intents and ledger rows. Every status
// transition is a single conditional update of the form "set new status where
// current status = expected prior status"; a false result means someone else
// already handled it and the caller must treat that as a no-op.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"stablerails/internal/domain"
)

var (
	ErrNotFound = errors.New("payment intent not found")

	// ErrAlreadyProcessed surfaces the ledger-reference uniqueness violation:
	// a second intent tried to bind to an already-claimed transaction.
	ErrAlreadyProcessed = errors.New("ledger reference already processed")
)

// Store is the persistence surface the coordinator and poller run against.
// Multiple stateless instances may share one store; the guarded transitions
// are the only mutual exclusion.
type Store interface {
	CreateIntent(ctx context.Context, intent *domain.PaymentIntent) error
	GetIntent(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error)
	GetIntentByLedgerRef(ctx context.Context, ref string) (*domain.PaymentIntent, error)
	GetIntentByMemoTag(ctx context.Context, tag string) (*domain.PaymentIntent, error)

	// BindUnsignedTx moves created → awaiting_signature, attaching the
	// payload the client signs. Wallet fields are frozen from here on.
	BindUnsignedTx(ctx context.Context, id uuid.UUID, unsignedTx string, expiresAt time.Time) (bool, error)

	// MarkSubmitted moves awaiting_signature → submitted and records the
	// ledger reference. Returns ErrAlreadyProcessed when another intent
	// already owns the reference.
	MarkSubmitted(ctx context.Context, id uuid.UUID, ledgerRef string) (bool, error)

	// UpdateConfirmations moves submitted → confirming (or keeps confirming)
	// and stores the observed confirmation count.
	UpdateConfirmations(ctx context.Context, id uuid.UUID, confirmations uint64) (bool, error)

	// Confirm moves submitted/confirming → confirmed.
	Confirm(ctx context.Context, id uuid.UUID, when time.Time) (bool, error)

	// Complete moves confirmed → completed and, in the same storage
	// transaction, appends the ledger entries and increments the recipient's
	// received counter. The guard makes the whole step exactly-once.
	Complete(ctx context.Context, id uuid.UUID, entries []domain.LedgerEntry) (bool, error)

	Fail(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
	Expire(ctx context.Context, id uuid.UUID) (bool, error)

	MarkSweepEligible(ctx context.Context, id uuid.UUID) (bool, error)
	MarkSwept(ctx context.Context, id uuid.UUID, treasuryRef string) (bool, error)

	// Claim binds an unclaimed confirmed/completed payment to a payee.
	Claim(ctx context.Context, id uuid.UUID, payeeID string) (bool, error)

	// CreateSponsorship records a gas sponsorship at most once per intent.
	CreateSponsorship(ctx context.Context, s domain.GasSponsorship) error
	GetSponsorship(ctx context.Context, intentID uuid.UUID) (*domain.GasSponsorship, error)

	// InFlight lists submitted/confirming intents with a ledger reference,
	// oldest first.
	InFlight(ctx context.Context, limit int) ([]*domain.PaymentIntent, error)
	// Expirable lists pre-terminal intents whose deadline has passed.
	Expirable(ctx context.Context, now time.Time, limit int) ([]*domain.PaymentIntent, error)
	// OrphanedConfirmed lists intents stuck in confirmed with no ledger rows,
	// typically after a crash between confirmation and completion.
	OrphanedConfirmed(ctx context.Context, before time.Time, limit int) ([]*domain.PaymentIntent, error)
	// SweepCandidates lists completed intents past the refund window that are
	// not yet marked sweep-eligible.
	SweepCandidates(ctx context.Context, before time.Time, limit int) ([]*domain.PaymentIntent, error)
	// Unclaimed lists confirmed/completed intents with no payee bound.
	Unclaimed(ctx context.Context, limit int) ([]*domain.PaymentIntent, error)

	Entries(ctx context.Context, ownerID string) ([]domain.LedgerEntry, error)
	EntriesByIntent(ctx context.Context, intentID uuid.UUID) ([]domain.LedgerEntry, error)
	// Balance is SUM(delta) over the owner's entries.
	Balance(ctx context.Context, ownerID string) (int64, error)
	ReceivedCount(ctx context.Context, ownerID string) (int64, error)
}
