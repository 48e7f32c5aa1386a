package payment

import "errors"

// Pre-flight validation failures. Returned synchronously, no side effects.
var (
	ErrInsufficientBalance = errors.New("insufficient token balance")
	ErrInsufficientGas     = errors.New("insufficient native balance for network fee")
	ErrSelfPayment         = errors.New("payer and payee are the same")
	ErrAmountOutOfBounds   = errors.New("amount out of bounds")
	ErrMissingPayee        = errors.New("payee user or wallet required")
)

// Terminal settlement failures.
var (
	// ErrVerificationMismatch means the finalized transaction did not match
	// the intent's expected parameters. Never retried.
	ErrVerificationMismatch = errors.New("transaction does not match intent")

	// ErrTransactionFailed means the ledger executed the transaction and
	// reported an error.
	ErrTransactionFailed = errors.New("transaction failed on-chain")
)

// State machine refusals.
var (
	ErrNotCancellable  = errors.New("intent can no longer be cancelled")
	ErrPayloadMismatch = errors.New("signed payload does not match the built transaction")
	ErrNotSubmittable  = errors.New("intent is not awaiting a signature")
	ErrAlreadyBound    = errors.New("intent is already bound to a different transaction")
	ErrIntentExpired   = errors.New("intent has expired")
	ErrNotClaimable    = errors.New("payment cannot be claimed")
	ErrStaleTransition = errors.New("transition already applied by another worker")
)
