package chain

import "errors"

var (
	ErrInvalidKey        = errors.New("invalid public key")
	ErrNonPositiveAmount = errors.New("amount must be positive")
	ErrMalformedPayload  = errors.New("malformed transaction payload")
	ErrUnsignedPayload   = errors.New("transaction payload is not signed")

	// ErrTxNotFound means the node does not know the signature yet. Transient:
	// callers retry on their own schedule.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrTxFailed means the transaction executed and the ledger reports an
	// error. Terminal: the same signature can never succeed later.
	ErrTxFailed = errors.New("transaction failed on-chain")
)
