package chain

import (
	"context"

	"github.com/gagliardetto/solana-go"
)

// RPC abstracts the ledger node interaction. The real implementation talks
// JSON-RPC to a Solana node; tests use FakeRPC with canned transactions.
type RPC interface {
	// LatestBlockhash returns a recent blockhash for transaction freshness.
	LatestBlockhash(ctx context.Context) (solana.Hash, error)

	// SendTransaction submits a fully signed transaction and returns its signature.
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)

	// SignatureStatus reports confirmation progress for a submitted signature.
	// A nil result means the signature is not yet visible to the node.
	SignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error)

	// FinalizedTransaction fetches a transaction at finalized commitment,
	// parsed into the domain shape the verifier consumes. ErrTxNotFound if the
	// node does not know the signature yet.
	FinalizedTransaction(ctx context.Context, sig solana.Signature) (*ParsedTransaction, error)

	// TokenBalance returns the owner's balance of mint in base units. A missing
	// token account reads as zero.
	TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error)

	// NativeBalance returns the owner's lamport balance.
	NativeBalance(ctx context.Context, owner solana.PublicKey) (uint64, error)
}

// HealthChecker is implemented by RPC clients that can probe node liveness.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// SignatureStatus is the confirmation snapshot for one signature.
type SignatureStatus struct {
	Confirmations uint64
	Finalized     bool
	Err           *string // non-nil when the transaction executed but failed on-chain
}

// ParsedTransaction is our domain model of a finalized transaction,
// independent of the RPC response format.
type ParsedTransaction struct {
	Signature    solana.Signature
	Slot         uint64
	Err          *string // nil if the transaction succeeded
	AccountKeys  []solana.PublicKey
	Instructions []ParsedInstruction
	// PostTokenBalances maps token accounts touched by the transaction to
	// their owning wallet and mint after execution. This is the only trusted
	// source for token-account ownership during verification.
	PostTokenBalances []TokenBalance
	Memos             []string
}

// ParsedInstruction is one top-level instruction with resolved account keys.
type ParsedInstruction struct {
	ProgramID solana.PublicKey
	Accounts  []solana.PublicKey
	Data      []byte
}

// TokenBalance is a post-execution token account snapshot.
type TokenBalance struct {
	Account solana.PublicKey
	Owner   solana.PublicKey
	Mint    solana.PublicKey
	Amount  uint64
}
