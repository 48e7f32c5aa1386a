package chain

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Token program instruction discriminators for the two transfer layouts.
const (
	tokenInstructionTransfer        = 3
	tokenInstructionTransferChecked = 12
)

// tolerancePermille is how far (per 1000) an observed amount may deviate from
// the expected amount and still match. 10 = ±1%, which absorbs rounding in
// decimal-to-base-unit conversions done by client wallets.
const tolerancePermille = 10

// Expectation is what one payment intent expects a finalized transaction to
// contain.
type Expectation struct {
	Sender    solana.PublicKey
	Recipient solana.PublicKey
	Mint      solana.PublicKey
	Amount    uint64

	// MemoTag, when non-empty, must appear verbatim in a memo instruction.
	// Required whenever (sender, recipient, amount) alone cannot rule out the
	// same transfer being claimed by two intents.
	MemoTag string
}

// VerificationResult reports each match independently so callers can surface
// a specific failure instead of one opaque mismatch.
type VerificationResult struct {
	SenderMatches    bool
	RecipientMatches bool
	MintMatches      bool
	AmountMatches    bool
	MemoMatches      bool // true when no tag was expected
	ObservedAmount   uint64
	Slot             uint64
}

// OK reports whether every expected property held.
func (r VerificationResult) OK() bool {
	return r.SenderMatches && r.RecipientMatches && r.MintMatches && r.AmountMatches && r.MemoMatches
}

// Verifier re-validates finalized transactions against intent expectations.
// It is a pure function over one RPC snapshot; retry policy belongs to the
// caller.
type Verifier struct {
	rpc RPC
}

func NewVerifier(rpc RPC) *Verifier {
	return &Verifier{rpc: rpc}
}

// Verify fetches the transaction at finalized commitment and matches it
// against want. ErrTxNotFound is returned as-is (transient); ErrTxFailed when
// the ledger reports an execution error (terminal).
func (v *Verifier) Verify(ctx context.Context, sig solana.Signature, want Expectation) (VerificationResult, error) {
	tx, err := v.rpc.FinalizedTransaction(ctx, sig)
	if err != nil {
		return VerificationResult{}, err
	}
	if tx.Err != nil {
		return VerificationResult{}, fmt.Errorf("%w: %s", ErrTxFailed, *tx.Err)
	}
	return Match(tx, want), nil
}

// Match evaluates want against an already-fetched transaction. Exposed
// separately so the verifier can be exercised with canned fixtures.
func Match(tx *ParsedTransaction, want Expectation) VerificationResult {
	result := VerificationResult{Slot: tx.Slot}

	transfers := extractTokenTransfers(tx)
	for _, tr := range transfers {
		// Resolve owner and mint from the post-transfer balance snapshot. The
		// token-account address itself is never trusted as a wallet identity.
		source, sourceOK := lookupTokenBalance(tx, tr.Source)
		dest, destOK := lookupTokenBalance(tx, tr.Destination)
		if !sourceOK || !destOK {
			continue
		}
		if !dest.Owner.Equals(want.Recipient) {
			continue
		}

		result.RecipientMatches = true
		result.ObservedAmount = tr.Amount
		result.SenderMatches = source.Owner.Equals(want.Sender)
		result.MintMatches = source.Mint.Equals(want.Mint) && dest.Mint.Equals(want.Mint)
		result.AmountMatches = withinTolerance(tr.Amount, want.Amount)
		break
	}

	if want.MemoTag == "" {
		result.MemoMatches = true
	} else {
		for _, m := range tx.Memos {
			if m == want.MemoTag {
				result.MemoMatches = true
				break
			}
		}
	}
	return result
}

// withinTolerance accepts observed amounts in [expected - 1%, expected + 1%].
// Pure integer arithmetic; bounds round toward acceptance so that exactly
// 0.99x and 1.01x pass.
func withinTolerance(observed, expected uint64) bool {
	margin := expected * tolerancePermille / 1000
	return observed >= expected-margin && observed <= expected+margin
}

type tokenTransfer struct {
	Source      solana.PublicKey
	Destination solana.PublicKey
	Amount      uint64
}

// extractTokenTransfers pulls every token-program transfer out of the
// transaction, normalizing the Transfer and TransferChecked layouts.
func extractTokenTransfers(tx *ParsedTransaction) []tokenTransfer {
	var out []tokenTransfer
	for _, ix := range tx.Instructions {
		if !ix.ProgramID.Equals(solana.TokenProgramID) {
			continue
		}
		if len(ix.Data) < 9 {
			continue
		}
		amount := binary.LittleEndian.Uint64(ix.Data[1:9])
		switch ix.Data[0] {
		case tokenInstructionTransfer:
			// accounts: source, destination, owner
			if len(ix.Accounts) < 3 {
				continue
			}
			out = append(out, tokenTransfer{Source: ix.Accounts[0], Destination: ix.Accounts[1], Amount: amount})
		case tokenInstructionTransferChecked:
			// accounts: source, mint, destination, owner
			if len(ix.Accounts) < 4 {
				continue
			}
			out = append(out, tokenTransfer{Source: ix.Accounts[0], Destination: ix.Accounts[2], Amount: amount})
		}
	}
	return out
}

func lookupTokenBalance(tx *ParsedTransaction, account solana.PublicKey) (TokenBalance, bool) {
	for _, tb := range tx.PostTokenBalances {
		if tb.Account.Equals(account) {
			return tb, true
		}
	}
	return TokenBalance{}, false
}

// ExtractMemos returns the payloads of all memo-program instructions. Memo
// data is expected to be short printable ASCII; anything else is returned
// verbatim and simply will not match a tag.
func ExtractMemos(instructions []ParsedInstruction) []string {
	var memos []string
	for _, ix := range instructions {
		if ix.ProgramID.Equals(solana.MemoProgramID) && len(bytes.TrimSpace(ix.Data)) > 0 {
			memos = append(memos, string(ix.Data))
		}
	}
	return memos
}
