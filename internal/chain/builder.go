package chain

import (
	"context"
	"encoding/base64"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/token"
)

// signatureSlotSize is the length of one ed25519 signature in the wire format.
const signatureSlotSize = 64

// BuildRequest describes one unsigned transfer to compose.
type BuildRequest struct {
	Sender    solana.PublicKey
	Recipient solana.PublicKey
	Mint      solana.PublicKey
	Decimals  uint8
	Amount    uint64 // base units

	// FeePayer signs for the network fee. Zero value means the sender pays.
	FeePayer solana.PublicKey

	// CreateRecipientAccount prepends an idempotent create-ATA instruction for
	// the recipient so a first-time receiver does not need a funded account.
	CreateRecipientAccount bool

	// PlatformFeeRecipient/PlatformFeeAmount, when set, append a second
	// transfer inside the same transaction. The ledger executes all
	// instructions or none, so the fee cannot be paid without the principal.
	PlatformFeeRecipient solana.PublicKey
	PlatformFeeAmount    uint64

	// MemoTag embeds a replay tag binding this transaction to one intent.
	MemoTag string
}

// Builder composes unsigned token transfers for client-side signing. It holds
// no signing material; the serialized payload carries a zeroed signature slot
// the wallet fills in.
type Builder struct {
	rpc RPC
}

func NewBuilder(rpc RPC) *Builder {
	return &Builder{rpc: rpc}
}

// Build validates the request, fetches a fresh blockhash, and returns the
// unsigned transaction as base64 over
// [1 byte: signature count][64 zero bytes][compiled message].
func (b *Builder) Build(ctx context.Context, req BuildRequest) (string, error) {
	if err := validateBuildRequest(req); err != nil {
		return "", err
	}

	feePayer := req.FeePayer
	if feePayer.IsZero() {
		feePayer = req.Sender
	}

	senderATA, _, err := solana.FindAssociatedTokenAddress(req.Sender, req.Mint)
	if err != nil {
		return "", fmt.Errorf("derive sender token account: %w", err)
	}
	recipientATA, _, err := solana.FindAssociatedTokenAddress(req.Recipient, req.Mint)
	if err != nil {
		return "", fmt.Errorf("derive recipient token account: %w", err)
	}

	var instructions []solana.Instruction

	if req.CreateRecipientAccount {
		createIx := associatedtokenaccount.NewCreateInstruction(
			feePayer,
			req.Recipient,
			req.Mint,
		).Build()
		instructions = append(instructions, createIx)
	}

	transferIx := token.NewTransferCheckedInstruction(
		req.Amount,
		req.Decimals,
		senderATA,
		req.Mint,
		recipientATA,
		req.Sender,
		nil,
	).Build()
	instructions = append(instructions, transferIx)

	if req.PlatformFeeAmount > 0 {
		feeATA, _, err := solana.FindAssociatedTokenAddress(req.PlatformFeeRecipient, req.Mint)
		if err != nil {
			return "", fmt.Errorf("derive platform fee token account: %w", err)
		}
		feeIx := token.NewTransferCheckedInstruction(
			req.PlatformFeeAmount,
			req.Decimals,
			senderATA,
			req.Mint,
			feeATA,
			req.Sender,
			nil,
		).Build()
		instructions = append(instructions, feeIx)
	}

	if req.MemoTag != "" {
		instructions = append(instructions, newMemoInstruction(req.MemoTag))
	}

	blockhash, err := b.rpc.LatestBlockhash(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(feePayer))
	if err != nil {
		return "", fmt.Errorf("compose transaction: %w", err)
	}

	// One zeroed slot per required signer; the client wallet replaces it.
	numSigners := int(tx.Message.Header.NumRequiredSignatures)
	tx.Signatures = make([]solana.Signature, numSigners)

	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("serialize transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func validateBuildRequest(req BuildRequest) error {
	if req.Sender.IsZero() {
		return fmt.Errorf("%w: sender key is zero", ErrInvalidKey)
	}
	if req.Recipient.IsZero() {
		return fmt.Errorf("%w: recipient key is zero", ErrInvalidKey)
	}
	if req.Mint.IsZero() {
		return fmt.Errorf("%w: mint key is zero", ErrInvalidKey)
	}
	if req.Sender.Equals(req.Recipient) {
		return fmt.Errorf("%w: sender equals recipient", ErrInvalidKey)
	}
	if req.Amount == 0 {
		return ErrNonPositiveAmount
	}
	if req.PlatformFeeAmount > 0 && req.PlatformFeeRecipient.IsZero() {
		return fmt.Errorf("%w: platform fee recipient is zero", ErrInvalidKey)
	}
	return nil
}

// newMemoInstruction builds a memo-program instruction carrying tag. Built by
// hand because the memo program takes no accounts when the payer already signs
// the transaction.
func newMemoInstruction(tag string) solana.Instruction {
	return solana.NewInstruction(solana.MemoProgramID, solana.AccountMetaSlice{}, []byte(tag))
}

// DecodeSigned parses a base64 payload returned by a client wallet and checks
// the wire shape: exactly one signature slot, non-zero signature bytes.
func DecodeSigned(payload string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(raw) < 1+signatureSlotSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedPayload, len(raw))
	}

	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(tx.Signatures) == 0 {
		return nil, fmt.Errorf("%w: no signature slots", ErrMalformedPayload)
	}
	if tx.Signatures[0].IsZero() {
		return nil, ErrUnsignedPayload
	}
	return tx, nil
}
