package chain

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// FakeRPC is an in-memory RPC used by tests and local development. Canned
// transactions are registered up front; submissions are acknowledged with a
// deterministic signature derived from the payload.
type FakeRPC struct {
	mu           sync.Mutex
	blockhash    solana.Hash
	transactions map[solana.Signature]*ParsedTransaction
	statuses     map[solana.Signature]*SignatureStatus
	submitted    []*solana.Transaction

	// SendErr, when set, is returned by SendTransaction.
	SendErr error
	// StatusErr, when set, is returned by SignatureStatus.
	StatusErr error

	tokenBalances  map[string]uint64
	nativeBalances map[solana.PublicKey]uint64
}

func NewFakeRPC() *FakeRPC {
	var hash solana.Hash
	copy(hash[:], []byte("fake-blockhash-for-tests"))
	return &FakeRPC{
		blockhash:      hash,
		transactions:   make(map[solana.Signature]*ParsedTransaction),
		statuses:       make(map[solana.Signature]*SignatureStatus),
		tokenBalances:  make(map[string]uint64),
		nativeBalances: make(map[solana.PublicKey]uint64),
	}
}

func (f *FakeRPC) LatestBlockhash(_ context.Context) (solana.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockhash, nil
}

func (f *FakeRPC) SendTransaction(_ context.Context, tx *solana.Transaction) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return solana.Signature{}, f.SendErr
	}
	f.submitted = append(f.submitted, tx)

	raw, err := tx.MarshalBinary()
	if err != nil {
		return solana.Signature{}, err
	}
	return deterministicSignature(raw), nil
}

func (f *FakeRPC) SignatureStatus(_ context.Context, sig solana.Signature) (*SignatureStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StatusErr != nil {
		return nil, f.StatusErr
	}
	return f.statuses[sig], nil
}

func (f *FakeRPC) FinalizedTransaction(_ context.Context, sig solana.Signature) (*ParsedTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.transactions[sig]
	if !ok {
		return nil, ErrTxNotFound
	}
	return tx, nil
}

func (f *FakeRPC) TokenBalance(_ context.Context, owner, mint solana.PublicKey) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenBalances[owner.String()+"/"+mint.String()], nil
}

func (f *FakeRPC) NativeBalance(_ context.Context, owner solana.PublicKey) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nativeBalances[owner], nil
}

func (f *FakeRPC) Ping(_ context.Context) error { return nil }

// SetTokenBalance seeds an owner's token balance.
func (f *FakeRPC) SetTokenBalance(owner, mint solana.PublicKey, amount uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenBalances[owner.String()+"/"+mint.String()] = amount
}

// SetNativeBalance seeds an owner's lamport balance.
func (f *FakeRPC) SetNativeBalance(owner solana.PublicKey, lamports uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nativeBalances[owner] = lamports
}

// SetStatus registers the confirmation snapshot returned for sig.
func (f *FakeRPC) SetStatus(sig solana.Signature, status *SignatureStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[sig] = status
}

// Submitted returns every transaction passed to SendTransaction.
func (f *FakeRPC) Submitted() []*solana.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*solana.Transaction, len(f.submitted))
	copy(out, f.submitted)
	return out
}

// TransferFixture describes a canned finalized transfer.
type TransferFixture struct {
	Sender     solana.PublicKey
	Recipient  solana.PublicKey
	Mint       solana.PublicKey
	Amount     uint64
	MemoTag    string
	OnChainErr string
	Slot       uint64
}

// AddTransfer registers a finalized token transfer the way a node would report
// it: a transfer-checked instruction over the two derived token accounts plus
// post-balance snapshots resolving each account to its owner and mint. Returns
// the signature under which the fixture is visible.
func (f *FakeRPC) AddTransfer(fix TransferFixture) solana.Signature {
	senderATA, _, _ := solana.FindAssociatedTokenAddress(fix.Sender, fix.Mint)
	recipientATA, _, _ := solana.FindAssociatedTokenAddress(fix.Recipient, fix.Mint)

	data := make([]byte, 10)
	data[0] = tokenInstructionTransferChecked
	binary.LittleEndian.PutUint64(data[1:9], fix.Amount)

	parsed := &ParsedTransaction{
		Slot: fix.Slot,
		Instructions: []ParsedInstruction{{
			ProgramID: solana.TokenProgramID,
			Accounts:  []solana.PublicKey{senderATA, fix.Mint, recipientATA, fix.Sender},
			Data:      data,
		}},
		PostTokenBalances: []TokenBalance{
			{Account: senderATA, Owner: fix.Sender, Mint: fix.Mint},
			{Account: recipientATA, Owner: fix.Recipient, Mint: fix.Mint, Amount: fix.Amount},
		},
	}
	if fix.MemoTag != "" {
		parsed.Instructions = append(parsed.Instructions, ParsedInstruction{
			ProgramID: solana.MemoProgramID,
			Data:      []byte(fix.MemoTag),
		})
		parsed.Memos = []string{fix.MemoTag}
	}
	if fix.OnChainErr != "" {
		msg := fix.OnChainErr
		parsed.Err = &msg
	}

	sig := deterministicSignature(append([]byte(fix.MemoTag), data...))
	parsed.Signature = sig

	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactions[sig] = parsed
	return sig
}

// AddParsed registers an arbitrary parsed transaction under sig.
func (f *FakeRPC) AddParsed(sig solana.Signature, tx *ParsedTransaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactions[sig] = tx
}

func deterministicSignature(payload []byte) solana.Signature {
	var sig solana.Signature
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	copy(sig[:32], first[:])
	copy(sig[32:], second[:])
	return sig
}
