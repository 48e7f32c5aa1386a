package payment

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"stablerails/internal/chain"
	"stablerails/internal/domain"
	"stablerails/internal/notify"
	"stablerails/internal/sponsor"
	"stablerails/internal/store"
	"stablerails/internal/wallets"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingNotifier) Notify(_ context.Context, userID string, event notify.Event, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, userID+"/"+string(event))
	return nil
}

func (r *recordingNotifier) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

type testEnv struct {
	coord    *Coordinator
	fake     *chain.FakeRPC
	store    *store.Memory
	notifier *recordingNotifier

	mint      solana.PublicKey
	payerKey  solana.PublicKey
	payeeKey  solana.PublicKey
	feeWallet solana.PublicKey
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		fake:      chain.NewFakeRPC(),
		store:     store.NewMemory(),
		notifier:  &recordingNotifier{},
		mint:      solana.NewWallet().PublicKey(),
		payerKey:  solana.NewWallet().PublicKey(),
		payeeKey:  solana.NewWallet().PublicKey(),
		feeWallet: solana.NewWallet().PublicKey(),
	}

	resolver := wallets.NewStatic()
	resolver.Register("alice", env.payerKey)
	resolver.Register("bob", env.payeeKey)

	cfg := Config{
		Mint:                  env.mint,
		Decimals:              6,
		MinAmount:             1000,
		PlatformFeeBps:        100, // 1%
		PlatformFeeWallet:     env.feeWallet,
		MinGasLamports:        5000,
		IntentTTL:             time.Minute,
		ConfirmationThreshold: 2,
		VerifyRetrySchedule:   []time.Duration{0},
	}
	env.coord = NewCoordinator(cfg, env.store, env.fake, resolver, sponsor.Never{FeeLamports: 5000}, env.notifier)

	// Well funded by default; individual tests tighten balances.
	env.fake.SetTokenBalance(env.payerKey, env.mint, 100_000_000)
	env.fake.SetNativeBalance(env.payerKey, 1_000_000)
	return env
}

// signPayload stands in for a client wallet: it fills the zeroed signature
// slot and returns the re-encoded transaction.
func signPayload(t *testing.T, unsigned string) string {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(unsigned)
	if err != nil {
		t.Fatalf("decode unsigned payload: %v", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		t.Fatalf("parse unsigned payload: %v", err)
	}
	copy(tx.Signatures[0][:], []byte("sixty-four-bytes-of-stand-in-signature-material-for-this-test.."))
	signed, err := tx.MarshalBinary()
	if err != nil {
		t.Fatalf("re-encode signed payload: %v", err)
	}
	return base64.StdEncoding.EncodeToString(signed)
}

func TestCreateIntentHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	intent, err := env.coord.CreateIntent(ctx, CreateIntentRequest{
		PayerID: "alice",
		PayeeID: "bob",
		Amount:  1_000_000,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if intent.Status != domain.StatusAwaitingSignature {
		t.Fatalf("expected awaiting_signature, got %s", intent.Status)
	}
	if intent.UnsignedTx == "" {
		t.Fatal("expected unsigned transaction to be bound")
	}
	if intent.PlatformFee != 10_000 {
		t.Fatalf("expected 1%% fee of 10000, got %d", intent.PlatformFee)
	}
	if intent.MemoTag != "" {
		t.Fatalf("direct payment should not carry a memo tag, got %q", intent.MemoTag)
	}
	if intent.Purpose != domain.PurposeDirect {
		t.Fatalf("expected default purpose direct, got %s", intent.Purpose)
	}
}

func TestCreateIntentBalanceBoundary(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// amount 1_000_000 + 1% fee = 1_010_000 required.
	env.fake.SetTokenBalance(env.payerKey, env.mint, 1_010_000)
	if _, err := env.coord.CreateIntent(ctx, CreateIntentRequest{
		PayerID: "alice", PayeeID: "bob", Amount: 1_000_000,
	}); err != nil {
		t.Fatalf("balance exactly equal to required must pass: %v", err)
	}

	env.fake.SetTokenBalance(env.payerKey, env.mint, 1_009_999)
	_, err := env.coord.CreateIntent(ctx, CreateIntentRequest{
		PayerID: "alice", PayeeID: "bob", Amount: 1_000_000,
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestCreateIntentPreFlight(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		req     CreateIntentRequest
		prep    func()
		wantErr error
	}{
		{
			name:    "below minimum",
			req:     CreateIntentRequest{PayerID: "alice", PayeeID: "bob", Amount: 999},
			wantErr: ErrAmountOutOfBounds,
		},
		{
			name:    "self payment by user",
			req:     CreateIntentRequest{PayerID: "alice", PayeeID: "alice", Amount: 10_000},
			wantErr: ErrSelfPayment,
		},
		{
			name:    "self payment by wallet",
			req:     CreateIntentRequest{PayerID: "alice", PayeeWallet: env.payerKey, Amount: 10_000},
			wantErr: ErrSelfPayment,
		},
		{
			name:    "no payee at all",
			req:     CreateIntentRequest{PayerID: "alice", Amount: 10_000},
			wantErr: ErrMissingPayee,
		},
		{
			name:    "unknown payer wallet",
			req:     CreateIntentRequest{PayerID: "mallory", PayeeID: "bob", Amount: 10_000},
			wantErr: wallets.ErrNoWallet,
		},
		{
			name: "insufficient gas",
			req:  CreateIntentRequest{PayerID: "alice", PayeeID: "bob", Amount: 10_000},
			prep: func() { env.fake.SetNativeBalance(env.payerKey, 4999) },

			wantErr: ErrInsufficientGas,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.prep != nil {
				tc.prep()
			}
			_, err := env.coord.CreateIntent(ctx, tc.req)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestCreateIntentMemoTag(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	intent, err := env.coord.CreateIntent(ctx, CreateIntentRequest{
		Purpose: domain.PurposeSupport,
		PayerID: "alice",
		PayeeID: "bob",
		Amount:  50_000,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	want := "stablerails:" + intent.ID.String()
	if intent.MemoTag != want {
		t.Fatalf("expected tag %q, got %q", want, intent.MemoTag)
	}

	// RequireTag forces the tag onto a direct payment too.
	tagged, err := env.coord.CreateIntent(ctx, CreateIntentRequest{
		PayerID: "alice", PayeeID: "bob", Amount: 50_000, RequireTag: true,
	})
	if err != nil {
		t.Fatalf("create tagged intent: %v", err)
	}
	if tagged.MemoTag == "" {
		t.Fatal("RequireTag set but no memo tag bound")
	}
}

func TestSubmitSignedLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	intent, err := env.coord.CreateIntent(ctx, CreateIntentRequest{
		PayerID: "alice", PayeeID: "bob", Amount: 1_000_000,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}

	payload := signPayload(t, intent.UnsignedTx)
	submitted, err := env.coord.SubmitSigned(ctx, intent.ID, payload)
	if err != nil {
		t.Fatalf("submit signed: %v", err)
	}
	if submitted.Status != domain.StatusSubmitted {
		t.Fatalf("expected submitted, got %s", submitted.Status)
	}
	if submitted.LedgerRef == "" {
		t.Fatal("expected ledger ref after submission")
	}
	if got := len(env.fake.Submitted()); got != 1 {
		t.Fatalf("expected one node submission, got %d", got)
	}

	// Retrying the same submission is a no-op returning the current state.
	again, err := env.coord.SubmitSigned(ctx, intent.ID, payload)
	if err != nil {
		t.Fatalf("idempotent resubmit: %v", err)
	}
	if again.LedgerRef != submitted.LedgerRef {
		t.Fatalf("resubmit changed ledger ref: %s vs %s", again.LedgerRef, submitted.LedgerRef)
	}
	if got := len(env.fake.Submitted()); got != 1 {
		t.Fatalf("resubmit must not reach the node again, saw %d submissions", got)
	}
}

func TestSubmitSignedRejectsTamperedPayload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	intent, err := env.coord.CreateIntent(ctx, CreateIntentRequest{
		PayerID: "alice", PayeeID: "bob", Amount: 1_000_000,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}

	// A signed payload built from a different transaction must be refused.
	other, err := env.coord.CreateIntent(ctx, CreateIntentRequest{
		PayerID: "alice", PayeeID: "bob", Amount: 2_000_000,
	})
	if err != nil {
		t.Fatalf("create other intent: %v", err)
	}
	_, err = env.coord.SubmitSigned(ctx, intent.ID, signPayload(t, other.UnsignedTx))
	if !errors.Is(err, ErrPayloadMismatch) {
		t.Fatalf("expected ErrPayloadMismatch, got %v", err)
	}

	_, err = env.coord.SubmitSigned(ctx, intent.ID, intent.UnsignedTx)
	if !errors.Is(err, chain.ErrUnsignedPayload) {
		t.Fatalf("expected ErrUnsignedPayload for unsigned payload, got %v", err)
	}
}

func TestSubmitSignedExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	intent, err := env.coord.CreateIntent(ctx, CreateIntentRequest{
		PayerID: "alice", PayeeID: "bob", Amount: 1_000_000,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}

	env.coord.now = func() time.Time { return intent.ExpiresAt.Add(time.Second) }
	_, err = env.coord.SubmitSigned(ctx, intent.ID, signPayload(t, intent.UnsignedTx))
	if !errors.Is(err, ErrIntentExpired) {
		t.Fatalf("expected ErrIntentExpired, got %v", err)
	}

	got, err := env.store.GetIntent(ctx, intent.ID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if got.Status != domain.StatusExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}
}

func TestCancelRules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	intent, err := env.coord.CreateIntent(ctx, CreateIntentRequest{
		PayerID: "alice", PayeeID: "bob", Amount: 1_000_000,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}

	if err := env.coord.Cancel(ctx, intent.ID, "bob"); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("only the payer may cancel, got %v", err)
	}
	if err := env.coord.Cancel(ctx, intent.ID, "alice"); err != nil {
		t.Fatalf("payer cancel before submission: %v", err)
	}
	got, _ := env.store.GetIntent(ctx, intent.ID)
	if got.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}

	// After submission the transaction is on the wire and cancel is refused.
	second, err := env.coord.CreateIntent(ctx, CreateIntentRequest{
		PayerID: "alice", PayeeID: "bob", Amount: 1_000_000,
	})
	if err != nil {
		t.Fatalf("create second intent: %v", err)
	}
	if _, err := env.coord.SubmitSigned(ctx, second.ID, signPayload(t, second.UnsignedTx)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := env.coord.Cancel(ctx, second.ID, "alice"); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable after submission, got %v", err)
	}
}

// submitAndRegister runs an intent through signing and submission, then
// registers the matching finalized transfer under the real submission
// signature so verification can find it.
func submitAndRegister(t *testing.T, env *testEnv, intent *domain.PaymentIntent) *domain.PaymentIntent {
	t.Helper()
	ctx := context.Background()

	submitted, err := env.coord.SubmitSigned(ctx, intent.ID, signPayload(t, intent.UnsignedTx))
	if err != nil {
		t.Fatalf("submit signed: %v", err)
	}
	sig, err := solana.SignatureFromBase58(submitted.LedgerRef)
	if err != nil {
		t.Fatalf("parse ledger ref: %v", err)
	}

	fixtureSig := env.fake.AddTransfer(chain.TransferFixture{
		Sender:    env.payerKey,
		Recipient: env.payeeKey,
		Mint:      env.mint,
		Amount:    submitted.Amount,
		MemoTag:   submitted.MemoTag,
	})
	tx, err := env.fake.FinalizedTransaction(ctx, fixtureSig)
	if err != nil {
		t.Fatalf("fetch fixture: %v", err)
	}
	env.fake.AddParsed(sig, tx)
	return submitted
}

func TestCheckInFlightToCompletion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	intent, err := env.coord.CreateIntent(ctx, CreateIntentRequest{
		PayerID: "alice", PayeeID: "bob", Amount: 1_000_000,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	submitted := submitAndRegister(t, env, intent)
	sig, _ := solana.SignatureFromBase58(submitted.LedgerRef)

	// One confirmation: below the threshold of two, intent starts confirming.
	env.fake.SetStatus(sig, &chain.SignatureStatus{Confirmations: 1})
	if err := env.coord.CheckInFlight(ctx, submitted); err != nil {
		t.Fatalf("check in flight: %v", err)
	}
	got, _ := env.store.GetIntent(ctx, intent.ID)
	if got.Status != domain.StatusConfirming || got.Confirmations != 1 {
		t.Fatalf("expected confirming/1, got %s/%d", got.Status, got.Confirmations)
	}

	// Finalized: confirm, verify, and record the ledger entries.
	env.fake.SetStatus(sig, &chain.SignatureStatus{Finalized: true})
	if err := env.coord.CheckInFlight(ctx, got); err != nil {
		t.Fatalf("check in flight final: %v", err)
	}
	got, _ = env.store.GetIntent(ctx, intent.ID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}

	entries, err := env.store.EntriesByIntent(ctx, intent.ID)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected debit+credit+fee, got %d entries", len(entries))
	}
	var sum int64
	for _, e := range entries {
		sum += e.Delta
	}
	if sum != 0 {
		t.Fatalf("ledger deltas must sum to zero, got %d", sum)
	}

	payerBalance, _ := env.store.Balance(ctx, "alice")
	if payerBalance != -1_010_000 {
		t.Fatalf("payer balance: got %d, want -1010000", payerBalance)
	}
	payeeBalance, _ := env.store.Balance(ctx, "bob")
	if payeeBalance != 1_000_000 {
		t.Fatalf("payee balance: got %d, want 1000000", payeeBalance)
	}
	received, _ := env.store.ReceivedCount(ctx, "bob")
	if received != 1 {
		t.Fatalf("expected received count 1, got %d", received)
	}

	env.coord.Drain()
	events := env.notifier.sent()
	if len(events) != 2 {
		t.Fatalf("expected completed+received notifications, got %v", events)
	}
}

func TestCheckInFlightOnChainFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	intent, err := env.coord.CreateIntent(ctx, CreateIntentRequest{
		PayerID: "alice", PayeeID: "bob", Amount: 1_000_000,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	submitted := submitAndRegister(t, env, intent)
	sig, _ := solana.SignatureFromBase58(submitted.LedgerRef)

	chainErr := "InstructionError: insufficient funds"
	env.fake.SetStatus(sig, &chain.SignatureStatus{Err: &chainErr})
	if err := env.coord.CheckInFlight(ctx, submitted); err != nil {
		t.Fatalf("check in flight: %v", err)
	}

	got, _ := env.store.GetIntent(ctx, intent.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.FailureReason == "" {
		t.Fatal("expected failure reason to be recorded")
	}
	entries, _ := env.store.EntriesByIntent(ctx, intent.ID)
	if len(entries) != 0 {
		t.Fatalf("failed intent must not write ledger entries, got %d", len(entries))
	}
}

func TestCheckInFlightExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	intent, err := env.coord.CreateIntent(ctx, CreateIntentRequest{
		PayerID: "alice", PayeeID: "bob", Amount: 1_000_000,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	submitted := submitAndRegister(t, env, intent)

	// Signature never becomes visible and the deadline passes.
	env.coord.now = func() time.Time { return submitted.ExpiresAt.Add(time.Minute) }
	if err := env.coord.CheckInFlight(ctx, submitted); err != nil {
		t.Fatalf("check in flight: %v", err)
	}
	got, _ := env.store.GetIntent(ctx, intent.ID)
	if got.Status != domain.StatusExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}
}

func TestFinalizeVerificationMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	intent, err := env.coord.CreateIntent(ctx, CreateIntentRequest{
		PayerID: "alice", PayeeID: "bob", Amount: 1_000_000,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	submitted, err := env.coord.SubmitSigned(ctx, intent.ID, signPayload(t, intent.UnsignedTx))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	sig, _ := solana.SignatureFromBase58(submitted.LedgerRef)

	// The finalized transaction pays a different recipient.
	fixtureSig := env.fake.AddTransfer(chain.TransferFixture{
		Sender:    env.payerKey,
		Recipient: solana.NewWallet().PublicKey(),
		Mint:      env.mint,
		Amount:    1_000_000,
	})
	tx, _ := env.fake.FinalizedTransaction(ctx, fixtureSig)
	env.fake.AddParsed(sig, tx)

	env.fake.SetStatus(sig, &chain.SignatureStatus{Finalized: true})
	if err := env.coord.CheckInFlight(ctx, submitted); err != nil {
		t.Fatalf("check in flight: %v", err)
	}

	got, _ := env.store.GetIntent(ctx, intent.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected failed on mismatch, got %s", got.Status)
	}
	entries, _ := env.store.EntriesByIntent(ctx, intent.ID)
	if len(entries) != 0 {
		t.Fatalf("mismatched intent must not write ledger entries, got %d", len(entries))
	}
}

func TestFinalizeIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	intent, err := env.coord.CreateIntent(ctx, CreateIntentRequest{
		PayerID: "alice", PayeeID: "bob", Amount: 1_000_000,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	submitted := submitAndRegister(t, env, intent)
	sig, _ := solana.SignatureFromBase58(submitted.LedgerRef)
	env.fake.SetStatus(sig, &chain.SignatureStatus{Finalized: true})

	if err := env.coord.CheckInFlight(ctx, submitted); err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	// A second worker re-running the same step writes nothing.
	if err := env.coord.Finalize(ctx, submitted); err != nil {
		t.Fatalf("second finalize: %v", err)
	}

	entries, _ := env.store.EntriesByIntent(ctx, intent.ID)
	if len(entries) != 3 {
		t.Fatalf("entries recorded exactly once, got %d", len(entries))
	}
	got, _ := env.store.GetIntent(ctx, intent.ID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestTerminalStatesNeverComplete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	intent, err := env.coord.CreateIntent(ctx, CreateIntentRequest{
		PayerID: "alice", PayeeID: "bob", Amount: 1_000_000,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	submitted := submitAndRegister(t, env, intent)
	sig, _ := solana.SignatureFromBase58(submitted.LedgerRef)

	chainErr := "AccountInUse"
	env.fake.SetStatus(sig, &chain.SignatureStatus{Err: &chainErr})
	if err := env.coord.CheckInFlight(ctx, submitted); err != nil {
		t.Fatalf("fail transition: %v", err)
	}

	// Even a later finalized status cannot move a failed intent forward.
	env.fake.SetStatus(sig, &chain.SignatureStatus{Finalized: true})
	if err := env.coord.Finalize(ctx, submitted); err != nil {
		t.Fatalf("finalize after failure: %v", err)
	}
	got, _ := env.store.GetIntent(ctx, intent.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("terminal state moved: %s", got.Status)
	}
	entries, _ := env.store.EntriesByIntent(ctx, intent.ID)
	if len(entries) != 0 {
		t.Fatalf("no ledger entries for a failed intent, got %d", len(entries))
	}
}

func TestSponsoredIntentChargesTokenFee(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sponsorWallet := solana.NewWallet().PublicKey()
	env.coord.sponsor = &sponsor.Threshold{
		MinLamports:   1_000_000,
		FeeLamports:   5000,
		Wallet:        sponsorWallet,
		NativeBalance: env.fake.NativeBalance,
	}
	env.coord.cfg.SponsoredGasFeeToken = 10_000

	// Payer below the lamport threshold: sponsorship kicks in and the token
	// balance must also cover the sponsored-fee surcharge.
	env.fake.SetNativeBalance(env.payerKey, 0)
	env.fake.SetTokenBalance(env.payerKey, env.mint, 1_019_999) // required is 1_020_000
	_, err := env.coord.CreateIntent(ctx, CreateIntentRequest{
		PayerID: "alice", PayeeID: "bob", Amount: 1_000_000,
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance with surcharge, got %v", err)
	}

	env.fake.SetTokenBalance(env.payerKey, env.mint, 1_020_000)
	intent, err := env.coord.CreateIntent(ctx, CreateIntentRequest{
		PayerID: "alice", PayeeID: "bob", Amount: 1_000_000,
	})
	if err != nil {
		t.Fatalf("create sponsored intent: %v", err)
	}
	if !intent.SponsoredFee {
		t.Fatal("expected sponsored intent")
	}

	sp, err := env.store.GetSponsorship(ctx, intent.ID)
	if err != nil {
		t.Fatalf("get sponsorship: %v", err)
	}
	if !sp.Sponsor.Equals(sponsorWallet) || sp.FeeLamports != 5000 {
		t.Fatalf("unexpected sponsorship record: %+v", sp)
	}
}

func TestClaimByMemoTag(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Support payment to a raw wallet: no payee user yet.
	intent, err := env.coord.CreateIntent(ctx, CreateIntentRequest{
		Purpose:     domain.PurposeSupport,
		PayerID:     "alice",
		PayeeWallet: env.payeeKey,
		Amount:      500_000,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	submitted := submitAndRegister(t, env, intent)
	sig, _ := solana.SignatureFromBase58(submitted.LedgerRef)
	env.fake.SetStatus(sig, &chain.SignatureStatus{Finalized: true})
	if err := env.coord.CheckInFlight(ctx, submitted); err != nil {
		t.Fatalf("settle: %v", err)
	}

	// Claiming before the payee exists on the platform binds the user.
	claimed, err := env.coord.Claim(ctx, intent.MemoTag, "bob")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.PayeeID != "bob" {
		t.Fatalf("expected payee bob, got %q", claimed.PayeeID)
	}

	// A second claim of the same tag is refused.
	if _, err := env.coord.Claim(ctx, intent.MemoTag, "carol"); !errors.Is(err, ErrNotClaimable) {
		t.Fatalf("expected ErrNotClaimable on double claim, got %v", err)
	}
	if _, err := env.coord.Claim(ctx, "stablerails:"+uuid.NewString(), "bob"); !errors.Is(err, ErrNotClaimable) {
		t.Fatalf("expected ErrNotClaimable on unknown tag, got %v", err)
	}
}
