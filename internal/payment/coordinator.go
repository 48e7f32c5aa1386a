package payment

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"stablerails/internal/chain"
	"stablerails/internal/domain"
	"stablerails/internal/notify"
	"stablerails/internal/sponsor"
	"stablerails/internal/store"
	"stablerails/internal/tasks"
	"stablerails/internal/wallets"
)

// Config carries the settlement policy knobs.
type Config struct {
	Mint     solana.PublicKey
	Decimals uint8

	// MinAmount/MaxAmount bound the principal in base units. MaxAmount 0
	// means unbounded.
	MinAmount uint64
	MaxAmount uint64

	// PlatformFeeBps is charged on the principal as a second transfer in the
	// same transaction; zero disables the fee leg.
	PlatformFeeBps    uint64
	PlatformFeeWallet solana.PublicKey

	// SponsoredGasFeeToken is the token-denominated surcharge covering the
	// network fee when the platform sponsors it.
	SponsoredGasFeeToken uint64
	// MinGasLamports is the native balance a non-sponsored payer must hold.
	MinGasLamports uint64

	IntentTTL             time.Duration
	ConfirmationThreshold uint64

	// MemoNamespace prefixes replay tags: "<namespace>:<payment-id>".
	MemoNamespace string

	// VerifyRetrySchedule spaces the post-confirmation verification attempts
	// to absorb normal finality latency.
	VerifyRetrySchedule []time.Duration
}

func (c Config) withDefaults() Config {
	if c.IntentTTL == 0 {
		c.IntentTTL = 15 * time.Minute
	}
	if c.ConfirmationThreshold == 0 {
		c.ConfirmationThreshold = 32
	}
	if c.MemoNamespace == "" {
		c.MemoNamespace = "stablerails"
	}
	if len(c.VerifyRetrySchedule) == 0 {
		c.VerifyRetrySchedule = []time.Duration{0, 2 * time.Second, 3 * time.Second, 4 * time.Second, 5 * time.Second}
	}
	return c
}

// Coordinator drives the payment intent state machine. It is stateless
// between calls; several instances may run against one store, serialized only
// by the store's guarded transitions.
type Coordinator struct {
	cfg      Config
	store    store.Store
	rpc      chain.RPC
	builder  *chain.Builder
	verifier *chain.Verifier
	wallets  wallets.Resolver
	sponsor  sponsor.Policy
	notifier notify.Notifier
	pool     *tasks.Pool
	now      func() time.Time
}

func NewCoordinator(cfg Config, st store.Store, rpc chain.RPC, resolver wallets.Resolver, policy sponsor.Policy, notifier notify.Notifier) *Coordinator {
	return &Coordinator{
		cfg:      cfg.withDefaults(),
		store:    st,
		rpc:      rpc,
		builder:  chain.NewBuilder(rpc),
		verifier: chain.NewVerifier(rpc),
		wallets:  resolver,
		sponsor:  policy,
		notifier: notifier,
		pool:     tasks.NewPool(8),
		now:      time.Now,
	}
}

// CreateIntentRequest describes a new payment.
type CreateIntentRequest struct {
	Purpose domain.Purpose
	PayerID string

	// Exactly one of PayeeID / PayeeWallet must identify the recipient.
	PayeeID     string
	PayeeWallet solana.PublicKey

	// Amount is the principal in base units of the configured mint.
	Amount uint64

	Reference string

	// CreatePayeeAccount prepends the create-token-account instruction for
	// first-time recipients.
	CreatePayeeAccount bool

	// RequireTag forces memo-tag binding even for direct payments.
	RequireTag bool
}

// CreateIntent runs the pre-flight checks, builds the unsigned transaction,
// and leaves the intent awaiting the client's signature.
func (c *Coordinator) CreateIntent(ctx context.Context, req CreateIntentRequest) (*domain.PaymentIntent, error) {
	if req.Purpose == "" {
		req.Purpose = domain.PurposeDirect
	}
	if req.Amount < c.cfg.MinAmount || req.Amount == 0 {
		return nil, fmt.Errorf("%w: below minimum", ErrAmountOutOfBounds)
	}
	if c.cfg.MaxAmount > 0 && req.Amount > c.cfg.MaxAmount {
		return nil, fmt.Errorf("%w: above maximum", ErrAmountOutOfBounds)
	}
	if req.PayerID == "" {
		return nil, fmt.Errorf("%w: payer required", ErrMissingPayee)
	}
	if req.PayeeID != "" && req.PayeeID == req.PayerID {
		return nil, ErrSelfPayment
	}

	payerWallet, err := c.wallets.ResolvePrimaryWallet(ctx, req.PayerID)
	if err != nil {
		return nil, err
	}

	payeeWallet := req.PayeeWallet
	if req.PayeeID != "" {
		payeeWallet, err = c.wallets.ResolvePrimaryWallet(ctx, req.PayeeID)
		if err != nil {
			return nil, err
		}
	}
	if payeeWallet.IsZero() {
		return nil, ErrMissingPayee
	}
	if payeeWallet.Equals(payerWallet) {
		return nil, ErrSelfPayment
	}

	platformFee := req.Amount * c.cfg.PlatformFeeBps / 10000
	if c.cfg.PlatformFeeWallet.IsZero() {
		platformFee = 0
	}

	decision, err := c.sponsor.ShouldSponsorFee(ctx, payerWallet)
	if err != nil {
		return nil, fmt.Errorf("sponsorship decision: %w", err)
	}

	required := req.Amount + platformFee
	if decision.Sponsor {
		required += c.cfg.SponsoredGasFeeToken
	}
	tokenBalance, err := c.rpc.TokenBalance(ctx, payerWallet, c.cfg.Mint)
	if err != nil {
		return nil, fmt.Errorf("token balance check: %w", err)
	}
	if tokenBalance < required {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, tokenBalance, required)
	}
	if !decision.Sponsor {
		native, err := c.rpc.NativeBalance(ctx, payerWallet)
		if err != nil {
			return nil, fmt.Errorf("native balance check: %w", err)
		}
		if native < c.cfg.MinGasLamports {
			return nil, fmt.Errorf("%w: have %d lamports, need %d", ErrInsufficientGas, native, c.cfg.MinGasLamports)
		}
	}

	intent := &domain.PaymentIntent{
		ID:           uuid.New(),
		Purpose:      req.Purpose,
		PayerID:      req.PayerID,
		PayeeID:      req.PayeeID,
		Amount:       req.Amount,
		PlatformFee:  platformFee,
		Mint:         c.cfg.Mint,
		PayerWallet:  payerWallet,
		PayeeWallet:  payeeWallet,
		SponsoredFee: decision.Sponsor,
		Status:       domain.StatusCreated,
		Reference:    req.Reference,
		ExpiresAt:    c.now().Add(c.cfg.IntentTTL),
	}
	// Direct payments between two known parties are bound by exact matching;
	// every other flavor needs the replay tag.
	if req.RequireTag || req.Purpose != domain.PurposeDirect {
		intent.MemoTag = c.cfg.MemoNamespace + ":" + intent.ID.String()
	}

	if err := c.store.CreateIntent(ctx, intent); err != nil {
		return nil, fmt.Errorf("create intent: %w", err)
	}

	buildReq := chain.BuildRequest{
		Sender:                 payerWallet,
		Recipient:              payeeWallet,
		Mint:                   c.cfg.Mint,
		Decimals:               c.cfg.Decimals,
		Amount:                 req.Amount,
		CreateRecipientAccount: req.CreatePayeeAccount,
		MemoTag:                intent.MemoTag,
	}
	if decision.Sponsor {
		buildReq.FeePayer = decision.Wallet
	}
	if platformFee > 0 {
		buildReq.PlatformFeeRecipient = c.cfg.PlatformFeeWallet
		buildReq.PlatformFeeAmount = platformFee
	}

	unsigned, err := c.builder.Build(ctx, buildReq)
	if err != nil {
		// The intent never left created; cancel it so it cannot linger.
		if _, cErr := c.store.Cancel(ctx, intent.ID); cErr != nil {
			log.Printf("cancel unbuilt intent %s: %v", intent.ID, cErr)
		}
		return nil, fmt.Errorf("build transaction: %w", err)
	}

	applied, err := c.store.BindUnsignedTx(ctx, intent.ID, unsigned, intent.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("bind unsigned tx: %w", err)
	}
	if !applied {
		return nil, ErrStaleTransition
	}

	if decision.Sponsor {
		err := c.store.CreateSponsorship(ctx, domain.GasSponsorship{
			IntentID:    intent.ID,
			Sponsor:     decision.Wallet,
			FeeLamports: decision.FeeLamports,
		})
		if err != nil {
			return nil, fmt.Errorf("record sponsorship: %w", err)
		}
	}

	return c.store.GetIntent(ctx, intent.ID)
}

// SubmitSigned accepts the client-signed payload, submits it to the ledger,
// and binds the returned reference to the intent.
func (c *Coordinator) SubmitSigned(ctx context.Context, id uuid.UUID, payload string) (*domain.PaymentIntent, error) {
	intent, err := c.store.GetIntent(ctx, id)
	if err != nil {
		return nil, err
	}

	if c.now().After(intent.ExpiresAt) && !intent.Status.Terminal() {
		if _, err := c.store.Expire(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrIntentExpired
	}

	tx, err := chain.DecodeSigned(payload)
	if err != nil {
		return nil, err
	}
	if err := c.matchesUnsigned(intent, tx); err != nil {
		return nil, err
	}

	if intent.Status != domain.StatusAwaitingSignature {
		// A retry of a submission that already went through is a no-op.
		if intent.LedgerRef != "" && !intent.Status.Terminal() {
			return intent, nil
		}
		return nil, ErrNotSubmittable
	}

	sig, err := c.rpc.SendTransaction(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("submit transaction: %w", err)
	}

	applied, err := c.store.MarkSubmitted(ctx, id, sig.String())
	if err != nil {
		return nil, err
	}
	if !applied {
		current, gErr := c.store.GetIntent(ctx, id)
		if gErr != nil {
			return nil, gErr
		}
		if current.LedgerRef == sig.String() {
			return current, nil
		}
		return nil, ErrAlreadyBound
	}

	return c.store.GetIntent(ctx, id)
}

// matchesUnsigned checks that the signed payload carries exactly the message
// that was built for this intent. A different message would mean the client
// changed wallets or amounts after the pre-flight checks.
func (c *Coordinator) matchesUnsigned(intent *domain.PaymentIntent, signed *solana.Transaction) error {
	if intent.UnsignedTx == "" {
		return ErrNotSubmittable
	}
	raw, err := base64.StdEncoding.DecodeString(intent.UnsignedTx)
	if err != nil {
		return fmt.Errorf("stored unsigned payload: %w", err)
	}
	unsigned, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return fmt.Errorf("stored unsigned payload: %w", err)
	}

	wantMsg, err := unsigned.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode stored message: %w", err)
	}
	gotMsg, err := signed.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode signed message: %w", err)
	}
	if !bytes.Equal(wantMsg, gotMsg) {
		return ErrPayloadMismatch
	}
	return nil
}

// Cancel is payer-initiated and only valid before submission.
func (c *Coordinator) Cancel(ctx context.Context, id uuid.UUID, byUserID string) error {
	intent, err := c.store.GetIntent(ctx, id)
	if err != nil {
		return err
	}
	if intent.PayerID != byUserID {
		return ErrNotCancellable
	}
	applied, err := c.store.Cancel(ctx, id)
	if err != nil {
		return err
	}
	if !applied {
		return ErrNotCancellable
	}
	return nil
}

// Claim binds an unclaimed tag-bound payment to a platform user.
func (c *Coordinator) Claim(ctx context.Context, tag, userID string) (*domain.PaymentIntent, error) {
	intent, err := c.store.GetIntentByMemoTag(ctx, tag)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotClaimable
		}
		return nil, err
	}
	applied, err := c.store.Claim(ctx, intent.ID, userID)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, ErrNotClaimable
	}
	return c.store.GetIntent(ctx, intent.ID)
}

// GetIntent exposes the current intent state.
func (c *Coordinator) GetIntent(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error) {
	return c.store.GetIntent(ctx, id)
}

// CheckInFlight advances one submitted/confirming intent based on the
// ledger's confirmation snapshot. Transient RPC errors are returned to the
// caller and leave the intent untouched; every transition below is guarded,
// so doing nothing is always safe.
func (c *Coordinator) CheckInFlight(ctx context.Context, intent *domain.PaymentIntent) error {
	sig, err := solana.SignatureFromBase58(intent.LedgerRef)
	if err != nil {
		return fmt.Errorf("stored ledger ref %q: %w", intent.LedgerRef, err)
	}

	status, err := c.rpc.SignatureStatus(ctx, sig)
	if err != nil {
		return fmt.Errorf("signature status: %w", err)
	}

	if status == nil {
		// Not visible yet. Expire if the deadline passed while waiting.
		if c.now().After(intent.ExpiresAt) {
			return c.expire(ctx, intent)
		}
		return nil
	}

	if status.Err != nil {
		return c.fail(ctx, intent, fmt.Sprintf("on-chain error: %s", *status.Err))
	}

	if status.Finalized || status.Confirmations >= c.cfg.ConfirmationThreshold {
		applied, err := c.store.Confirm(ctx, intent.ID, c.now())
		if err != nil {
			return err
		}
		if !applied {
			log.Printf("intent %s: confirm already applied elsewhere", intent.ID)
		}
		return c.Finalize(ctx, intent)
	}

	if c.now().After(intent.ExpiresAt) {
		return c.expire(ctx, intent)
	}

	if _, err := c.store.UpdateConfirmations(ctx, intent.ID, status.Confirmations); err != nil {
		return err
	}
	return nil
}

// Finalize re-verifies the finalized transaction against the intent and
// performs the exactly-once ledger recording. Safe to call repeatedly and
// concurrently; only one caller's guarded write lands.
func (c *Coordinator) Finalize(ctx context.Context, intent *domain.PaymentIntent) error {
	sig, err := solana.SignatureFromBase58(intent.LedgerRef)
	if err != nil {
		return fmt.Errorf("stored ledger ref %q: %w", intent.LedgerRef, err)
	}

	want := chain.Expectation{
		Sender:    intent.PayerWallet,
		Recipient: intent.PayeeWallet,
		Mint:      intent.Mint,
		Amount:    intent.Amount,
		MemoTag:   intent.MemoTag,
	}

	result, err := c.verifyWithRetry(ctx, sig, want)
	if err != nil {
		if errors.Is(err, chain.ErrTxFailed) {
			return c.fail(ctx, intent, err.Error())
		}
		// Transient: the next poll cycle retries the whole step.
		return err
	}
	if !result.OK() {
		return c.fail(ctx, intent, mismatchReason(result))
	}

	entries := buildEntries(intent)
	applied, err := c.store.Complete(ctx, intent.ID, entries)
	if err != nil {
		return err
	}
	if !applied {
		log.Printf("intent %s: completion already recorded elsewhere", intent.ID)
		return nil
	}

	c.pool.Go(context.Background(), "notify-completed", func(ctx context.Context) error {
		return c.notifier.Notify(ctx, intent.PayerID, notify.EventPaymentCompleted, intent.ID.String())
	})
	if intent.PayeeID != "" {
		c.pool.Go(context.Background(), "notify-received", func(ctx context.Context) error {
			return c.notifier.Notify(ctx, intent.PayeeID, notify.EventPaymentReceived, intent.ID.String())
		})
	}
	return nil
}

// verifyWithRetry spaces verification attempts over the configured schedule
// to absorb finality latency. Only not-yet-visible errors are retried.
func (c *Coordinator) verifyWithRetry(ctx context.Context, sig solana.Signature, want chain.Expectation) (chain.VerificationResult, error) {
	var lastErr error
	for _, delay := range c.cfg.VerifyRetrySchedule {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return chain.VerificationResult{}, ctx.Err()
			}
		}
		result, err := c.verifier.Verify(ctx, sig, want)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, chain.ErrTxNotFound) {
			return chain.VerificationResult{}, err
		}
		lastErr = err
	}
	return chain.VerificationResult{}, lastErr
}

func (c *Coordinator) fail(ctx context.Context, intent *domain.PaymentIntent, reason string) error {
	applied, err := c.store.Fail(ctx, intent.ID, reason)
	if err != nil {
		return err
	}
	if !applied {
		log.Printf("intent %s: fail already applied elsewhere", intent.ID)
		return nil
	}
	log.Printf("intent %s failed: %s", intent.ID, reason)
	c.pool.Go(context.Background(), "notify-failed", func(ctx context.Context) error {
		return c.notifier.Notify(ctx, intent.PayerID, notify.EventPaymentFailed, intent.ID.String())
	})
	return nil
}

func (c *Coordinator) expire(ctx context.Context, intent *domain.PaymentIntent) error {
	applied, err := c.store.Expire(ctx, intent.ID)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	c.pool.Go(context.Background(), "notify-expired", func(ctx context.Context) error {
		return c.notifier.Notify(ctx, intent.PayerID, notify.EventPaymentExpired, intent.ID.String())
	})
	return nil
}

// ExpireIntent applies the expiry transition for one stale intent.
func (c *Coordinator) ExpireIntent(ctx context.Context, intent *domain.PaymentIntent) error {
	return c.expire(ctx, intent)
}

// Drain waits for outstanding notification tasks; used on shutdown.
func (c *Coordinator) Drain() {
	c.pool.Wait()
}

// buildEntries produces the double-entry rows for one completed intent: a
// debit against the payer for principal plus fee, a credit to the payee for
// the principal, and a fee credit to the platform. Deltas sum to zero.
func buildEntries(intent *domain.PaymentIntent) []domain.LedgerEntry {
	payerOwner := ownerID(intent.PayerID, intent.PayerWallet)
	payeeOwner := ownerID(intent.PayeeID, intent.PayeeWallet)

	entries := []domain.LedgerEntry{
		{OwnerID: payerOwner, IntentID: intent.ID, Type: domain.EntryDebit, Delta: -int64(intent.Amount + intent.PlatformFee)},
		{OwnerID: payeeOwner, IntentID: intent.ID, Type: domain.EntryCredit, Delta: int64(intent.Amount)},
	}
	if intent.PlatformFee > 0 {
		entries = append(entries, domain.LedgerEntry{
			OwnerID: "platform", IntentID: intent.ID, Type: domain.EntryFee, Delta: int64(intent.PlatformFee),
		})
	}
	return entries
}

// ownerID keys ledger rows by user when known, by wallet otherwise.
func ownerID(userID string, wallet solana.PublicKey) string {
	if userID != "" {
		return userID
	}
	return wallet.String()
}

func mismatchReason(r chain.VerificationResult) string {
	var parts []string
	if !r.SenderMatches {
		parts = append(parts, "sender")
	}
	if !r.RecipientMatches {
		parts = append(parts, "recipient")
	}
	if !r.MintMatches {
		parts = append(parts, "mint")
	}
	if !r.AmountMatches {
		parts = append(parts, fmt.Sprintf("amount (observed %d)", r.ObservedAmount))
	}
	if !r.MemoMatches {
		parts = append(parts, "memo tag")
	}
	return "verification mismatch: " + strings.Join(parts, ", ")
}
