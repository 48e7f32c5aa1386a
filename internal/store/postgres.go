package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"stablerails/internal/domain"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS payment_intents (
    id UUID PRIMARY KEY,
    purpose TEXT NOT NULL,
    payer_id TEXT NOT NULL,
    payee_id TEXT NOT NULL DEFAULT '',
    amount BIGINT NOT NULL,
    platform_fee BIGINT NOT NULL DEFAULT 0,
    mint TEXT NOT NULL,
    payer_wallet TEXT NOT NULL,
    payee_wallet TEXT NOT NULL,
    unsigned_tx TEXT NOT NULL DEFAULT '',
    ledger_ref TEXT,
    memo_tag TEXT NOT NULL DEFAULT '',
    sponsored_fee BOOLEAN NOT NULL DEFAULT FALSE,
    status TEXT NOT NULL,
    confirmations BIGINT NOT NULL DEFAULT 0,
    failure_reason TEXT NOT NULL DEFAULT '',
    reference TEXT NOT NULL DEFAULT '',
    sweep_eligible BOOLEAN NOT NULL DEFAULT FALSE,
    treasury_ref TEXT NOT NULL DEFAULT '',
    swept_at TIMESTAMPTZ,
    expires_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS payment_intents_ledger_ref_key
    ON payment_intents (ledger_ref) WHERE ledger_ref IS NOT NULL;
CREATE INDEX IF NOT EXISTS payment_intents_status_idx ON payment_intents (status);
CREATE INDEX IF NOT EXISTS payment_intents_memo_tag_idx
    ON payment_intents (memo_tag) WHERE memo_tag <> '';

CREATE TABLE IF NOT EXISTS ledger_entries (
    id BIGSERIAL PRIMARY KEY,
    owner_id TEXT NOT NULL,
    intent_id UUID NOT NULL REFERENCES payment_intents(id),
    entry_type TEXT NOT NULL,
    delta BIGINT NOT NULL,
    balance BIGINT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS ledger_entries_owner_idx ON ledger_entries (owner_id);
CREATE INDEX IF NOT EXISTS ledger_entries_intent_idx ON ledger_entries (intent_id);

CREATE TABLE IF NOT EXISTS gas_sponsorships (
    intent_id UUID PRIMARY KEY REFERENCES payment_intents(id),
    sponsor TEXT NOT NULL,
    fee_lamports BIGINT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS received_counters (
    owner_id TEXT PRIMARY KEY,
    received_count BIGINT NOT NULL DEFAULT 0
);
`

// NewPostgres connects using the DSN and ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

const intentColumns = `id, purpose, payer_id, payee_id, amount, platform_fee, mint,
payer_wallet, payee_wallet, unsigned_tx, COALESCE(ledger_ref, ''), memo_tag,
sponsored_fee, status, confirmations, failure_reason, reference,
sweep_eligible, treasury_ref, swept_at, expires_at, created_at, updated_at`

// intentRow mirrors the payment_intents columns with driver-level types.
// Mapping to the domain shape is explicit; no reflection-based hydration.
type intentRow struct {
	ID            uuid.UUID
	Purpose       string
	PayerID       string
	PayeeID       string
	Amount        int64
	PlatformFee   int64
	Mint          string
	PayerWallet   string
	PayeeWallet   string
	UnsignedTx    string
	LedgerRef     string
	MemoTag       string
	SponsoredFee  bool
	Status        string
	Confirmations int64
	FailureReason string
	Reference     string
	SweepEligible bool
	TreasuryRef   string
	SweptAt       *time.Time
	ExpiresAt     time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func scanIntent(row pgx.Row) (*domain.PaymentIntent, error) {
	var r intentRow
	err := row.Scan(
		&r.ID, &r.Purpose, &r.PayerID, &r.PayeeID, &r.Amount, &r.PlatformFee, &r.Mint,
		&r.PayerWallet, &r.PayeeWallet, &r.UnsignedTx, &r.LedgerRef, &r.MemoTag,
		&r.SponsoredFee, &r.Status, &r.Confirmations, &r.FailureReason, &r.Reference,
		&r.SweepEligible, &r.TreasuryRef, &r.SweptAt, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return r.toDomain()
}

func (r intentRow) toDomain() (*domain.PaymentIntent, error) {
	mint, err := solana.PublicKeyFromBase58(r.Mint)
	if err != nil {
		return nil, fmt.Errorf("stored mint %q: %w", r.Mint, err)
	}
	payerWallet, err := solana.PublicKeyFromBase58(r.PayerWallet)
	if err != nil {
		return nil, fmt.Errorf("stored payer wallet %q: %w", r.PayerWallet, err)
	}
	payeeWallet, err := solana.PublicKeyFromBase58(r.PayeeWallet)
	if err != nil {
		return nil, fmt.Errorf("stored payee wallet %q: %w", r.PayeeWallet, err)
	}

	return &domain.PaymentIntent{
		ID:            r.ID,
		Purpose:       domain.Purpose(r.Purpose),
		PayerID:       r.PayerID,
		PayeeID:       r.PayeeID,
		Amount:        uint64(r.Amount),
		PlatformFee:   uint64(r.PlatformFee),
		Mint:          mint,
		PayerWallet:   payerWallet,
		PayeeWallet:   payeeWallet,
		UnsignedTx:    r.UnsignedTx,
		LedgerRef:     r.LedgerRef,
		MemoTag:       r.MemoTag,
		SponsoredFee:  r.SponsoredFee,
		Status:        domain.Status(r.Status),
		Confirmations: uint64(r.Confirmations),
		FailureReason: r.FailureReason,
		Reference:     r.Reference,
		SweepEligible: r.SweepEligible,
		TreasuryRef:   r.TreasuryRef,
		SweptAt:       r.SweptAt,
		ExpiresAt:     r.ExpiresAt,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}, nil
}

func (p *Postgres) CreateIntent(ctx context.Context, intent *domain.PaymentIntent) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO payment_intents (id, purpose, payer_id, payee_id, amount, platform_fee,
    mint, payer_wallet, payee_wallet, memo_tag, sponsored_fee, status, reference, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
`, intent.ID, string(intent.Purpose), intent.PayerID, intent.PayeeID,
		int64(intent.Amount), int64(intent.PlatformFee), intent.Mint.String(),
		intent.PayerWallet.String(), intent.PayeeWallet.String(), intent.MemoTag,
		intent.SponsoredFee, string(intent.Status), intent.Reference, intent.ExpiresAt)
	return err
}

func (p *Postgres) GetIntent(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE id = $1`, id)
	return scanIntent(row)
}

func (p *Postgres) GetIntentByLedgerRef(ctx context.Context, ref string) (*domain.PaymentIntent, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE ledger_ref = $1`, ref)
	return scanIntent(row)
}

func (p *Postgres) GetIntentByMemoTag(ctx context.Context, tag string) (*domain.PaymentIntent, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE memo_tag = $1`, tag)
	return scanIntent(row)
}

// guardedExec runs a conditional update and reports whether a row changed.
func (p *Postgres) guardedExec(ctx context.Context, sql string, args ...any) (bool, error) {
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) BindUnsignedTx(ctx context.Context, id uuid.UUID, unsignedTx string, expiresAt time.Time) (bool, error) {
	return p.guardedExec(ctx, `
UPDATE payment_intents
SET status = $1, unsigned_tx = $2, expires_at = $3, updated_at = now()
WHERE id = $4 AND status = $5
`, string(domain.StatusAwaitingSignature), unsignedTx, expiresAt, id, string(domain.StatusCreated))
}

func (p *Postgres) MarkSubmitted(ctx context.Context, id uuid.UUID, ledgerRef string) (bool, error) {
	applied, err := p.guardedExec(ctx, `
UPDATE payment_intents
SET status = $1, ledger_ref = $2, updated_at = now()
WHERE id = $3 AND status = $4 AND ledger_ref IS NULL
`, string(domain.StatusSubmitted), ledgerRef, id, string(domain.StatusAwaitingSignature))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return false, ErrAlreadyProcessed
		}
		return false, err
	}
	return applied, nil
}

func (p *Postgres) UpdateConfirmations(ctx context.Context, id uuid.UUID, confirmations uint64) (bool, error) {
	return p.guardedExec(ctx, `
UPDATE payment_intents
SET status = $1, confirmations = $2, updated_at = now()
WHERE id = $3 AND status IN ($4, $5)
`, string(domain.StatusConfirming), int64(confirmations), id,
		string(domain.StatusSubmitted), string(domain.StatusConfirming))
}

func (p *Postgres) Confirm(ctx context.Context, id uuid.UUID, when time.Time) (bool, error) {
	return p.guardedExec(ctx, `
UPDATE payment_intents
SET status = $1, updated_at = $2
WHERE id = $3 AND status IN ($4, $5)
`, string(domain.StatusConfirmed), when, id,
		string(domain.StatusSubmitted), string(domain.StatusConfirming))
}

func (p *Postgres) Complete(ctx context.Context, id uuid.UUID, entries []domain.LedgerEntry) (bool, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("tx begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE payment_intents
SET status = $1, updated_at = now()
WHERE id = $2 AND status = $3
`, string(domain.StatusCompleted), id, string(domain.StatusConfirmed))
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		// Someone else completed (or failed) this intent already.
		return false, nil
	}

	for _, e := range entries {
		_, err = tx.Exec(ctx, `
INSERT INTO ledger_entries (owner_id, intent_id, entry_type, delta, balance)
SELECT $1, $2, $3, $4, COALESCE(SUM(delta), 0) + $4
FROM ledger_entries WHERE owner_id = $1
`, e.OwnerID, id, string(e.Type), e.Delta)
		if err != nil {
			return false, fmt.Errorf("ledger entry: %w", err)
		}

		if e.Type == domain.EntryCredit {
			_, err = tx.Exec(ctx, `
INSERT INTO received_counters (owner_id, received_count) VALUES ($1, 1)
ON CONFLICT (owner_id) DO UPDATE SET received_count = received_counters.received_count + 1
`, e.OwnerID)
			if err != nil {
				return false, fmt.Errorf("received counter: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("tx commit: %w", err)
	}
	return true, nil
}

func (p *Postgres) Fail(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	return p.guardedExec(ctx, `
UPDATE payment_intents
SET status = $1, failure_reason = $2, updated_at = now()
WHERE id = $3 AND status IN ($4, $5, $6)
`, string(domain.StatusFailed), reason, id,
		string(domain.StatusSubmitted), string(domain.StatusConfirming), string(domain.StatusConfirmed))
}

func (p *Postgres) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	return p.guardedExec(ctx, `
UPDATE payment_intents
SET status = $1, updated_at = now()
WHERE id = $2 AND status IN ($3, $4) AND ledger_ref IS NULL
`, string(domain.StatusCancelled), id,
		string(domain.StatusCreated), string(domain.StatusAwaitingSignature))
}

func (p *Postgres) Expire(ctx context.Context, id uuid.UUID) (bool, error) {
	return p.guardedExec(ctx, `
UPDATE payment_intents
SET status = $1, updated_at = now()
WHERE id = $2 AND status IN ($3, $4, $5, $6)
`, string(domain.StatusExpired), id,
		string(domain.StatusCreated), string(domain.StatusAwaitingSignature),
		string(domain.StatusSubmitted), string(domain.StatusConfirming))
}

func (p *Postgres) MarkSweepEligible(ctx context.Context, id uuid.UUID) (bool, error) {
	return p.guardedExec(ctx, `
UPDATE payment_intents
SET sweep_eligible = TRUE, updated_at = now()
WHERE id = $1 AND status = $2 AND sweep_eligible = FALSE
`, id, string(domain.StatusCompleted))
}

func (p *Postgres) MarkSwept(ctx context.Context, id uuid.UUID, treasuryRef string) (bool, error) {
	return p.guardedExec(ctx, `
UPDATE payment_intents
SET treasury_ref = $1, swept_at = now(), updated_at = now()
WHERE id = $2 AND sweep_eligible = TRUE AND swept_at IS NULL
`, treasuryRef, id)
}

func (p *Postgres) Claim(ctx context.Context, id uuid.UUID, payeeID string) (bool, error) {
	return p.guardedExec(ctx, `
UPDATE payment_intents
SET payee_id = $1, updated_at = now()
WHERE id = $2 AND payee_id = '' AND status IN ($3, $4)
`, payeeID, id, string(domain.StatusConfirmed), string(domain.StatusCompleted))
}

func (p *Postgres) CreateSponsorship(ctx context.Context, s domain.GasSponsorship) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO gas_sponsorships (intent_id, sponsor, fee_lamports)
VALUES ($1, $2, $3)
ON CONFLICT (intent_id) DO NOTHING
`, s.IntentID, s.Sponsor.String(), int64(s.FeeLamports))
	return err
}

func (p *Postgres) GetSponsorship(ctx context.Context, intentID uuid.UUID) (*domain.GasSponsorship, error) {
	row := p.pool.QueryRow(ctx, `
SELECT intent_id, sponsor, fee_lamports, created_at FROM gas_sponsorships WHERE intent_id = $1
`, intentID)

	var (
		s       domain.GasSponsorship
		sponsor string
		fee     int64
	)
	if err := row.Scan(&s.IntentID, &sponsor, &fee, &s.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	key, err := solana.PublicKeyFromBase58(sponsor)
	if err != nil {
		return nil, fmt.Errorf("stored sponsor %q: %w", sponsor, err)
	}
	s.Sponsor = key
	s.FeeLamports = uint64(fee)
	return &s, nil
}

func (p *Postgres) queryIntents(ctx context.Context, sql string, args ...any) ([]*domain.PaymentIntent, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.PaymentIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, intent)
	}
	return out, rows.Err()
}

func (p *Postgres) InFlight(ctx context.Context, limit int) ([]*domain.PaymentIntent, error) {
	return p.queryIntents(ctx, `
SELECT `+intentColumns+` FROM payment_intents
WHERE status IN ($1, $2) AND ledger_ref IS NOT NULL
ORDER BY updated_at ASC LIMIT $3
`, string(domain.StatusSubmitted), string(domain.StatusConfirming), limit)
}

func (p *Postgres) Expirable(ctx context.Context, now time.Time, limit int) ([]*domain.PaymentIntent, error) {
	return p.queryIntents(ctx, `
SELECT `+intentColumns+` FROM payment_intents
WHERE status IN ($1, $2, $3, $4) AND expires_at < $5
ORDER BY expires_at ASC LIMIT $6
`, string(domain.StatusCreated), string(domain.StatusAwaitingSignature),
		string(domain.StatusSubmitted), string(domain.StatusConfirming), now, limit)
}

func (p *Postgres) OrphanedConfirmed(ctx context.Context, before time.Time, limit int) ([]*domain.PaymentIntent, error) {
	return p.queryIntents(ctx, `
SELECT `+intentColumns+` FROM payment_intents
WHERE status = $1 AND updated_at < $2
ORDER BY updated_at ASC LIMIT $3
`, string(domain.StatusConfirmed), before, limit)
}

func (p *Postgres) SweepCandidates(ctx context.Context, before time.Time, limit int) ([]*domain.PaymentIntent, error) {
	return p.queryIntents(ctx, `
SELECT `+intentColumns+` FROM payment_intents
WHERE status = $1 AND sweep_eligible = FALSE AND updated_at < $2
ORDER BY updated_at ASC LIMIT $3
`, string(domain.StatusCompleted), before, limit)
}

func (p *Postgres) Unclaimed(ctx context.Context, limit int) ([]*domain.PaymentIntent, error) {
	return p.queryIntents(ctx, `
SELECT `+intentColumns+` FROM payment_intents
WHERE payee_id = '' AND status IN ($1, $2)
ORDER BY updated_at ASC LIMIT $3
`, string(domain.StatusConfirmed), string(domain.StatusCompleted), limit)
}

func (p *Postgres) Entries(ctx context.Context, ownerID string) ([]domain.LedgerEntry, error) {
	return p.queryEntries(ctx, `
SELECT id, owner_id, intent_id, entry_type, delta, balance, created_at
FROM ledger_entries WHERE owner_id = $1 ORDER BY id ASC
`, ownerID)
}

func (p *Postgres) EntriesByIntent(ctx context.Context, intentID uuid.UUID) ([]domain.LedgerEntry, error) {
	return p.queryEntries(ctx, `
SELECT id, owner_id, intent_id, entry_type, delta, balance, created_at
FROM ledger_entries WHERE intent_id = $1 ORDER BY id ASC
`, intentID)
}

func (p *Postgres) queryEntries(ctx context.Context, sql string, args ...any) ([]domain.LedgerEntry, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var (
			e         domain.LedgerEntry
			entryType string
		)
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.IntentID, &entryType, &e.Delta, &e.Balance, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = domain.EntryType(entryType)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) Balance(ctx context.Context, ownerID string) (int64, error) {
	var balance int64
	err := p.pool.QueryRow(ctx, `
SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE owner_id = $1
`, ownerID).Scan(&balance)
	return balance, err
}

func (p *Postgres) ReceivedCount(ctx context.Context, ownerID string) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `
SELECT COALESCE(received_count, 0) FROM received_counters WHERE owner_id = $1
`, ownerID).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return count, err
}
