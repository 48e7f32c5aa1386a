package chain

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Client talks to a Solana node over JSON-RPC and adapts responses into the
// domain shapes the rest of the core consumes.
type Client struct {
	rpc *rpc.Client
}

type ClientConfig struct {
	RPCURL string
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	return &Client{rpc: rpc.New(cfg.RPCURL)}, nil
}

func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("get latest blockhash: %w", err)
	}
	return out.Value.Blockhash, nil
}

func (c *Client) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("send transaction: %w", err)
	}
	return sig, nil
}

func (c *Client) SignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error) {
	out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, fmt.Errorf("get signature status: %w", err)
	}
	if len(out.Value) == 0 || out.Value[0] == nil {
		return nil, nil
	}

	raw := out.Value[0]
	status := &SignatureStatus{
		Finalized: raw.ConfirmationStatus == rpc.ConfirmationStatusFinalized,
	}
	if raw.Confirmations != nil {
		status.Confirmations = *raw.Confirmations
	}
	if raw.Err != nil {
		msg := fmt.Sprintf("%v", raw.Err)
		status.Err = &msg
	}
	return status, nil
}

func (c *Client) FinalizedTransaction(ctx context.Context, sig solana.Signature) (*ParsedTransaction, error) {
	maxVersion := uint64(0)
	out, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentFinalized,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrTxNotFound
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	if out == nil || out.Transaction == nil {
		return nil, ErrTxNotFound
	}

	tx, err := out.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("decode transaction envelope: %w", err)
	}

	parsed := &ParsedTransaction{
		Signature:   sig,
		Slot:        out.Slot,
		AccountKeys: tx.Message.AccountKeys,
	}

	for _, ci := range tx.Message.Instructions {
		if int(ci.ProgramIDIndex) >= len(tx.Message.AccountKeys) {
			continue
		}
		ix := ParsedInstruction{
			ProgramID: tx.Message.AccountKeys[ci.ProgramIDIndex],
			Data:      []byte(ci.Data),
		}
		for _, idx := range ci.Accounts {
			if int(idx) < len(tx.Message.AccountKeys) {
				ix.Accounts = append(ix.Accounts, tx.Message.AccountKeys[idx])
			}
		}
		parsed.Instructions = append(parsed.Instructions, ix)
	}
	parsed.Memos = ExtractMemos(parsed.Instructions)

	if out.Meta != nil {
		if out.Meta.Err != nil {
			msg := fmt.Sprintf("%v", out.Meta.Err)
			parsed.Err = &msg
		}
		for _, tb := range out.Meta.PostTokenBalances {
			if int(tb.AccountIndex) >= len(tx.Message.AccountKeys) || tb.Owner == nil || tb.UiTokenAmount == nil {
				continue
			}
			amount, err := strconv.ParseUint(tb.UiTokenAmount.Amount, 10, 64)
			if err != nil {
				continue
			}
			parsed.PostTokenBalances = append(parsed.PostTokenBalances, TokenBalance{
				Account: tx.Message.AccountKeys[tb.AccountIndex],
				Owner:   *tb.Owner,
				Mint:    tb.Mint,
				Amount:  amount,
			})
		}
	}
	return parsed, nil
}

func (c *Client) TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return 0, fmt.Errorf("derive token account: %w", err)
	}
	out, err := c.rpc.GetTokenAccountBalance(ctx, ata, rpc.CommitmentConfirmed)
	if err != nil {
		// An owner who never received this token has no token account.
		if isNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("get token balance: %w", err)
	}
	if out.Value == nil {
		return 0, nil
	}
	amount, err := strconv.ParseUint(out.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse token balance %q: %w", out.Value.Amount, err)
	}
	return amount, nil
}

func (c *Client) NativeBalance(ctx context.Context, owner solana.PublicKey) (uint64, error) {
	out, err := c.rpc.GetBalance(ctx, owner, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return out.Value, nil
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.rpc.GetHealth(ctx)
	return err
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "could not find")
}
