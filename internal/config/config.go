package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig ties together service, token, and settlement settings.
type AppConfig struct {
	Service    ServiceConfig
	Chain      ChainConfig
	Token      TokenConfig
	Settlement SettlementConfig
	Poller     PollerConfig
}

type ServiceConfig struct {
	HTTPPort      int
	HMACSecret    string
	HMACClockSkew time.Duration
	PostgresDSN   string
}

type ChainConfig struct {
	RPCURL string
}

type TokenConfig struct {
	// Mint is the stablecoin mint address, base58.
	Mint     string
	Decimals int
	// MinAmount/MaxAmount are decimal strings in token units.
	MinAmount string
	MaxAmount string
}

type SettlementConfig struct {
	PlatformFeeBps    int
	PlatformFeeWallet string

	SponsorWallet      string
	SponsorFeeLamports uint64
	SponsorMinLamports uint64
	// SponsoredGasFeeToken is a decimal string charged in token units when
	// gas is sponsored.
	SponsoredGasFeeToken string
	MinGasLamports       uint64

	IntentTTL             time.Duration
	ConfirmationThreshold uint64
	MemoNamespace         string
}

type PollerConfig struct {
	Interval     time.Duration
	BatchSize    int
	Concurrency  int
	OrphanAge    time.Duration
	RefundWindow time.Duration
}

// usdcMainnetMint is the default stablecoin when none is configured.
const usdcMainnetMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

// Load aggregates configuration from an optional .env file and the
// environment. Environment variables win over the file.
func Load() (*AppConfig, error) {
	// Missing .env is fine; containers set real environment variables.
	_ = godotenv.Load()

	cfg := &AppConfig{
		Service: ServiceConfig{
			HTTPPort:      envOrInt("API_HTTP_PORT", 3000),
			HMACSecret:    envOr("API_HMAC_SECRET", ""),
			HMACClockSkew: envOrDuration("HMAC_CLOCK_SKEW", time.Minute),
			PostgresDSN:   envOr("POSTGRES_DSN", ""),
		},
		Chain: ChainConfig{
			RPCURL: envOr("CHAIN_RPC_URL", "https://api.mainnet-beta.solana.com"),
		},
		Token: TokenConfig{
			Mint:      envOr("TOKEN_MINT", usdcMainnetMint),
			Decimals:  envOrInt("TOKEN_DECIMALS", 6),
			MinAmount: envOr("MIN_PAYMENT_AMOUNT", "0.50"),
			MaxAmount: envOr("MAX_PAYMENT_AMOUNT", ""),
		},
		Settlement: SettlementConfig{
			PlatformFeeBps:        envOrInt("PLATFORM_FEE_BPS", 0),
			PlatformFeeWallet:     envOr("PLATFORM_FEE_WALLET", ""),
			SponsorWallet:         envOr("GAS_SPONSOR_WALLET", ""),
			SponsorFeeLamports:    envOrUint("GAS_SPONSOR_FEE_LAMPORTS", 5000),
			SponsorMinLamports:    envOrUint("GAS_SPONSOR_MIN_LAMPORTS", 1_000_000),
			SponsoredGasFeeToken:  envOr("GAS_SPONSOR_TOKEN_FEE", "0.01"),
			MinGasLamports:        envOrUint("MIN_GAS_LAMPORTS", 5000),
			IntentTTL:             envOrDuration("INTENT_TTL", 15*time.Minute),
			ConfirmationThreshold: envOrUint("CONFIRMATION_THRESHOLD", 32),
			MemoNamespace:         envOr("MEMO_NAMESPACE", "stablerails"),
		},
		Poller: PollerConfig{
			Interval:     envOrDuration("POLL_INTERVAL", 10*time.Second),
			BatchSize:    envOrInt("POLL_BATCH_SIZE", 100),
			Concurrency:  envOrInt("POLL_CONCURRENCY", 8),
			OrphanAge:    envOrDuration("ORPHAN_AGE", time.Minute),
			RefundWindow: envOrDuration("REFUND_WINDOW", 14*24*time.Hour),
		},
	}

	if cfg.Token.Decimals < 0 || cfg.Token.Decimals > 18 {
		return nil, fmt.Errorf("TOKEN_DECIMALS out of range: %d", cfg.Token.Decimals)
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrUint(key string, fallback uint64) uint64 {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed uint64
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}
