package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"

	"stablerails/internal/chain"
	"stablerails/internal/config"
	"stablerails/internal/notify"
	"stablerails/internal/payment"
	"stablerails/internal/poller"
	"stablerails/internal/server"
	"stablerails/internal/sponsor"
	"stablerails/internal/store"
	"stablerails/internal/wallets"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx := context.Background()

	var st store.Store
	var pg *store.Postgres
	if cfg.Service.PostgresDSN != "" {
		pg, err = store.NewPostgres(ctx, cfg.Service.PostgresDSN)
		if err != nil {
			log.Fatalf("store error: %v", err)
		}
		defer pg.Close()
		st = pg
	} else {
		log.Printf("POSTGRES_DSN not set, using in-memory store")
		st = store.NewMemory()
	}

	rpcClient, err := chain.NewClient(chain.ClientConfig{RPCURL: cfg.Chain.RPCURL})
	if err != nil {
		log.Fatalf("chain client error: %v", err)
	}

	coordCfg, err := buildCoordinatorConfig(cfg)
	if err != nil {
		log.Fatalf("settlement config error: %v", err)
	}

	resolver := staticResolverFromEnv()
	policy := sponsorPolicy(cfg, rpcClient)

	coord := payment.NewCoordinator(coordCfg, st, rpcClient, resolver, policy, notify.LogNotifier{})

	watch := poller.New(poller.Config{
		Interval:     cfg.Poller.Interval,
		BatchSize:    cfg.Poller.BatchSize,
		Concurrency:  cfg.Poller.Concurrency,
		OrphanAge:    cfg.Poller.OrphanAge,
		RefundWindow: cfg.Poller.RefundWindow,
	}, st, coord)

	pollCtx, cancelPoll := context.WithCancel(ctx)
	go watch.Run(pollCtx)

	apiServer := server.NewServer(cfg, coord, st, rpcClient)
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Printf("server stopped: %v", err)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	cancelPoll()
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
	coord.Drain()
}

func buildCoordinatorConfig(cfg *config.AppConfig) (payment.Config, error) {
	decimals := uint8(cfg.Token.Decimals)

	mint, err := solana.PublicKeyFromBase58(cfg.Token.Mint)
	if err != nil {
		return payment.Config{}, err
	}

	out := payment.Config{
		Mint:                  mint,
		Decimals:              decimals,
		PlatformFeeBps:        uint64(cfg.Settlement.PlatformFeeBps),
		MinGasLamports:        cfg.Settlement.MinGasLamports,
		IntentTTL:             cfg.Settlement.IntentTTL,
		ConfirmationThreshold: cfg.Settlement.ConfirmationThreshold,
		MemoNamespace:         cfg.Settlement.MemoNamespace,
	}

	if cfg.Token.MinAmount != "" {
		out.MinAmount, err = payment.ParseAmount(cfg.Token.MinAmount, decimals)
		if err != nil {
			return payment.Config{}, err
		}
	}
	if cfg.Token.MaxAmount != "" {
		out.MaxAmount, err = payment.ParseAmount(cfg.Token.MaxAmount, decimals)
		if err != nil {
			return payment.Config{}, err
		}
	}
	if cfg.Settlement.PlatformFeeWallet != "" {
		out.PlatformFeeWallet, err = solana.PublicKeyFromBase58(cfg.Settlement.PlatformFeeWallet)
		if err != nil {
			return payment.Config{}, err
		}
	}
	if cfg.Settlement.SponsoredGasFeeToken != "" {
		out.SponsoredGasFeeToken, err = payment.ParseAmount(cfg.Settlement.SponsoredGasFeeToken, decimals)
		if err != nil {
			return payment.Config{}, err
		}
	}
	return out, nil
}

// staticResolverFromEnv seeds the dev wallet resolver from
// WALLET_MAP="alice=<base58>,bob=<base58>". Production deployments plug a
// real resolver service here.
func staticResolverFromEnv() wallets.Resolver {
	resolver := wallets.NewStatic()
	raw := os.Getenv("WALLET_MAP")
	if raw == "" {
		return resolver
	}
	for _, pair := range strings.Split(raw, ",") {
		userID, keyStr, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		key, err := solana.PublicKeyFromBase58(keyStr)
		if err != nil {
			log.Printf("WALLET_MAP entry %q: %v", pair, err)
			continue
		}
		resolver.Register(userID, key)
	}
	return resolver
}

func sponsorPolicy(cfg *config.AppConfig, client *chain.Client) sponsor.Policy {
	if cfg.Settlement.SponsorWallet == "" {
		return sponsor.Never{FeeLamports: cfg.Settlement.SponsorFeeLamports}
	}
	wallet, err := solana.PublicKeyFromBase58(cfg.Settlement.SponsorWallet)
	if err != nil {
		log.Fatalf("GAS_SPONSOR_WALLET: %v", err)
	}
	return &sponsor.Threshold{
		MinLamports:   cfg.Settlement.SponsorMinLamports,
		FeeLamports:   cfg.Settlement.SponsorFeeLamports,
		Wallet:        wallet,
		NativeBalance: client.NativeBalance,
	}
}
