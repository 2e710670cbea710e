package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"lockt/internal/config"
	"lockt/internal/contracts"
	"lockt/internal/dashboard"
	"lockt/internal/escrow"
	"lockt/internal/idempotency"
	"lockt/internal/logging"
	"lockt/internal/server"
	"lockt/internal/wallet"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const demoChainID = 1337

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup("lockt-dashboard", cfg.Service.Env, cfg.Service.LogLevel)

	ctx := context.Background()

	var (
		binder   escrow.Binder
		rpc      escrow.HealthChecker
		provider wallet.Provider
	)
	if cfg.Chain.RPCURL != "" {
		ethBinder, p, closeFn, err := connectChain(ctx, cfg)
		if err != nil {
			logger.Error("chain setup failed", "error", err)
			os.Exit(1)
		}
		defer closeFn()
		binder, rpc, provider = ethBinder, ethBinder, p
	} else {
		chain, p, err := demoChain(cfg)
		if err != nil {
			logger.Error("demo setup failed", "error", err)
			os.Exit(1)
		}
		logger.Warn("CHAIN_RPC_URL not set, serving an in-memory escrow")
		binder, provider = chain, p
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("idempotency store error", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	metrics := server.NewMetrics()
	dash, err := dashboard.New(provider, binder, dashboard.Config{
		DepositAmount:  cfg.Escrow.DepositAmount,
		ReadTimeout:    cfg.Chain.RPCTimeout,
		ConfirmTimeout: cfg.Chain.ConfirmTimeout,
	}, dashboard.WithObserver(metrics), dashboard.WithLogger(logger))
	if err != nil {
		logger.Error("dashboard error", "error", err)
		os.Exit(1)
	}
	if err := dash.Refresh(ctx); err != nil {
		logger.Warn("initial escrow read failed", "error", err)
	}

	apiServer, err := server.NewServer(cfg, dash, store, metrics, rpc)
	if err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
}

// connectChain dials the node and checks it serves the deployment's chain.
func connectChain(ctx context.Context, cfg *config.AppConfig) (*escrow.EthBinder, wallet.Provider, func(), error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Chain.RPCTimeout)
	defer cancel()

	cli, err := ethclient.DialContext(dialCtx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dial rpc: %w", err)
	}
	chainID, err := cli.ChainID(dialCtx)
	if err != nil {
		cli.Close()
		return nil, nil, nil, fmt.Errorf("chain id: %w", err)
	}
	if cfg.Deployment.ChainID != 0 && chainID.Int64() != cfg.Deployment.ChainID {
		cli.Close()
		return nil, nil, nil, fmt.Errorf("rpc serves chain %s, deployment expects %d", chainID, cfg.Deployment.ChainID)
	}

	parsed, err := contracts.LoadEscrowABI(cfg.Escrow.ABIPath)
	if err != nil {
		cli.Close()
		return nil, nil, nil, err
	}
	binder, err := escrow.NewEthBinder(cli, escrow.EthBinderConfig{
		Address:      cfg.Escrow.Address,
		ABI:          parsed,
		PollInterval: cfg.Chain.ReceiptPollInterval,
	})
	if err != nil {
		cli.Close()
		return nil, nil, nil, err
	}

	provider, err := walletProvider(cfg, chainID)
	if err != nil {
		cli.Close()
		return nil, nil, nil, err
	}
	return binder, provider, cli.Close, nil
}

// walletProvider returns nil when no key material is configured; the
// dashboard then runs read-only.
func walletProvider(cfg *config.AppConfig, chainID *big.Int) (wallet.Provider, error) {
	switch {
	case cfg.Wallet.PrivateKey != "":
		p, err := wallet.NewKeyProviderFromHex(cfg.Wallet.PrivateKey, chainID)
		if err != nil {
			return nil, fmt.Errorf("wallet key: %w", err)
		}
		return p, nil
	case cfg.Wallet.KeystorePath != "":
		p, err := wallet.NewKeystoreProvider(cfg.Wallet.KeystorePath, cfg.Wallet.KeystorePassphrase, chainID)
		if err != nil {
			return nil, fmt.Errorf("wallet keystore: %w", err)
		}
		return p, nil
	default:
		return nil, nil
	}
}

// demoChain serves a fresh escrow whose buyer is the configured wallet, or a
// generated one.
func demoChain(cfg *config.AppConfig) (*escrow.FakeChain, wallet.Provider, error) {
	chainID := big.NewInt(demoChainID)
	if cfg.Deployment.ChainID != 0 {
		chainID = big.NewInt(cfg.Deployment.ChainID)
	}

	provider, err := walletProvider(cfg, chainID)
	if err != nil {
		return nil, nil, err
	}
	if provider == nil {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, nil, err
		}
		kp, err := wallet.NewKeyProvider(key, chainID)
		if err != nil {
			return nil, nil, err
		}
		provider = kp
	}

	accounts, err := provider.RequestAccounts(context.Background())
	if err != nil {
		return nil, nil, fmt.Errorf("demo wallet: %w", err)
	}
	if len(accounts) == 0 {
		return nil, nil, wallet.ErrNoAccounts
	}

	sellerKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, nil, err
	}
	chain := escrow.NewFakeChain(accounts[0], crypto.PubkeyToAddress(sellerKey.PublicKey), cfg.Escrow.DepositAmount)
	return chain, provider, nil
}

func openStore(ctx context.Context, cfg *config.AppConfig) (idempotency.Store, func(), error) {
	if cfg.Service.DatabaseURL == "" {
		return idempotency.NewMemoryStore(), func() {}, nil
	}
	pg, err := idempotency.NewPostgresStore(ctx, cfg.Service.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}
