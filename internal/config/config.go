package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"lockt/internal/contracts"
	"lockt/internal/escrow"

	"github.com/ethereum/go-ethereum/common"
)

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID    int64  `json:"chainId"`
	ABIVersion string `json:"abiVersion"`
	Contracts  struct {
		Escrow string `json:"Escrow"`
	} `json:"contracts"`
}

// AppConfig ties together deployment info and environment overrides.
type AppConfig struct {
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Wallet     WalletConfig
	Escrow     EscrowConfig
}

type ServiceConfig struct {
	HTTPPort          int
	Env               string
	LogLevel          string
	ShutdownTimeout   time.Duration
	IdempotencyWindow time.Duration
	DatabaseURL       string
	ConfirmSecret     string
	ConfirmTokenTTL   time.Duration
}

type ChainConfig struct {
	// RPCURL empty runs the dashboard against an in-memory escrow.
	RPCURL              string
	RPCTimeout          time.Duration
	ConfirmTimeout      time.Duration
	ReceiptPollInterval time.Duration
}

type WalletConfig struct {
	PrivateKey         string
	KeystorePath       string
	KeystorePassphrase string
}

type EscrowConfig struct {
	Address common.Address
	ABIPath string
	// DepositAmount is in wei.
	DepositAmount *big.Int
}

const (
	defaultDeploymentsPath = "deployments.json"
	defaultDepositEth      = "0.001"
)

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	deploymentsPath := envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath)

	deployCfg, err := loadDeployments(deploymentsPath)
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	serviceCfg := ServiceConfig{
		HTTPPort:          envOrInt("DASHBOARD_HTTP_PORT", 3000),
		Env:               envOr("APP_ENV", ""),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		ShutdownTimeout:   time.Duration(envOrInt("SHUTDOWN_TIMEOUT_SECONDS", 15)) * time.Second,
		IdempotencyWindow: time.Duration(envOrInt("IDEMPOTENCY_WINDOW_SECONDS", 600)) * time.Second,
		DatabaseURL:       envOr("DATABASE_URL", ""),
		ConfirmSecret:     envOr("CONFIRM_TOKEN_SECRET", ""),
		ConfirmTokenTTL:   time.Duration(envOrInt("CONFIRM_TOKEN_TTL_SECONDS", 120)) * time.Second,
	}
	if serviceCfg.ConfirmSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return nil, fmt.Errorf("generate confirm secret: %w", err)
		}
		serviceCfg.ConfirmSecret = secret
	}

	chainCfg := ChainConfig{
		RPCURL:              envOr("CHAIN_RPC_URL", ""),
		RPCTimeout:          time.Duration(envOrInt("RPC_TIMEOUT_SECONDS", 10)) * time.Second,
		ConfirmTimeout:      time.Duration(envOrInt("CONFIRM_TIMEOUT_SECONDS", 300)) * time.Second,
		ReceiptPollInterval: time.Duration(envOrInt("RECEIPT_POLL_MS", 2000)) * time.Millisecond,
	}

	walletCfg := WalletConfig{
		PrivateKey:         envOr("WALLET_PRIVATE_KEY", ""),
		KeystorePath:       envOr("WALLET_KEYSTORE_PATH", ""),
		KeystorePassphrase: os.Getenv("WALLET_KEYSTORE_PASSPHRASE"),
	}

	escrowCfg, err := loadEscrow(deployCfg)
	if err != nil {
		return nil, err
	}

	cfg := &AppConfig{
		Deployment: *deployCfg,
		Service:    serviceCfg,
		Chain:      chainCfg,
		Wallet:     walletCfg,
		Escrow:     escrowCfg,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the dashboard cannot run with.
func (c *AppConfig) Validate() error {
	if c.Escrow.DepositAmount == nil || c.Escrow.DepositAmount.Sign() <= 0 {
		return errors.New("deposit amount must be positive")
	}
	if c.Chain.RPCURL != "" && (c.Escrow.Address == common.Address{}) {
		return errors.New("escrow address is required when CHAIN_RPC_URL is set")
	}
	if c.Wallet.PrivateKey != "" && c.Wallet.KeystorePath != "" {
		return errors.New("set only one of WALLET_PRIVATE_KEY and WALLET_KEYSTORE_PATH")
	}
	if c.Service.ConfirmTokenTTL <= 0 {
		return errors.New("confirm token ttl must be positive")
	}
	// A custom ABI file replaces the embedded one, whatever its version.
	if c.Escrow.ABIPath == "" && c.Deployment.ABIVersion != "" && c.Deployment.ABIVersion != contracts.EscrowABIVersion {
		return fmt.Errorf("deployment abi version %q does not match built-in version %q; set ESCROW_ABI_PATH",
			c.Deployment.ABIVersion, contracts.EscrowABIVersion)
	}
	return nil
}

func loadEscrow(deploy *DeploymentConfig) (EscrowConfig, error) {
	rawAddr := envOr("ESCROW_ADDRESS", deploy.Contracts.Escrow)
	var addr common.Address
	if rawAddr != "" {
		if !common.IsHexAddress(rawAddr) {
			return EscrowConfig{}, fmt.Errorf("invalid escrow address %q", rawAddr)
		}
		addr = common.HexToAddress(rawAddr)
	}

	amount, err := escrow.ParseEther(envOr("DEPOSIT_AMOUNT_ETH", defaultDepositEth))
	if err != nil {
		return EscrowConfig{}, fmt.Errorf("deposit amount: %w", err)
	}

	return EscrowConfig{
		Address:       addr,
		ABIPath:       envOr("ESCROW_ABI_PATH", ""),
		DepositAmount: amount,
	}, nil
}

// loadDeployments tolerates a missing file so the demo mode runs without one.
func loadDeployments(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &DeploymentConfig{}, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && strings.TrimSpace(val) != "" {
		return strings.TrimSpace(val)
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
