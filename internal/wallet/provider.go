package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrNoProvider   = errors.New("no wallet provider available")
	ErrUserRejected = errors.New("wallet request rejected")
	ErrNoAccounts   = errors.New("wallet exposes no accounts")
)

// Provider is the injected wallet capability: it lists accounts and hands out
// a transaction signer for one of them.
type Provider interface {
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	Signer(ctx context.Context, account common.Address) (*bind.TransactOpts, error)
}

// KeyProvider signs with a single in-memory private key.
type KeyProvider struct {
	key     *ecdsa.PrivateKey
	chainID *big.Int
}

func NewKeyProvider(key *ecdsa.PrivateKey, chainID *big.Int) (*KeyProvider, error) {
	if key == nil {
		return nil, fmt.Errorf("private key is required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id is required")
	}
	return &KeyProvider{key: key, chainID: new(big.Int).Set(chainID)}, nil
}

// NewKeyProviderFromHex accepts a hex key with or without the 0x prefix.
func NewKeyProviderFromHex(hexKey string, chainID *big.Int) (*KeyProvider, error) {
	key, err := parsePrivateKey(hexKey)
	if err != nil {
		return nil, err
	}
	return NewKeyProvider(key, chainID)
}

func (p *KeyProvider) RequestAccounts(context.Context) ([]common.Address, error) {
	return []common.Address{crypto.PubkeyToAddress(p.key.PublicKey)}, nil
}

func (p *KeyProvider) Signer(ctx context.Context, account common.Address) (*bind.TransactOpts, error) {
	if crypto.PubkeyToAddress(p.key.PublicKey) != account {
		return nil, fmt.Errorf("%w: unknown account %s", ErrUserRejected, account.Hex())
	}
	return newTransactor(ctx, p.key, p.chainID)
}

// KeystoreProvider unlocks an encrypted keystore file on every request, so a
// wrong passphrase surfaces as a rejected request rather than a startup failure.
type KeystoreProvider struct {
	path       string
	passphrase string
	chainID    *big.Int
}

func NewKeystoreProvider(path, passphrase string, chainID *big.Int) (*KeystoreProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("keystore path is required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id is required")
	}
	return &KeystoreProvider{path: path, passphrase: passphrase, chainID: new(big.Int).Set(chainID)}, nil
}

func (p *KeystoreProvider) RequestAccounts(context.Context) ([]common.Address, error) {
	key, err := p.unlock()
	if err != nil {
		return nil, err
	}
	return []common.Address{key.Address}, nil
}

func (p *KeystoreProvider) Signer(ctx context.Context, account common.Address) (*bind.TransactOpts, error) {
	key, err := p.unlock()
	if err != nil {
		return nil, err
	}
	if key.Address != account {
		return nil, fmt.Errorf("%w: unknown account %s", ErrUserRejected, account.Hex())
	}
	return newTransactor(ctx, key.PrivateKey, p.chainID)
}

func (p *KeystoreProvider) unlock() (*keystore.Key, error) {
	blob, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	key, err := keystore.DecryptKey(blob, p.passphrase)
	if errors.Is(err, keystore.ErrDecrypt) {
		return nil, fmt.Errorf("%w: %v", ErrUserRejected, err)
	}
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", err)
	}
	return key, nil
}

func newTransactor(ctx context.Context, key *ecdsa.PrivateKey, chainID *big.Int) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	opts.Context = ctx
	opts.GasLimit = 0 // let node estimate
	return opts, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}
