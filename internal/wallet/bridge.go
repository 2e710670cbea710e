package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// Session is the connected account of the current dashboard. It lives in
// memory only and is lost on restart.
type Session struct {
	Address common.Address
	Signer  *bind.TransactOpts
}

// Notifier receives user-facing notices about the wallet.
type Notifier func(notice string)

// Bridge connects to an optional wallet provider.
type Bridge struct {
	provider Provider
	notify   Notifier
	log      *slog.Logger
}

// NewBridge accepts a nil provider, in which case every Connect reports no session.
func NewBridge(provider Provider, notify Notifier, logger *slog.Logger) *Bridge {
	if notify == nil {
		notify = func(string) {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{provider: provider, notify: notify, log: logger}
}

// Available reports whether a provider was injected.
func (b *Bridge) Available() bool {
	return b != nil && b.provider != nil
}

// Connect asks the provider for its first account and a signer for it. All
// failures degrade to (nil, false) with a notice.
func (b *Bridge) Connect(ctx context.Context) (*Session, bool) {
	if !b.Available() {
		if b != nil {
			b.notify(NoticeFor(ErrNoProvider))
		}
		return nil, false
	}

	session, err := b.connect(ctx)
	if err != nil {
		b.log.Warn("wallet connect failed", "error", err)
		b.notify(NoticeFor(err))
		return nil, false
	}
	b.log.Info("wallet connected", "address", session.Address.Hex())
	return session, true
}

func (b *Bridge) connect(ctx context.Context) (session *Session, err error) {
	defer func() {
		if r := recover(); r != nil {
			session, err = nil, fmt.Errorf("wallet provider panic: %v", r)
		}
	}()

	accounts, err := b.provider.RequestAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("request accounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}

	signer, err := b.provider.Signer(ctx, accounts[0])
	if err != nil {
		return nil, fmt.Errorf("get signer: %w", err)
	}
	if signer == nil {
		return nil, fmt.Errorf("get signer: provider returned no signer")
	}
	return &Session{Address: accounts[0], Signer: signer}, nil
}

// NoticeFor maps a wallet error to the text shown to the user.
func NoticeFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoProvider):
		return "No wallet found. Configure a wallet key or keystore first."
	case errors.Is(err, ErrUserRejected):
		return "Wallet connection was rejected."
	case errors.Is(err, ErrNoAccounts):
		return "The wallet has no accounts."
	default:
		return "Wallet connection failed."
	}
}

// ShortAddress renders 0x1234...abcd for headers.
func ShortAddress(addr common.Address) string {
	hex := addr.Hex()
	return hex[:6] + "..." + hex[len(hex)-4:]
}
