package escrow

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrReadOnly is returned by state-changing calls on a handle bound without a signer.
	ErrReadOnly = errors.New("escrow handle is read-only")
	// ErrReverted reports a transaction that was included but failed on-chain.
	ErrReverted = errors.New("transaction reverted")
)

// Contract abstracts the on-chain escrow interaction. View calls are
// evaluated at block; a nil block means the latest one.
type Contract interface {
	// BlockNumber returns the current chain head.
	BlockNumber(ctx context.Context) (*big.Int, error)
	Buyer(ctx context.Context, block *big.Int) (common.Address, error)
	Seller(ctx context.Context, block *big.Int) (common.Address, error)
	State(ctx context.Context, block *big.Int) (State, error)
	Value(ctx context.Context, block *big.Int) (*big.Int, error)

	// Deposit sends amount wei to the escrow.
	Deposit(ctx context.Context, amount *big.Int) (PendingTx, error)
	ConfirmReceipt(ctx context.Context) (PendingTx, error)
}

// PendingTx is a submitted transaction awaiting inclusion.
type PendingTx interface {
	Hash() common.Hash
	// Wait blocks until the transaction is included. It returns ErrReverted
	// when the receipt reports failure.
	Wait(ctx context.Context) error
}

// Binder produces contract handles for a signer. A nil signer yields a read-only handle.
type Binder interface {
	Bind(signer *bind.TransactOpts) (Contract, error)
}

// HealthChecker is implemented by binders backed by a live RPC endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
