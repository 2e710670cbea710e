package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"lockt/internal/contracts"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const defaultPollInterval = 2 * time.Second

// Backend is the RPC surface the binder needs. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type EthBinderConfig struct {
	Address      common.Address
	ABI          abi.ABI
	PollInterval time.Duration
}

// EthBinder binds the escrow contract at a fixed address over an RPC backend.
type EthBinder struct {
	backend Backend
	address common.Address
	abi     abi.ABI
	poll    time.Duration
}

func NewEthBinder(backend Backend, cfg EthBinderConfig) (*EthBinder, error) {
	if backend == nil {
		return nil, fmt.Errorf("rpc backend is required")
	}
	if (cfg.Address == common.Address{}) {
		return nil, fmt.Errorf("escrow address is required")
	}
	if err := contracts.ValidateEscrowABI(cfg.ABI); err != nil {
		return nil, err
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &EthBinder{
		backend: backend,
		address: cfg.Address,
		abi:     cfg.ABI,
		poll:    poll,
	}, nil
}

func (b *EthBinder) Bind(signer *bind.TransactOpts) (Contract, error) {
	bound := bind.NewBoundContract(b.address, b.abi, b.backend, b.backend, b.backend)
	return &EthContract{
		contract: bound,
		backend:  b.backend,
		signer:   signer,
		poll:     b.poll,
	}, nil
}

func (b *EthBinder) Ping(ctx context.Context) error {
	_, err := latestBlock(ctx, b.backend)
	return err
}

func latestBlock(ctx context.Context, backend Backend) (*big.Int, error) {
	header, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	if header == nil || header.Number == nil {
		return nil, errors.New("latest header has no number")
	}
	return new(big.Int).Set(header.Number), nil
}

// EthContract is a handle on the deployed escrow.
type EthContract struct {
	contract *bind.BoundContract
	backend  Backend
	signer   *bind.TransactOpts
	poll     time.Duration
}

func (c *EthContract) BlockNumber(ctx context.Context) (*big.Int, error) {
	return latestBlock(ctx, c.backend)
}

func (c *EthContract) Buyer(ctx context.Context, block *big.Int) (common.Address, error) {
	out, err := c.call(ctx, block, contracts.MethodBuyer)
	if err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(out, new(common.Address)).(*common.Address), nil
}

func (c *EthContract) Seller(ctx context.Context, block *big.Int) (common.Address, error) {
	out, err := c.call(ctx, block, contracts.MethodSeller)
	if err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(out, new(common.Address)).(*common.Address), nil
}

func (c *EthContract) State(ctx context.Context, block *big.Int) (State, error) {
	out, err := c.call(ctx, block, contracts.MethodState)
	if err != nil {
		return 0, err
	}
	return State(*abi.ConvertType(out, new(uint8)).(*uint8)), nil
}

func (c *EthContract) Value(ctx context.Context, block *big.Int) (*big.Int, error) {
	out, err := c.call(ctx, block, contracts.MethodValue)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out, new(*big.Int)).(**big.Int), nil
}

func (c *EthContract) Deposit(ctx context.Context, amount *big.Int) (PendingTx, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("deposit amount must be positive")
	}
	return c.transact(ctx, new(big.Int).Set(amount), contracts.MethodDeposit)
}

func (c *EthContract) ConfirmReceipt(ctx context.Context) (PendingTx, error) {
	return c.transact(ctx, nil, contracts.MethodConfirmReceipt)
}

func (c *EthContract) call(ctx context.Context, block *big.Int, method string) (interface{}, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx, BlockNumber: block}, &out, method); err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("call %s: expected 1 output, got %d", method, len(out))
	}
	return out[0], nil
}

func (c *EthContract) transact(ctx context.Context, value *big.Int, method string) (PendingTx, error) {
	if c.signer == nil {
		return nil, ErrReadOnly
	}

	opts := *c.signer
	opts.Context = ctx
	opts.Value = value

	tx, err := c.contract.Transact(&opts, method)
	if err != nil {
		return nil, fmt.Errorf("%s tx: %w", method, err)
	}
	return &ethPendingTx{tx: tx, backend: c.backend, poll: c.poll}, nil
}

type ethPendingTx struct {
	tx      *types.Transaction
	backend receiptFetcher
	poll    time.Duration
}

func (p *ethPendingTx) Hash() common.Hash {
	return p.tx.Hash()
}

func (p *ethPendingTx) Wait(ctx context.Context) error {
	receipt, err := waitForReceipt(ctx, p.backend, p.tx.Hash(), p.poll)
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: %s", ErrReverted, p.tx.Hash().Hex())
	}
	return nil
}

type receiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// waitForReceipt polls until the transaction is mined or ctx is done.
func waitForReceipt(ctx context.Context, client receiptFetcher, hash common.Hash, interval time.Duration) (*types.Receipt, error) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("fetch receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
