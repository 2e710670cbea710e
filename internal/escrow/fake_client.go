package escrow

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// FakeChain emulates the deployed escrow in memory. Transactions take effect
// when they are waited on, mirroring inclusion on a real chain. Every applied
// transaction mines a block so view calls can be pinned to a past head.
type FakeChain struct {
	mu     sync.Mutex
	buyer  common.Address
	seller common.Address
	price  *big.Int
	blocks []fakeBlock
	nonce  uint64

	submitErr error
	revert    bool
	readErr   error
}

type fakeBlock struct {
	state State
	value *big.Int
}

func NewFakeChain(buyer, seller common.Address, price *big.Int) *FakeChain {
	return &FakeChain{
		buyer:  buyer,
		seller: seller,
		price:  new(big.Int).Set(price),
		blocks: []fakeBlock{{state: StateCreated, value: new(big.Int)}},
	}
}

func (f *FakeChain) Bind(signer *bind.TransactOpts) (Contract, error) {
	return &fakeContract{chain: f, signer: signer}, nil
}

// FailNextSubmit makes the next state-changing call fail before reaching the chain.
func (f *FakeChain) FailNextSubmit(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErr = err
}

// RevertNext makes the next submitted transaction revert on inclusion.
func (f *FakeChain) RevertNext() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revert = true
}

// FailReads makes every view call fail with err until called with nil.
func (f *FakeChain) FailReads(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

// ForceState overwrites the contract state, including ordinals the contract never produces.
func (f *FakeChain) ForceState(s State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mine(s, f.head().value)
}

// head returns the latest block. Callers hold f.mu.
func (f *FakeChain) head() fakeBlock {
	return f.blocks[len(f.blocks)-1]
}

// mine appends a block carrying the new contract storage. Callers hold f.mu.
func (f *FakeChain) mine(state State, value *big.Int) {
	f.blocks = append(f.blocks, fakeBlock{state: state, value: new(big.Int).Set(value)})
}

func (f *FakeChain) read(block *big.Int, fn func(fakeBlock)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return f.readErr
	}
	if block == nil {
		fn(f.head())
		return nil
	}
	if !block.IsUint64() || block.Uint64() >= uint64(len(f.blocks)) {
		return fmt.Errorf("block %s not found", block)
	}
	fn(f.blocks[block.Uint64()])
	return nil
}

func (f *FakeChain) submit(signer *bind.TransactOpts, method string, apply func(from common.Address) error) (PendingTx, error) {
	if signer == nil {
		return nil, ErrReadOnly
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.submitErr; err != nil {
		f.submitErr = nil
		return nil, fmt.Errorf("%s tx: %w", method, err)
	}
	f.nonce++
	revert := f.revert
	f.revert = false

	return &fakePendingTx{
		hash: fakeHash(fmt.Sprintf("%s:%s:%d", method, signer.From.Hex(), f.nonce)),
		mine: func() error {
			if revert {
				return ErrReverted
			}
			f.mu.Lock()
			defer f.mu.Unlock()
			return apply(signer.From)
		},
	}, nil
}

type fakeContract struct {
	chain  *FakeChain
	signer *bind.TransactOpts
}

func (c *fakeContract) BlockNumber(context.Context) (*big.Int, error) {
	f := c.chain
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	return big.NewInt(int64(len(f.blocks) - 1)), nil
}

func (c *fakeContract) Buyer(_ context.Context, block *big.Int) (common.Address, error) {
	var out common.Address
	err := c.chain.read(block, func(fakeBlock) { out = c.chain.buyer })
	return out, err
}

func (c *fakeContract) Seller(_ context.Context, block *big.Int) (common.Address, error) {
	var out common.Address
	err := c.chain.read(block, func(fakeBlock) { out = c.chain.seller })
	return out, err
}

func (c *fakeContract) State(_ context.Context, block *big.Int) (State, error) {
	var out State
	err := c.chain.read(block, func(b fakeBlock) { out = b.state })
	return out, err
}

func (c *fakeContract) Value(_ context.Context, block *big.Int) (*big.Int, error) {
	var out *big.Int
	err := c.chain.read(block, func(b fakeBlock) { out = new(big.Int).Set(b.value) })
	return out, err
}

func (c *fakeContract) Deposit(_ context.Context, amount *big.Int) (PendingTx, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("deposit amount must be positive")
	}
	amount = new(big.Int).Set(amount)
	f := c.chain
	return f.submit(c.signer, "deposit", func(from common.Address) error {
		head := f.head()
		switch {
		case head.state != StateCreated:
			return fmt.Errorf("%w: deposit not allowed in state %s", ErrReverted, head.state)
		case from != f.buyer:
			return fmt.Errorf("%w: only buyer can deposit", ErrReverted)
		case amount.Cmp(f.price) != 0:
			return fmt.Errorf("%w: deposit must equal %s wei", ErrReverted, f.price)
		}
		f.mine(StateLocked, new(big.Int).Add(head.value, amount))
		return nil
	})
}

func (c *fakeContract) ConfirmReceipt(context.Context) (PendingTx, error) {
	f := c.chain
	return f.submit(c.signer, "confirmReceipt", func(from common.Address) error {
		head := f.head()
		switch {
		case head.state != StateLocked:
			return fmt.Errorf("%w: confirm not allowed in state %s", ErrReverted, head.state)
		case from != f.buyer:
			return fmt.Errorf("%w: only buyer can confirm receipt", ErrReverted)
		}
		f.mine(StateSettled, new(big.Int))
		return nil
	})
}

type fakePendingTx struct {
	hash common.Hash
	once sync.Once
	mine func() error
	err  error
}

func (p *fakePendingTx) Hash() common.Hash {
	return p.hash
}

func (p *fakePendingTx) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.once.Do(func() { p.err = p.mine() })
	return p.err
}

func fakeHash(input string) common.Hash {
	sum := sha256.Sum256([]byte(input))
	return common.BytesToHash(sum[:])
}
