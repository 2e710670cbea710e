package escrow

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Snapshot is a read-only projection of the contract as of Block.
type Snapshot struct {
	Buyer     common.Address
	Seller    common.Address
	State     State
	Value     *big.Int
	Block     *big.Int
	FetchedAt time.Time
}

// ReadSnapshot pins the four view calls to the current head so the fields
// always describe the same block. Any failure aborts the read so a partial
// snapshot is never returned.
func ReadSnapshot(ctx context.Context, c Contract) (Snapshot, error) {
	block, err := c.BlockNumber(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read head: %w", err)
	}
	buyer, err := c.Buyer(ctx, block)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read buyer: %w", err)
	}
	seller, err := c.Seller(ctx, block)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read seller: %w", err)
	}
	state, err := c.State(ctx, block)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read state: %w", err)
	}
	value, err := c.Value(ctx, block)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read value: %w", err)
	}
	return Snapshot{
		Buyer:     buyer,
		Seller:    seller,
		State:     state,
		Value:     value,
		Block:     block,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Value != nil {
		out.Value = new(big.Int).Set(s.Value)
	}
	if s.Block != nil {
		out.Block = new(big.Int).Set(s.Block)
	}
	return out
}

// Equal compares on-chain fields, ignoring Block and FetchedAt.
func (s Snapshot) Equal(o Snapshot) bool {
	if s.Buyer != o.Buyer || s.Seller != o.Seller || s.State != o.State {
		return false
	}
	if s.Value == nil || o.Value == nil {
		return s.Value == nil && o.Value == nil
	}
	return s.Value.Cmp(o.Value) == 0
}
