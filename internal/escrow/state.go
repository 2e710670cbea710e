package escrow

import "strconv"

// State mirrors the contract's state enum.
type State uint8

const (
	StateCreated State = iota
	StateLocked
	StateSettled
)

func (s State) Valid() bool {
	return s <= StateSettled
}

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateLocked:
		return "locked"
	case StateSettled:
		return "settled"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}
