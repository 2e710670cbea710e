package contracts

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// EscrowABI is the interface definition of the escrow contract the dashboard targets.
//
//go:embed escrow.abi.json
var EscrowABI []byte

// EscrowABIVersion identifies EscrowABI. Deployment records carry the version
// they were compiled against.
const EscrowABIVersion = "1"

// Method names used by the dashboard.
const (
	MethodBuyer          = "buyer"
	MethodSeller         = "seller"
	MethodState          = "state"
	MethodValue          = "value"
	MethodDeposit        = "deposit"
	MethodConfirmReceipt = "confirmReceipt"
)

var readMethods = []string{MethodBuyer, MethodSeller, MethodState, MethodValue}

// LoadEscrowABI parses the ABI file at path, or the embedded definition when path is empty.
func LoadEscrowABI(path string) (abi.ABI, error) {
	raw := EscrowABI
	if path != "" {
		blob, err := os.ReadFile(path)
		if err != nil {
			return abi.ABI{}, fmt.Errorf("read abi: %w", err)
		}
		raw = blob
	}

	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse abi: %w", err)
	}
	if err := ValidateEscrowABI(parsed); err != nil {
		return abi.ABI{}, err
	}
	return parsed, nil
}

// ValidateEscrowABI checks that parsed exposes every method the dashboard calls
// with the expected mutability.
func ValidateEscrowABI(parsed abi.ABI) error {
	for _, name := range readMethods {
		m, ok := parsed.Methods[name]
		if !ok {
			return fmt.Errorf("abi missing method %q", name)
		}
		if !m.IsConstant() {
			return fmt.Errorf("abi method %q must be a view", name)
		}
		if len(m.Outputs) != 1 {
			return fmt.Errorf("abi method %q must return one value", name)
		}
	}

	deposit, ok := parsed.Methods[MethodDeposit]
	if !ok {
		return fmt.Errorf("abi missing method %q", MethodDeposit)
	}
	if !deposit.IsPayable() {
		return fmt.Errorf("abi method %q must be payable", MethodDeposit)
	}

	confirm, ok := parsed.Methods[MethodConfirmReceipt]
	if !ok {
		return fmt.Errorf("abi missing method %q", MethodConfirmReceipt)
	}
	if confirm.IsConstant() {
		return fmt.Errorf("abi method %q must change state", MethodConfirmReceipt)
	}
	return nil
}
