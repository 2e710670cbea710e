package dashboard

import (
	"context"
	"errors"
	"strings"

	"lockt/internal/escrow"
	"lockt/internal/wallet"
)

// ConfirmReceiptPrompt is shown before funds are released to the seller.
const ConfirmReceiptPrompt = "Have you received the item? Confirming releases the escrowed funds to the seller and cannot be undone."

type statusText struct {
	submitting string
	mining     string
	done       string
	failed     string
}

var statusByAction = map[Action]statusText{
	ActionDeposit: {
		submitting: "Depositing... check your wallet.",
		mining:     "Recording the deposit on chain...",
		done:       "Deposit complete. The escrow is now locked.",
		failed:     "Deposit failed or was cancelled",
	},
	ActionConfirmReceipt: {
		submitting: "Confirming receipt...",
		mining:     "Releasing funds to the seller, please wait...",
		done:       "Escrow settled. Funds were released to the seller.",
		failed:     "Confirm receipt failed",
	},
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, escrow.ErrReverted):
		return "transaction reverted"
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out waiting for confirmation"
	case errors.Is(err, wallet.ErrUserRejected):
		return "rejected in wallet"
	}
	msg := err.Error()
	if strings.Contains(strings.ToLower(msg), "rejected") || strings.Contains(strings.ToLower(msg), "denied") {
		return "rejected in wallet"
	}
	return msg
}
