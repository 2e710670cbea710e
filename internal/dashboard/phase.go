package dashboard

import "lockt/internal/escrow"

// Phase is the view state derived from the latest snapshot.
type Phase string

const (
	PhaseLoading              Phase = "loading"
	PhaseAwaitingDeposit      Phase = "awaiting_deposit"
	PhaseAwaitingConfirmation Phase = "awaiting_confirmation"
	PhaseSettled              Phase = "settled"
	// PhaseUnknown covers ordinals the contract is not expected to report.
	PhaseUnknown Phase = "unknown"
)

// Action is a state-changing operation the view can offer.
type Action string

const (
	ActionDeposit        Action = "deposit"
	ActionConfirmReceipt Action = "confirm_receipt"
)

// PhaseFor maps a snapshot to its phase. A nil snapshot is still loading.
func PhaseFor(snap *escrow.Snapshot) Phase {
	if snap == nil {
		return PhaseLoading
	}
	switch snap.State {
	case escrow.StateCreated:
		return PhaseAwaitingDeposit
	case escrow.StateLocked:
		return PhaseAwaitingConfirmation
	case escrow.StateSettled:
		return PhaseSettled
	default:
		return PhaseUnknown
	}
}

// ActionsFor returns the single action a phase offers, if any.
func ActionsFor(p Phase) []Action {
	switch p {
	case PhaseAwaitingDeposit:
		return []Action{ActionDeposit}
	case PhaseAwaitingConfirmation:
		return []Action{ActionConfirmReceipt}
	default:
		return nil
	}
}

func offers(p Phase, a Action) bool {
	for _, candidate := range ActionsFor(p) {
		if candidate == a {
			return true
		}
	}
	return false
}
