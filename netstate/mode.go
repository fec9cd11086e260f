package netstate

import "fmt"

// Mode is the process-wide network intent.
type Mode string

const (
	ModeIdle         Mode = "idle"
	ModeDepositing   Mode = "depositing"
	ModeDepositReady Mode = "depositReady"
	ModePublishing   Mode = "publishing"
)

// Action names the write a caller is about to sign.
type Action string

const (
	ActionDeposit Action = "deposit"
	ActionPublish Action = "publish"
)

func (a Action) mode() (Mode, error) {
	switch a {
	case ActionDeposit:
		return ModeDepositing, nil
	case ActionPublish:
		return ModePublishing, nil
	default:
		return "", fmt.Errorf("netstate: unknown action %q", string(a))
	}
}

// Every state may return to idle. Self transitions keep repeated calls
// side-effect free.
func isAllowedTransition(from, to Mode) bool {
	if to == ModeIdle || from == to {
		return true
	}
	switch from {
	case ModeIdle:
		return to == ModeDepositing || to == ModePublishing
	case ModeDepositing:
		return to == ModeDepositReady
	case ModeDepositReady:
		return to == ModePublishing || to == ModeDepositing
	default:
		return false
	}
}
