package vm

import "fmt"

// State is the observed lifecycle state of a VM.
type State string

const (
	StateUndefined   State = "UNDEFINED"
	StateShutoff     State = "SHUTOFF"
	StateRunning     State = "RUNNING"
	StatePaused      State = "PAUSED"
	StateCrashed     State = "CRASHED"
	StateDying       State = "DYING"
	StatePMSuspended State = "PMSUSPENDED"
)

// Domain states (from libvirt VIR_DOMAIN_* constants).
const (
	domainStateNoState     = 0
	domainStateRunning     = 1
	domainStateBlocked     = 2
	domainStatePaused      = 3
	domainStateShutdown    = 4
	domainStateShutoff     = 5
	domainStateCrashed     = 6
	domainStatePMSuspended = 7
)

// stateFromLibvirt maps a libvirt domain state. Blocked domains are running
// but waiting on a resource; a domain in the middle of shutting down is dying.
func stateFromLibvirt(state int32) (State, error) {
	switch state {
	case domainStateRunning, domainStateBlocked:
		return StateRunning, nil
	case domainStatePaused:
		return StatePaused, nil
	case domainStateShutdown:
		return StateDying, nil
	case domainStateShutoff, domainStateNoState:
		return StateShutoff, nil
	case domainStateCrashed:
		return StateCrashed, nil
	case domainStatePMSuspended:
		return StatePMSuspended, nil
	default:
		return "", fmt.Errorf("unknown libvirt domain state %d", state)
	}
}

// Active reports whether the domain holds host resources such as passthrough devices.
func (s State) Active() bool {
	switch s {
	case StateRunning, StatePaused, StateDying, StatePMSuspended:
		return true
	default:
		return false
	}
}
