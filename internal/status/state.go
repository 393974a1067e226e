package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/wppcrm/internal/bus"
)

// State is the connection status of a session.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	QRCode       State = "QR_CODE"
	Connected    State = "CONNECTED"
	Error        State = "ERROR"
)

// ParseState maps a persisted status string back to a State.
func ParseState(s string) State {
	switch State(s) {
	case Connecting, QRCode, Connected, Error:
		return State(s)
	default:
		return Disconnected
	}
}

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting, Error},
	Connecting:   {Connecting, QRCode, Connected, Disconnected, Error},
	QRCode:       {QRCode, Connecting, Connected, Disconnected, Error},
	Connected:    {Connecting, Disconnected, Error},
	Error:        {Connecting, Disconnected, Error},
}

// Snapshot is the state a transition reads and produces.
type Snapshot struct {
	State         State
	PhoneIdentity string
	PairingCode   string
	RetentionDays int
	SyncHistory   bool
	SyncContacts  bool
}

// Policy holds the tunables of the transition function.
type Policy struct {
	ReconnectDelay time.Duration
}

// DefaultPolicy resumes a dropped connection after five seconds.
var DefaultPolicy = Policy{ReconnectDelay: 5 * time.Second}

// Transition applies ev to s using DefaultPolicy.
func Transition(s Snapshot, ev Event) (Snapshot, []Command, error) {
	return DefaultPolicy.Transition(s, ev)
}

// Transition computes the next snapshot and the side effects the caller
// must execute. It performs no I/O. An event that is not allowed from the
// current state returns an error and leaves s unchanged.
func (p Policy) Transition(s Snapshot, ev Event) (Snapshot, []Command, error) {
	next := s
	var cmds []Command

	switch e := ev.(type) {
	case Create:
		next.State = Connecting
		next.PairingCode = ""
		cmds = append(cmds, PersistStatus{State: Connecting})

	case PairingRequested:
		next.State = QRCode
		next.PairingCode = e.Code
		cmds = append(cmds,
			PersistStatus{State: QRCode, PairingCode: e.Code},
			EmitPairingCode{Code: e.Code},
		)

	case Opened:
		next.State = Connected
		next.PairingCode = ""
		if e.PhoneIdentity != "" {
			next.PhoneIdentity = e.PhoneIdentity
		}
		cmds = append(cmds, PersistStatus{State: Connected, PhoneIdentity: next.PhoneIdentity, Connected: true})
		if s.RetentionDays > 0 {
			cmds = append(cmds, SweepRetention{Days: s.RetentionDays})
		}
		if s.SyncHistory || s.SyncContacts {
			cmds = append(cmds, StartSync{History: s.SyncHistory, Contacts: s.SyncContacts})
		}

	case Closed:
		if e.LoggedOut {
			next.State = Disconnected
			next.PhoneIdentity = ""
			next.PairingCode = ""
			cmds = append(cmds,
				PersistStatus{State: Disconnected, ClearIdentity: true},
				DropConnection{},
				WipeKeystore{},
			)
			break
		}
		next.State = Connecting
		next.PairingCode = ""
		cmds = append(cmds,
			PersistStatus{State: Connecting},
			DropConnection{},
			ScheduleResume{After: p.ReconnectDelay},
		)

	case SetupFailed:
		next.State = Error
		next.PairingCode = ""
		cmds = append(cmds, PersistStatus{State: Error}, DropConnection{})

	default:
		return s, nil, fmt.Errorf("unknown event %T", ev)
	}

	if !slices.Contains(validTransitions[s.State], next.State) {
		return s, nil, fmt.Errorf("invalid transition from %s to %s on %s", s.State, next.State, ev.name())
	}
	return next, cmds, nil
}

// Machine serializes transitions for one session and publishes status
// changes on the bus.
type Machine struct {
	mu        sync.RWMutex
	sessionID string
	snap      Snapshot
	policy    Policy
	bus       *bus.Bus
}

// NewMachine creates a machine starting from the given snapshot.
func NewMachine(sessionID string, initial Snapshot, policy Policy, b *bus.Bus) *Machine {
	if initial.State == "" {
		initial.State = Disconnected
	}
	return &Machine{
		sessionID: sessionID,
		snap:      initial,
		policy:    policy,
		bus:       b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.State
}

// Snapshot returns a copy of the current snapshot.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Configure updates the settings consulted on the next transition.
func (m *Machine) Configure(retentionDays int, syncHistory, syncContacts bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.RetentionDays = retentionDays
	m.snap.SyncHistory = syncHistory
	m.snap.SyncContacts = syncContacts
}

// Apply runs the transition for ev and returns the commands to execute.
func (m *Machine) Apply(ev Event) ([]Command, error) {
	m.mu.Lock()
	from := m.snap.State
	next, cmds, err := m.policy.Transition(m.snap, ev)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.snap = next
	m.mu.Unlock()

	if from != next.State {
		m.bus.Emit(bus.SessionStatusChanged, m.sessionID, StatusChange{From: from, To: next.State})
	}
	return cmds, nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
