package status

import "time"

// Event is a transport occurrence fed into the transition function.
type Event interface {
	name() string
}

// Create is a request to start or resume the session's connection.
type Create struct{}

// PairingRequested carries a fresh pairing code to show as a QR.
type PairingRequested struct {
	Code string
}

// Opened reports that the transport is authenticated and live.
type Opened struct {
	PhoneIdentity string
}

// Closed reports that the transport went away.
type Closed struct {
	LoggedOut bool
	Reason    string
}

// SetupFailed reports an error while building the transport.
type SetupFailed struct {
	Err error
}

func (Create) name() string           { return "create" }
func (PairingRequested) name() string { return "pairing" }
func (Opened) name() string           { return "open" }
func (Closed) name() string           { return "close" }
func (SetupFailed) name() string      { return "setup-failed" }

// Command is a side effect requested by a transition.
type Command interface {
	command()
}

// PersistStatus writes the new status to the session row.
type PersistStatus struct {
	State         State
	PhoneIdentity string
	PairingCode   string
	ClearIdentity bool
	Connected     bool
}

// EmitPairingCode publishes a pairing code to observers.
type EmitPairingCode struct {
	Code string
}

// SweepRetention deletes messages outside the retention window.
type SweepRetention struct {
	Days int
}

// StartSync launches the background synchronizers.
type StartSync struct {
	History  bool
	Contacts bool
}

// DropConnection removes the live handle from the registry.
type DropConnection struct{}

// WipeKeystore deletes the session's stored credentials.
type WipeKeystore struct{}

// ScheduleResume rebuilds the connection after a delay.
type ScheduleResume struct {
	After time.Duration
}

func (PersistStatus) command()   {}
func (EmitPairingCode) command() {}
func (SweepRetention) command()  {}
func (StartSync) command()       {}
func (DropConnection) command()  {}
func (WipeKeystore) command()    {}
func (ScheduleResume) command()  {}
