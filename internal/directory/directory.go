// Package directory keeps the machine inventory the gateway serves
// exec requests for, backed by SQLite.
package directory

import (
	"errors"
	"time"
)

// Machine brands. HVM brands virtualize the whole machine, so the host
// has no way to inject a process into them.
const (
	BrandJoyent = "joyent"
	BrandLX     = "lx"
	BrandKVM    = "kvm"
	BrandBhyve  = "bhyve"
)

// Machine lifecycle states tracked by the directory.
const (
	StateProvisioning = "provisioning"
	StateRunning      = "running"
	StateStopped      = "stopped"
	StateFailed       = "failed"
)

var (
	// ErrMachineNotFound is returned when no machine has the given ID.
	ErrMachineNotFound = errors.New("directory: machine not found")
	// ErrUnsupportedRuntime is returned when the machine's brand cannot
	// host an injected process.
	ErrUnsupportedRuntime = errors.New("directory: machine brand does not support exec")
	// ErrNotRunning is returned when the machine is not in the running
	// state.
	ErrNotRunning = errors.New("directory: machine is not running")
	// ErrInvalidMachine is returned when a create or update carries an
	// unusable record.
	ErrInvalidMachine = errors.New("directory: invalid machine")
)

// Machine is one inventory entry.
type Machine struct {
	ID        string    `json:"id"`
	Alias     string    `json:"alias"`
	Brand     string    `json:"brand"`
	State     string    `json:"state"`
	Node      string    `json:"node"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckExecable decides whether a machine may receive an exec request.
// Brand is checked before state, so a stopped HVM machine reports the
// runtime problem rather than the transient one.
func CheckExecable(m *Machine) error {
	switch m.Brand {
	case BrandKVM, BrandBhyve:
		return ErrUnsupportedRuntime
	}
	if m.State != StateRunning {
		return ErrNotRunning
	}
	return nil
}

func validBrand(brand string) bool {
	switch brand {
	case BrandJoyent, BrandLX, BrandKVM, BrandBhyve:
		return true
	}
	return false
}

func validState(state string) bool {
	switch state {
	case StateProvisioning, StateRunning, StateStopped, StateFailed:
		return true
	}
	return false
}
