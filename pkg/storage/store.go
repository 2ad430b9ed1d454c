package storage

// Store is the persistence contract consumed by the client. Backends are
// interchangeable; the client never branches on the backend type.
//
// The client assumes single-writer access: one send or enroll loop at a
// time per store. Backends only need to be safe for a single in-process
// caller.
type Store interface {
	// GetSignals returns up to limit signals starting at offset, ordered by
	// alert ID. A nil filter means no filter on that field. The isFailing
	// filter is resolved against the owning machine's record; a machine
	// absent from storage counts as not failing.
	GetSignals(limit, offset int, sent, isFailing *bool) ([]Signal, error)

	// MassUpdateSignals applies the given column changes to every signal in
	// ids.
	MassUpdateSignals(ids []int64, changes map[string]any) error

	DeleteSignals(ids []int64) error

	// GetMachineByID returns nil, nil when no machine with that ID exists.
	GetMachineByID(machineID string) (*Machine, error)

	// UpdateOrCreateMachine reports true when a new record was created.
	UpdateOrCreateMachine(m *Machine) (bool, error)

	// UpdateOrCreateSignal reports true when a new record was created, in
	// which case it assigns s.AlertID.
	UpdateOrCreateSignal(s *Signal) (bool, error)

	DeleteMachines(machineIDs []string) error
}

// Bool is a convenience for building Store filter arguments.
func Bool(v bool) *bool { return &v }
