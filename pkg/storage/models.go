// Package storage defines the data model shared by the CAPI client and the
// persistence backends, plus the Store contract the client consumes.
package storage

// Machine is a watcher identity the client authenticates as toward CAPI.
// Scenarios always holds the canonical comma-joined, sorted, deduplicated
// form; equality of two scenario strings is only meaningful because of that
// canonicalization.
type Machine struct {
	MachineID string `json:"machine_id"`
	Password  string `json:"password"`
	Token     string `json:"token"`
	Scenarios string `json:"scenarios"`
	// IsFailing is sticky: once set, the machine is excluded from send and
	// enroll attempts until reset externally.
	IsFailing bool `json:"is_failing"`
}

// Source describes where an attack was observed from.
type Source struct {
	Scope     string  `json:"scope,omitempty"`
	IP        string  `json:"ip,omitempty"`
	Range     string  `json:"range,omitempty"`
	Value     string  `json:"value,omitempty"`
	CN        string  `json:"cn,omitempty"`
	ASNumber  string  `json:"as_number,omitempty"`
	ASName    string  `json:"as_name,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

// Context is one free-form key/value annotation on a signal. Duplicate keys
// are allowed and order is preserved.
type Context struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Decision is one enforcement action requested alongside a signal.
type Decision struct {
	ID        int64  `json:"id,omitempty"`
	UUID      string `json:"uuid,omitempty"`
	Duration  string `json:"duration,omitempty"`
	Scenario  string `json:"scenario,omitempty"`
	Origin    string `json:"origin,omitempty"`
	Scope     string `json:"scope,omitempty"`
	Type      string `json:"type,omitempty"`
	Value     string `json:"value,omitempty"`
	Until     string `json:"until,omitempty"`
	Simulated bool   `json:"simulated"`
}

// Signal is one observation of attacker activity tied to exactly one
// machine. AlertID and Sent are local bookkeeping and never leave the
// process; everything else is the CAPI wire payload.
type Signal struct {
	AlertID         int64      `json:"-"`
	MachineID       string     `json:"machine_id"`
	UUID            string     `json:"uuid"`
	CreatedAt       string     `json:"created_at"`
	StartAt         string     `json:"start_at"`
	StopAt          string     `json:"stop_at"`
	Scenario        string     `json:"scenario"`
	Message         string     `json:"message,omitempty"`
	ScenarioTrust   string     `json:"scenario_trust,omitempty"`
	ScenarioHash    string     `json:"scenario_hash,omitempty"`
	ScenarioVersion string     `json:"scenario_version,omitempty"`
	Source          *Source    `json:"source,omitempty"`
	Context         []Context  `json:"context,omitempty"`
	Decisions       []Decision `json:"decisions,omitempty"`
	Sent            bool       `json:"-"`
}
