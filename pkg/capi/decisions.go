package capi

import (
	"context"
	"net/http"

	"github.com/crowdsecurity/go-capi-sdk/pkg/storage"
)

// ReceivedDecision is one enforcement directive pulled from the decision
// stream.
type ReceivedDecision struct {
	Duration string `json:"duration,omitempty"`
	Origin   string `json:"origin,omitempty"`
	Scenario string `json:"scenario,omitempty"`
	Scope    string `json:"scope,omitempty"`
	Type     string `json:"type,omitempty"`
	Value    string `json:"value,omitempty"`
}

// DecisionStream is the raw decisions payload, passed through the way CAPI
// structures it.
type DecisionStream struct {
	New     []ReceivedDecision `json:"new"`
	Deleted []ReceivedDecision `json:"deleted"`
}

// GetDecisions ensures the machine holds valid credentials for the given
// scenario set, then fetches the decision stream for it.
func (c *Client) GetDecisions(ctx context.Context, machineID string, scenarios []string) (*DecisionStream, error) {
	machine, err := c.prepareMachine(ctx, storage.Machine{
		MachineID: machineID,
		Scenarios: CanonicalScenarios(scenarios),
	})
	if err != nil {
		return nil, err
	}

	var stream DecisionStream
	if err := c.do(ctx, http.MethodGet, decisionsEndpoint, machine.Token, nil, &stream); err != nil {
		return nil, err
	}
	return &stream, nil
}
