package capi

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/crowdsecurity/go-capi-sdk/pkg/storage"
)

// prepareMachine ensures the machine is registered and holds a token that
// is both unexpired and was obtained with the wanted scenario set. It is
// idempotent: a machine already in that state triggers zero network calls.
//
// The stored record always wins over the freshly constructed input so a
// blank input password can never clobber a persisted one. A machine marked
// failing is returned as-is without touching the network.
//
// Login failures are returned to the caller: the send and enroll loops own
// the 401 retry semantics, and a non-401 login failure means the stored
// credential pairing is corrupt and cannot be fixed here.
func (c *Client) prepareMachine(ctx context.Context, m storage.Machine) (*storage.Machine, error) {
	working, err := c.store.GetMachineByID(m.MachineID)
	if err != nil {
		return nil, err
	}
	if working == nil {
		working, err = c.registerMachine(ctx, m)
		if err != nil {
			return nil, err
		}
	}

	if working.IsFailing {
		return working, nil
	}

	if !HasValidToken(working, c.latencyOffset) || working.Scenarios != m.Scenarios {
		working, err = c.refreshMachineToken(ctx, working, m.Scenarios)
		if err != nil {
			return nil, err
		}
	}
	return working, nil
}

// registerMachine generates a password when the machine has none, calls the
// registration endpoint, and persists the record. A non-2xx registration
// response is expected on every call after the first (already registered)
// and is not fatal; transport errors still surface.
func (c *Client) registerMachine(ctx context.Context, m storage.Machine) (*storage.Machine, error) {
	if m.Password == "" {
		password, err := generatePassword()
		if err != nil {
			return nil, err
		}
		m.Password = password
	}

	c.log.Info().Str("machine_id", m.MachineID).Msg("registering machine")
	err := c.do(ctx, http.MethodPost, watcherRegisterEndpoint, "", map[string]string{
		"machine_id": m.MachineID,
		"password":   m.Password,
	}, nil)
	if err != nil {
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			return nil, err
		}
		c.log.Debug().Str("machine_id", m.MachineID).Int("status", apiErr.StatusCode).
			Msg("registration rejected, machine may already be registered")
	}

	if _, err := c.store.UpdateOrCreateMachine(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// refreshMachineToken logs the machine in with the wanted scenario set and
// persists the returned token together with that set.
func (c *Client) refreshMachineToken(ctx context.Context, m *storage.Machine, scenarios string) (*storage.Machine, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, watcherLoginEndpoint, "", map[string]any{
		"machine_id": m.MachineID,
		"password":   m.Password,
		"scenarios":  splitScenarios(scenarios),
	}, &resp)
	if err != nil {
		c.log.Error().Err(err).Str("machine_id", m.MachineID).
			Msg("error while refreshing token: machine may be registered under another password")
		return nil, fmt.Errorf("login failed for machine %s: %w", m.MachineID, err)
	}

	updated := *m
	updated.Token = resp.Token
	updated.Scenarios = scenarios
	if _, err := c.store.UpdateOrCreateMachine(&updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// markMachineFailing sets the sticky failing flag; the machine is excluded
// from all further send and enroll attempts until reset externally.
func (c *Client) markMachineFailing(m *storage.Machine) error {
	// Flag the stored record, not the caller's working copy: the copy may
	// be a bare lookup key and must not clobber persisted credentials.
	stored, err := c.store.GetMachineByID(m.MachineID)
	if err != nil {
		return err
	}
	if stored == nil {
		stored = m
	}
	failed := *stored
	failed.IsFailing = true
	_, err = c.store.UpdateOrCreateMachine(&failed)
	return err
}

func splitScenarios(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}

func generatePassword() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
