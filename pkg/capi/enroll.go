package capi

import (
	"context"
	"net/http"

	"github.com/crowdsecurity/go-capi-sdk/pkg/storage"
)

// EnrollMachines binds the given machines to a console attachment key. It
// follows the same bounded retry shape as the send loop, without batching:
// a machine rejected with 401 is retried with a fresh token until the
// budget runs out, then logged and dropped. Enrollment failure does not
// imply credential corruption, so no failing flag is set here. Only an
// unrecoverable prepare login failure aborts the call.
func (c *Client) EnrollMachines(ctx context.Context, machineIDs []string, name, attachmentKey string, tags []string, overwrite bool) error {
	if tags == nil {
		tags = []string{}
	}
	pending := machineIDs
	attempts := 0
	for len(pending) > 0 {
		if attempts > c.maxRetries {
			for _, machineID := range pending {
				c.log.Error().Str("machine_id", machineID).Msg("giving up enrolling machine")
			}
			return nil
		}
		lastAttempt := attempts == c.maxRetries

		var retry []string
		for _, machineID := range pending {
			machine, err := c.prepareMachine(ctx, storage.Machine{
				MachineID: machineID,
				Scenarios: c.scenarios,
			})
			if err != nil {
				if IsStatus(err, http.StatusUnauthorized) && !lastAttempt {
					retry = append(retry, machineID)
					continue
				}
				if IsStatus(err, http.StatusUnauthorized) {
					c.log.Error().Err(err).Str("machine_id", machineID).
						Msg("giving up enrolling machine")
					continue
				}
				return err
			}
			if machine.IsFailing {
				c.log.Error().Str("machine_id", machineID).
					Msg("skipping enrollment for machine marked as failing")
				continue
			}

			err = c.do(ctx, http.MethodPost, enrollEndpoint, machine.Token, map[string]any{
				"name":           name,
				"overwrite":      overwrite,
				"attachment_key": attachmentKey,
				"tags":           tags,
			}, nil)
			if err == nil {
				c.log.Info().Str("machine_id", machineID).Msg("machine enrolled")
				continue
			}
			if IsStatus(err, http.StatusUnauthorized) {
				if lastAttempt {
					c.log.Error().Err(err).Str("machine_id", machineID).
						Msg("giving up enrolling machine")
					continue
				}
				machine.Token = ""
				if _, err := c.store.UpdateOrCreateMachine(machine); err != nil {
					return err
				}
				retry = append(retry, machineID)
				continue
			}
			c.log.Error().Err(err).Str("machine_id", machineID).
				Msg("error while enrolling machine")
		}

		attempts++
		pending = retry
		if len(pending) > 0 && attempts <= c.maxRetries {
			c.sleep(ctx, c.retryDelay)
		}
	}
	return nil
}
