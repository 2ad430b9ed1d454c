package capi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/crowdsecurity/go-capi-sdk/pkg/storage"
)

// AddSignals persists the given signals as pending (unsent) deliveries.
// The store is the sole source of truth: signals survive restarts and are
// picked up by the next SendSignals call.
func (c *Client) AddSignals(signals []storage.Signal) error {
	for i := range signals {
		if _, err := c.store.UpdateOrCreateSignal(&signals[i]); err != nil {
			return err
		}
	}
	return nil
}

// waveState is the per-wave retry bookkeeping: which machines still need an
// attempt, how many rounds have run, and how many signals the wave has
// delivered so far.
type waveState struct {
	attempts int
	pending  []*storage.Machine
	sent     int
}

// SendSignals delivers all pending signals, page by page, and returns the
// number of signals accepted by CAPI. Per-machine failures degrade
// gracefully: a machine that exhausts its retry budget on 401 is marked
// failing and its signals are left behind. Only an unrecoverable login
// failure (or a storage error) aborts the call.
//
// With pruneAfterSend, signals are deleted from the store right after CAPI
// accepts them; otherwise they stay, flagged as sent.
func (c *Client) SendSignals(ctx context.Context, pruneAfterSend bool) (int, error) {
	total := 0
	offset := 0
	for {
		page, err := c.store.GetSignals(c.batchSize, offset, storage.Bool(false), storage.Bool(false))
		if err != nil {
			return total, err
		}
		if len(page) == 0 {
			return total, nil
		}

		sent, stuck, err := c.sendWave(ctx, page, pruneAfterSend)
		total += sent
		if err != nil {
			return total, err
		}
		// Signals that stay unsent with a non-failing machine would be
		// fetched again forever; skip past them.
		offset += stuck
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// sendWave runs the retry core over one page of signals: group by machine,
// prepare each machine, deliver its signals in sub-batches, and retry the
// machines that failed with 401 until the retry budget runs out. stuck is
// the number of signals left unsent whose machine was not marked failing.
func (c *Client) sendWave(ctx context.Context, signals []storage.Signal, prune bool) (sent, stuck int, err error) {
	groups := make(map[string][]storage.Signal)
	var order []string
	for _, sig := range signals {
		if _, ok := groups[sig.MachineID]; !ok {
			order = append(order, sig.MachineID)
		}
		groups[sig.MachineID] = append(groups[sig.MachineID], sig)
	}

	state := waveState{}
	for _, machineID := range order {
		state.pending = append(state.pending, &storage.Machine{
			MachineID: machineID,
			Scenarios: c.scenarios,
		})
	}

	for len(state.pending) > 0 {
		if state.attempts > c.maxRetries {
			for _, m := range state.pending {
				c.log.Error().Str("machine_id", m.MachineID).Msg("machine marked as failing")
				if err := c.markMachineFailing(m); err != nil {
					return state.sent, stuck, err
				}
			}
			break
		}
		lastAttempt := state.attempts == c.maxRetries
		c.log.Info().Int("attempt", state.attempts).Int("machines", len(state.pending)).
			Msg("sending signals")

		var retry []*storage.Machine
		for _, candidate := range state.pending {
			machine, err := c.prepareMachine(ctx, *candidate)
			if err != nil {
				if IsStatus(err, http.StatusUnauthorized) {
					if lastAttempt {
						c.log.Error().Str("machine_id", candidate.MachineID).
							Msg("machine marked as failing")
						if err := c.markMachineFailing(candidate); err != nil {
							return state.sent, stuck, err
						}
						continue
					}
					candidate.Token = ""
					retry = append(retry, candidate)
					continue
				}
				return state.sent, stuck, err
			}
			if machine.IsFailing {
				c.log.Error().Str("machine_id", machine.MachineID).
					Msg("skipping signals for machine marked as failing")
				continue
			}

			delivered, sentIDs, sendErr := c.postSignals(ctx, machine.Token, groups[machine.MachineID])
			state.sent += delivered
			if len(sentIDs) > 0 {
				groups[machine.MachineID] = groups[machine.MachineID][delivered:]
				// Prune covers every accepted sub-batch, even when a later
				// sub-batch of the same machine failed.
				if prune {
					c.log.Info().Str("machine_id", machine.MachineID).Msg("pruning sent signals")
					if err := c.store.DeleteSignals(sentIDs); err != nil {
						return state.sent, stuck, err
					}
				}
			}
			if sendErr != nil {
				var apiErr *APIError
				if !errors.As(sendErr, &apiErr) {
					return state.sent, stuck, sendErr
				}
				c.log.Error().Err(sendErr).Str("machine_id", machine.MachineID).
					Msg("error while sending signals")
				if apiErr.StatusCode == http.StatusUnauthorized {
					if lastAttempt {
						if err := c.markMachineFailing(machine); err != nil {
							return state.sent, stuck, err
						}
						continue
					}
					// Persist the cleared token so the next round's prepare
					// is forced through a fresh login.
					machine.Token = ""
					if _, err := c.store.UpdateOrCreateMachine(machine); err != nil {
						return state.sent, stuck, err
					}
					retry = append(retry, machine)
					continue
				}
				// Request-shape or server-side fault; retrying with a fresh
				// token will not help. The heartbeat still goes out: the
				// machine's credentials are fine, only this delivery failed.
				stuck += len(groups[machine.MachineID])
				c.sendMetrics(ctx, machine)
				continue
			}

			c.sendMetrics(ctx, machine)
		}

		state.attempts++
		state.pending = retry
		if len(state.pending) > 0 && state.attempts <= c.maxRetries {
			c.sleep(ctx, c.retryDelay)
		}
	}
	return state.sent, stuck, nil
}

// postSignals delivers one machine's signals in sub-batches and marks each
// accepted sub-batch sent in the store before moving on. Only the exact
// alert IDs CAPI accepted are ever marked: a failing sub-batch can not
// falsely flag untransmitted signals.
func (c *Client) postSignals(ctx context.Context, token string, signals []storage.Signal) (int, []int64, error) {
	var sentIDs []int64
	count := 0
	for start := 0; start < len(signals); start += signalBatchLimit {
		chunk := signals[start:min(start+signalBatchLimit, len(signals))]
		if err := c.do(ctx, http.MethodPost, signalsEndpoint, token, chunk, nil); err != nil {
			return count, sentIDs, err
		}
		ids := make([]int64, len(chunk))
		for i := range chunk {
			ids[i] = chunk[i].AlertID
		}
		if err := c.store.MassUpdateSignals(ids, map[string]any{"sent": true}); err != nil {
			return count, sentIDs, err
		}
		sentIDs = append(sentIDs, ids...)
		count += len(chunk)
	}
	return count, sentIDs, nil
}

// sendMetrics pushes a heartbeat for the machine. Metrics are best-effort:
// failures are logged and swallowed, never affecting signal delivery.
func (c *Client) sendMetrics(ctx context.Context, m *storage.Machine) {
	now := time.Now().Format(time.RFC3339)
	payload := map[string]any{
		"bouncers": []any{},
		"machines": []map[string]string{{
			"last_update": now,
			"last_push":   now,
			"version":     Version,
			"name":        m.MachineID,
		}},
	}
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		err := c.do(ctx, http.MethodPost, metricsEndpoint, m.Token, payload, nil)
		if err == nil {
			return
		}
		c.log.Error().Err(err).Str("machine_id", m.MachineID).
			Msg("error while sending metrics")
	}
}

// PruneSentSignals deletes every signal already flagged as sent and returns
// the number removed.
func (c *Client) PruneSentSignals() (int, error) {
	total := 0
	for {
		page, err := c.store.GetSignals(c.batchSize, 0, storage.Bool(true), nil)
		if err != nil {
			return total, err
		}
		if len(page) == 0 {
			return total, nil
		}
		ids := make([]int64, len(page))
		for i := range page {
			ids[i] = page[i].AlertID
		}
		if err := c.store.DeleteSignals(ids); err != nil {
			return total, err
		}
		total += len(ids)
	}
}

// PruneFailingMachinesSignals deletes every signal owned by a machine
// marked as failing and returns the number removed.
func (c *Client) PruneFailingMachinesSignals() (int, error) {
	total := 0
	for {
		page, err := c.store.GetSignals(c.batchSize, 0, nil, storage.Bool(true))
		if err != nil {
			return total, err
		}
		if len(page) == 0 {
			return total, nil
		}
		ids := make([]int64, len(page))
		for i := range page {
			ids[i] = page[i].AlertID
		}
		if err := c.store.DeleteSignals(ids); err != nil {
			return total, err
		}
		total += len(ids)
	}
}
