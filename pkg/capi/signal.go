package capi

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crowdsecurity/go-capi-sdk/pkg/storage"
)

const timeLayout = "2006-01-02T15:04:05-0700"

// CanonicalScenarios returns the canonical form of a scenario set: sorted,
// deduplicated, comma-joined. Machine scenario strings are only comparable
// in this form.
func CanonicalScenarios(scenarios []string) string {
	seen := make(map[string]struct{}, len(scenarios))
	uniq := make([]string, 0, len(scenarios))
	for _, s := range scenarios {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		uniq = append(uniq, s)
	}
	sort.Strings(uniq)
	return strings.Join(uniq, ",")
}

// GenerateMachineIDFromKey derives a stable machine ID from a secret key:
// the same key and prefix always yield the same ID, so no mapping has to be
// stored remotely.
func GenerateMachineIDFromKey(key, prefix string) string {
	sum := sha256.Sum256([]byte(prefix + key))
	return prefix + hex.EncodeToString(sum[:])[:48]
}

// SignalOption customizes a signal built by NewSignal.
type SignalOption func(*storage.Signal)

// WithContext appends free-form key/value annotations.
func WithContext(ctx ...storage.Context) SignalOption {
	return func(s *storage.Signal) { s.Context = append(s.Context, ctx...) }
}

// WithDecisions attaches requested enforcement actions.
func WithDecisions(decisions ...storage.Decision) SignalOption {
	return func(s *storage.Signal) { s.Decisions = append(s.Decisions, decisions...) }
}

// WithMessage sets the human-readable alert message.
func WithMessage(msg string) SignalOption {
	return func(s *storage.Signal) { s.Message = msg }
}

// WithDuration sets distinct start and stop times for the observation.
func WithDuration(start, stop time.Time) SignalOption {
	return func(s *storage.Signal) {
		s.StartAt = start.UTC().Format(timeLayout)
		s.StopAt = stop.UTC().Format(timeLayout)
	}
}

// NewSignal builds one signal record from a raw attack observation. Start
// and stop default to the creation time, trust to "manual", and the source
// scope to "ip".
func NewSignal(attackerIP, scenario string, createdAt time.Time, machineID string, opts ...SignalOption) storage.Signal {
	created := createdAt.UTC().Format(timeLayout)
	sig := storage.Signal{
		MachineID:     machineID,
		UUID:          uuid.NewString(),
		CreatedAt:     created,
		StartAt:       created,
		StopAt:        created,
		Scenario:      scenario,
		ScenarioTrust: "manual",
		Source: &storage.Source{
			Scope: "ip",
			IP:    attackerIP,
			Value: attackerIP,
		},
	}
	for _, opt := range opts {
		opt(&sig)
	}
	return sig
}
