package capi

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"testing"
	"time"

	"github.com/crowdsecurity/go-capi-sdk/pkg/storage"
)

func unsentSignals(t *testing.T, store storage.Store) []storage.Signal {
	t.Helper()
	signals, err := store.GetSignals(1000, 0, storage.Bool(false), nil)
	if err != nil {
		t.Fatalf("get signals: %v", err)
	}
	return signals
}

func allSignals(t *testing.T, store storage.Store) []storage.Signal {
	t.Helper()
	signals, err := store.GetSignals(1000, 0, nil, nil)
	if err != nil {
		t.Fatalf("get signals: %v", err)
	}
	return signals
}

func TestSendSignalsFreshMachine(t *testing.T) {
	stub := newCAPIStub(t)
	store := newTestStore(t)
	client := newTestClient(t, stub, store, 1)

	if err := client.AddSignals([]storage.Signal{mockSignal("m1"), mockSignal("m1")}); err != nil {
		t.Fatalf("add signals: %v", err)
	}

	sent, err := client.SendSignals(context.Background(), false)
	if err != nil {
		t.Fatalf("send signals: %v", err)
	}
	if sent != 2 {
		t.Fatalf("sent = %d, want 2", sent)
	}

	want := []string{watcherRegisterEndpoint, watcherLoginEndpoint, signalsEndpoint, metricsEndpoint}
	if got := stub.pathsCalled(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}

	// One physical signals call since the wave is under the batch limit,
	// carrying both signals.
	var sigBody []map[string]any
	mustJSON(t, stub.all()[2].Body, &sigBody)
	if len(sigBody) != 2 {
		t.Fatalf("signals payload size = %d, want 2", len(sigBody))
	}

	machine, err := store.GetMachineByID("m1")
	if err != nil || machine == nil {
		t.Fatalf("machine not persisted: %v", err)
	}
	if machine.Token == "" {
		t.Fatal("machine should hold a token after send")
	}
	if machine.Scenarios != client.scenarios {
		t.Fatalf("machine scenarios = %q", machine.Scenarios)
	}

	for _, sig := range allSignals(t, store) {
		if !sig.Sent {
			t.Fatalf("signal %d not marked sent", sig.AlertID)
		}
	}
}

func TestSendSignalsAuthHeaderCarriesRawToken(t *testing.T) {
	stub := newCAPIStub(t)
	store := newTestStore(t)
	client := newTestClient(t, stub, store, 1)

	if err := client.AddSignals([]storage.Signal{mockSignal("m1")}); err != nil {
		t.Fatalf("add signals: %v", err)
	}
	if _, err := client.SendSignals(context.Background(), false); err != nil {
		t.Fatalf("send signals: %v", err)
	}

	machine, _ := store.GetMachineByID("m1")
	for _, req := range stub.all() {
		if req.Path != signalsEndpoint && req.Path != metricsEndpoint {
			continue
		}
		if req.Auth != machine.Token {
			t.Fatalf("%s authorization = %q, want raw token", req.Path, req.Auth)
		}
	}
}

func TestSendSignalsPruneAfterSend(t *testing.T) {
	stub := newCAPIStub(t)
	store := newTestStore(t)
	client := newTestClient(t, stub, store, 1)

	if err := client.AddSignals([]storage.Signal{mockSignal("m1")}); err != nil {
		t.Fatalf("add signals: %v", err)
	}
	sent, err := client.SendSignals(context.Background(), true)
	if err != nil {
		t.Fatalf("send signals: %v", err)
	}
	if sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}
	if remaining := allSignals(t, store); len(remaining) != 0 {
		t.Fatalf("expected empty store after prune, got %d signals", len(remaining))
	}
}

func TestSendSignalsNothingPending(t *testing.T) {
	stub := newCAPIStub(t)
	store := newTestStore(t)
	client := newTestClient(t, stub, store, 1)

	for i := 0; i < 3; i++ {
		sent, err := client.SendSignals(context.Background(), true)
		if err != nil {
			t.Fatalf("send signals: %v", err)
		}
		if sent != 0 {
			t.Fatalf("sent = %d, want 0", sent)
		}
	}
	if len(stub.all()) != 0 {
		t.Fatalf("expected zero network calls, got %v", stub.pathsCalled())
	}
}

func TestSendSignalsStaleTokenRefreshesOnce(t *testing.T) {
	stub := newCAPIStub(t)
	store := newTestStore(t)
	client := newTestClient(t, stub, store, 1)

	seeded := &storage.Machine{
		MachineID: "m1",
		Password:  "abcd",
		Token:     dummyToken(t, time.Now().Add(-time.Hour)),
		Scenarios: client.scenarios,
	}
	if _, err := store.UpdateOrCreateMachine(seeded); err != nil {
		t.Fatalf("seeding: %v", err)
	}
	if err := client.AddSignals([]storage.Signal{mockSignal("m1")}); err != nil {
		t.Fatalf("add signals: %v", err)
	}

	sent, err := client.SendSignals(context.Background(), false)
	if err != nil {
		t.Fatalf("send signals: %v", err)
	}
	if sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}

	want := []string{watcherLoginEndpoint, signalsEndpoint, metricsEndpoint}
	if got := stub.pathsCalled(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for _, sig := range allSignals(t, store) {
		if !sig.Sent {
			t.Fatal("signal should be sent after token refresh")
		}
	}
}

func TestSendSignalsPersistent401MarksMachineFailing(t *testing.T) {
	stub := newCAPIStub(t)
	stub.override[signalsEndpoint] = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"unauthorized"}`, http.StatusUnauthorized)
	}
	store := newTestStore(t)
	client := newTestClient(t, stub, store, 1)

	seeded := &storage.Machine{
		MachineID: "m1",
		Password:  "abcd",
		Token:     dummyToken(t, time.Now().Add(time.Hour)),
		Scenarios: client.scenarios,
	}
	if _, err := store.UpdateOrCreateMachine(seeded); err != nil {
		t.Fatalf("seeding: %v", err)
	}
	if err := client.AddSignals([]storage.Signal{mockSignal("m1")}); err != nil {
		t.Fatalf("add signals: %v", err)
	}

	sent, err := client.SendSignals(context.Background(), false)
	if err != nil {
		t.Fatalf("send signals: %v", err)
	}
	if sent != 0 {
		t.Fatalf("sent = %d, want 0", sent)
	}

	// maxRetries=1: the first attempt 401s and clears the token, the retry
	// logs in again, 401s again, and gives up.
	if got := stub.countCalls(signalsEndpoint); got != 2 {
		t.Fatalf("signals attempts = %d, want 2", got)
	}
	if got := stub.countCalls(watcherLoginEndpoint); got != 1 {
		t.Fatalf("login calls = %d, want 1", got)
	}

	machine, _ := store.GetMachineByID("m1")
	if machine == nil || !machine.IsFailing {
		t.Fatal("machine should be marked failing after exhausting retries")
	}

	// Subsequent sends skip the failing machine entirely.
	before := len(stub.all())
	sent, err = client.SendSignals(context.Background(), false)
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if sent != 0 || len(stub.all()) != before {
		t.Fatal("failing machine should be excluded without network I/O")
	}
}

func TestSendSignalsNon401IsNotRetried(t *testing.T) {
	stub := newCAPIStub(t)
	stub.override[signalsEndpoint] = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"bad payload"}`, http.StatusBadRequest)
	}
	store := newTestStore(t)
	client := newTestClient(t, stub, store, 3)

	seeded := &storage.Machine{
		MachineID: "m1",
		Password:  "abcd",
		Token:     dummyToken(t, time.Now().Add(time.Hour)),
		Scenarios: client.scenarios,
	}
	if _, err := store.UpdateOrCreateMachine(seeded); err != nil {
		t.Fatalf("seeding: %v", err)
	}
	if err := client.AddSignals([]storage.Signal{mockSignal("m1")}); err != nil {
		t.Fatalf("add signals: %v", err)
	}

	sent, err := client.SendSignals(context.Background(), false)
	if err != nil {
		t.Fatalf("send signals: %v", err)
	}
	if sent != 0 {
		t.Fatalf("sent = %d, want 0", sent)
	}
	if got := stub.countCalls(signalsEndpoint); got != 1 {
		t.Fatalf("signals attempts = %d, want 1 (no retry on non-401)", got)
	}
	// The heartbeat is independent of the delivery outcome.
	if got := stub.countCalls(metricsEndpoint); got != 1 {
		t.Fatalf("metrics calls = %d, want 1 after failed delivery", got)
	}

	machine, _ := store.GetMachineByID("m1")
	if machine.IsFailing {
		t.Fatal("non-401 failure must not mark the machine failing")
	}
	for _, sig := range allSignals(t, store) {
		if sig.Sent {
			t.Fatal("signal must stay unsent after a failed delivery")
		}
	}
}

func TestSendSignalsSubBatching(t *testing.T) {
	stub := newCAPIStub(t)
	store := newTestStore(t)
	client := newTestClient(t, stub, store, 1)

	signals := make([]storage.Signal, signalBatchLimit+1)
	for i := range signals {
		signals[i] = mockSignal("m1")
	}
	if err := client.AddSignals(signals); err != nil {
		t.Fatalf("add signals: %v", err)
	}

	sent, err := client.SendSignals(context.Background(), false)
	if err != nil {
		t.Fatalf("send signals: %v", err)
	}
	if sent != signalBatchLimit+1 {
		t.Fatalf("sent = %d, want %d", sent, signalBatchLimit+1)
	}
	if got := stub.countCalls(signalsEndpoint); got != 2 {
		t.Fatalf("signals calls = %d, want 2", got)
	}

	var first, second []map[string]any
	for _, req := range stub.all() {
		if req.Path != signalsEndpoint {
			continue
		}
		if first == nil {
			mustJSON(t, req.Body, &first)
		} else {
			mustJSON(t, req.Body, &second)
		}
	}
	if len(first) != signalBatchLimit || len(second) != 1 {
		t.Fatalf("sub-batch sizes = %d/%d, want %d/1", len(first), len(second), signalBatchLimit)
	}
}

func TestSendSignalsPruneCoversPartialDelivery(t *testing.T) {
	stub := newCAPIStub(t)
	deliveries := 0
	stub.override[signalsEndpoint] = func(w http.ResponseWriter, r *http.Request) {
		deliveries++
		if deliveries > 1 {
			http.Error(w, `{"message":"bad payload"}`, http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"message":"OK"}`)
	}
	store := newTestStore(t)
	client := newTestClient(t, stub, store, 1)

	seeded := &storage.Machine{
		MachineID: "m1",
		Password:  "abcd",
		Token:     dummyToken(t, time.Now().Add(time.Hour)),
		Scenarios: client.scenarios,
	}
	if _, err := store.UpdateOrCreateMachine(seeded); err != nil {
		t.Fatalf("seeding: %v", err)
	}
	signals := make([]storage.Signal, signalBatchLimit+1)
	for i := range signals {
		signals[i] = mockSignal("m1")
	}
	if err := client.AddSignals(signals); err != nil {
		t.Fatalf("add signals: %v", err)
	}

	// First sub-batch is accepted, the second fails: prune mode must still
	// delete the accepted sub-batch instead of leaving sent-flagged rows.
	sent, err := client.SendSignals(context.Background(), true)
	if err != nil {
		t.Fatalf("send signals: %v", err)
	}
	if sent != signalBatchLimit {
		t.Fatalf("sent = %d, want %d", sent, signalBatchLimit)
	}

	remaining := allSignals(t, store)
	if len(remaining) != 1 {
		t.Fatalf("store holds %d signals, want only the undelivered one", len(remaining))
	}
	if remaining[0].Sent {
		t.Fatal("undelivered signal must stay unsent")
	}
}

func TestSendSignalsMixedMachines(t *testing.T) {
	stub := newCAPIStub(t)
	store := newTestStore(t)
	client := newTestClient(t, stub, store, 1)

	// "good" already holds a valid token, "fresh" is unknown.
	good := &storage.Machine{
		MachineID: "good",
		Password:  "abcd",
		Token:     dummyToken(t, time.Now().Add(time.Hour)),
		Scenarios: client.scenarios,
	}
	if _, err := store.UpdateOrCreateMachine(good); err != nil {
		t.Fatalf("seeding: %v", err)
	}
	if err := client.AddSignals([]storage.Signal{mockSignal("good"), mockSignal("fresh")}); err != nil {
		t.Fatalf("add signals: %v", err)
	}

	sent, err := client.SendSignals(context.Background(), false)
	if err != nil {
		t.Fatalf("send signals: %v", err)
	}
	if sent != 2 {
		t.Fatalf("sent = %d, want 2", sent)
	}

	if got := stub.countCalls(watcherRegisterEndpoint); got != 1 {
		t.Fatalf("register calls = %d, want 1 (only the fresh machine)", got)
	}
	if got := stub.countCalls(watcherLoginEndpoint); got != 1 {
		t.Fatalf("login calls = %d, want 1 (only the fresh machine)", got)
	}
	if got := stub.countCalls(signalsEndpoint); got != 2 {
		t.Fatalf("signals calls = %d, want 2 (one per machine)", got)
	}
	if got := stub.countCalls(metricsEndpoint); got != 2 {
		t.Fatalf("metrics calls = %d, want 2 (one per machine)", got)
	}
	if fresh, _ := store.GetMachineByID("fresh"); fresh == nil || fresh.Token == "" {
		t.Fatal("fresh machine should be registered with a token")
	}
}

func TestSendSignalsMetricsFailureIsSwallowed(t *testing.T) {
	stub := newCAPIStub(t)
	stub.override[metricsEndpoint] = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"boom"}`, http.StatusInternalServerError)
	}
	store := newTestStore(t)
	client := newTestClient(t, stub, store, 1)

	if err := client.AddSignals([]storage.Signal{mockSignal("m1")}); err != nil {
		t.Fatalf("add signals: %v", err)
	}
	sent, err := client.SendSignals(context.Background(), false)
	if err != nil {
		t.Fatalf("metrics failure leaked: %v", err)
	}
	if sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}
	// Best-effort metrics retry maxRetries+1 times.
	if got := stub.countCalls(metricsEndpoint); got != 2 {
		t.Fatalf("metrics attempts = %d, want 2", got)
	}
	for _, sig := range allSignals(t, store) {
		if !sig.Sent {
			t.Fatal("signal delivery must not depend on metrics")
		}
	}
}

func TestPruneSentSignals(t *testing.T) {
	stub := newCAPIStub(t)
	store := newTestStore(t)
	client := newTestClient(t, stub, store, 1)

	if err := client.AddSignals([]storage.Signal{mockSignal("m1"), mockSignal("m1")}); err != nil {
		t.Fatalf("add signals: %v", err)
	}
	if _, err := client.SendSignals(context.Background(), false); err != nil {
		t.Fatalf("send signals: %v", err)
	}

	pruned, err := client.PruneSentSignals()
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 2 {
		t.Fatalf("pruned = %d, want 2", pruned)
	}
	if remaining := allSignals(t, store); len(remaining) != 0 {
		t.Fatalf("expected empty store, got %d signals", len(remaining))
	}
}

func TestPruneFailingMachinesSignals(t *testing.T) {
	stub := newCAPIStub(t)
	store := newTestStore(t)
	client := newTestClient(t, stub, store, 1)

	failing := &storage.Machine{MachineID: "bad", Password: "x", IsFailing: true}
	if _, err := store.UpdateOrCreateMachine(failing); err != nil {
		t.Fatalf("seeding: %v", err)
	}
	if err := client.AddSignals([]storage.Signal{mockSignal("bad"), mockSignal("ok")}); err != nil {
		t.Fatalf("add signals: %v", err)
	}

	pruned, err := client.PruneFailingMachinesSignals()
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}
	remaining := allSignals(t, store)
	if len(remaining) != 1 || remaining[0].MachineID != "ok" {
		t.Fatalf("unexpected remaining signals: %+v", remaining)
	}
}
