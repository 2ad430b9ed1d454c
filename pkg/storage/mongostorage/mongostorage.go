// Package mongostorage implements the storage.Store contract on MongoDB
// using the official driver. Signals and machines live in their own
// collections; alert IDs come from a counters collection so they stay
// monotonic like the SQL backend's autoincrement column.
package mongostorage

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/crowdsecurity/go-capi-sdk/pkg/storage"
)

const opTimeout = 10 * time.Second

type machineDoc struct {
	MachineID string `bson:"machine_id"`
	Token     string `bson:"token"`
	Password  string `bson:"password"`
	Scenarios string `bson:"scenarios"`
	IsFailing bool   `bson:"is_failing"`
}

type signalDoc struct {
	AlertID         int64              `bson:"alert_id"`
	MachineID       string             `bson:"machine_id"`
	UUID            string             `bson:"uuid"`
	CreatedAt       string             `bson:"created_at"`
	StartAt         string             `bson:"start_at"`
	StopAt          string             `bson:"stop_at"`
	Scenario        string             `bson:"scenario"`
	Message         string             `bson:"message"`
	ScenarioTrust   string             `bson:"scenario_trust"`
	ScenarioHash    string             `bson:"scenario_hash"`
	ScenarioVersion string             `bson:"scenario_version"`
	Source          *storage.Source    `bson:"source,omitempty"`
	Context         []storage.Context  `bson:"context,omitempty"`
	Decisions       []storage.Decision `bson:"decisions,omitempty"`
	Sent            bool               `bson:"sent"`
}

// Store is a storage.Store backed by a MongoDB database.
type Store struct {
	client   *mongo.Client
	machines *mongo.Collection
	signals  *mongo.Collection
	counters *mongo.Collection
}

// New connects to the MongoDB instance at uri and uses the named database.
func New(uri, database string) (*Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	db := client.Database(database)
	s := &Store{
		client:   client,
		machines: db.Collection("machines"),
		signals:  db.Collection("signals"),
		counters: db.Collection("counters"),
	}
	if _, err := s.machines.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "machine_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, err
	}
	if _, err := s.signals.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "alert_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// Close disconnects the underlying client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) nextAlertID(ctx context.Context) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "signals"},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, err
	}
	return doc.Seq, nil
}

func (s *Store) failingMachineIDs(ctx context.Context) ([]string, error) {
	cur, err := s.machines.Find(ctx, bson.M{"is_failing": true})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var ids []string
	for cur.Next(ctx) {
		var m machineDoc
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		ids = append(ids, m.MachineID)
	}
	return ids, cur.Err()
}

func (s *Store) GetSignals(limit, offset int, sent, isFailing *bool) ([]storage.Signal, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	filter := bson.M{}
	if sent != nil {
		filter["sent"] = *sent
	}
	if isFailing != nil {
		// Machines are a separate collection; resolve the flag to a set of
		// machine IDs first. An unknown machine counts as not failing.
		failing, err := s.failingMachineIDs(ctx)
		if err != nil {
			return nil, err
		}
		if *isFailing {
			// A nil slice would marshal to {"$in": null}, which the server
			// rejects; with no failing machines the result is simply empty.
			if len(failing) == 0 {
				return nil, nil
			}
			filter["machine_id"] = bson.M{"$in": failing}
		} else if len(failing) > 0 {
			filter["machine_id"] = bson.M{"$nin": failing}
		}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "alert_id", Value: 1}}).
		SetLimit(int64(limit)).
		SetSkip(int64(offset))
	cur, err := s.signals.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var signals []storage.Signal
	for cur.Next(ctx) {
		var doc signalDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		signals = append(signals, doc.toSignal())
	}
	return signals, cur.Err()
}

func (s *Store) MassUpdateSignals(ids []int64, changes map[string]any) error {
	if len(ids) == 0 || len(changes) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	set := bson.M{}
	for field, value := range changes {
		set[field] = value
	}
	_, err := s.signals.UpdateMany(ctx,
		bson.M{"alert_id": bson.M{"$in": ids}},
		bson.M{"$set": set},
	)
	return err
}

func (s *Store) DeleteSignals(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	_, err := s.signals.DeleteMany(ctx, bson.M{"alert_id": bson.M{"$in": ids}})
	return err
}

func (s *Store) GetMachineByID(machineID string) (*storage.Machine, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	var doc machineDoc
	err := s.machines.FindOne(ctx, bson.M{"machine_id": machineID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &storage.Machine{
		MachineID: doc.MachineID,
		Token:     doc.Token,
		Password:  doc.Password,
		Scenarios: doc.Scenarios,
		IsFailing: doc.IsFailing,
	}, nil
}

func (s *Store) UpdateOrCreateMachine(m *storage.Machine) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	doc := machineDoc{
		MachineID: m.MachineID,
		Token:     m.Token,
		Password:  m.Password,
		Scenarios: m.Scenarios,
		IsFailing: m.IsFailing,
	}
	res, err := s.machines.UpdateOne(ctx,
		bson.M{"machine_id": m.MachineID},
		bson.M{"$set": doc},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return false, err
	}
	return res.UpsertedCount > 0, nil
}

func (s *Store) UpdateOrCreateSignal(sig *storage.Signal) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if sig.AlertID != 0 {
		res, err := s.signals.UpdateOne(ctx,
			bson.M{"alert_id": sig.AlertID},
			bson.M{"$set": fromSignal(sig)},
		)
		if err != nil {
			return false, err
		}
		if res.MatchedCount > 0 {
			return false, nil
		}
	}
	id, err := s.nextAlertID(ctx)
	if err != nil {
		return false, err
	}
	sig.AlertID = id
	if _, err := s.signals.InsertOne(ctx, fromSignal(sig)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) DeleteMachines(machineIDs []string) error {
	if len(machineIDs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	_, err := s.machines.DeleteMany(ctx, bson.M{"machine_id": bson.M{"$in": machineIDs}})
	return err
}

func fromSignal(sig *storage.Signal) signalDoc {
	return signalDoc{
		AlertID:         sig.AlertID,
		MachineID:       sig.MachineID,
		UUID:            sig.UUID,
		CreatedAt:       sig.CreatedAt,
		StartAt:         sig.StartAt,
		StopAt:          sig.StopAt,
		Scenario:        sig.Scenario,
		Message:         sig.Message,
		ScenarioTrust:   sig.ScenarioTrust,
		ScenarioHash:    sig.ScenarioHash,
		ScenarioVersion: sig.ScenarioVersion,
		Source:          sig.Source,
		Context:         sig.Context,
		Decisions:       sig.Decisions,
		Sent:            sig.Sent,
	}
}

func (d *signalDoc) toSignal() storage.Signal {
	return storage.Signal{
		AlertID:         d.AlertID,
		MachineID:       d.MachineID,
		UUID:            d.UUID,
		CreatedAt:       d.CreatedAt,
		StartAt:         d.StartAt,
		StopAt:          d.StopAt,
		Scenario:        d.Scenario,
		Message:         d.Message,
		ScenarioTrust:   d.ScenarioTrust,
		ScenarioHash:    d.ScenarioHash,
		ScenarioVersion: d.ScenarioVersion,
		Source:          d.Source,
		Context:         d.Context,
		Decisions:       d.Decisions,
		Sent:            d.Sent,
	}
}
