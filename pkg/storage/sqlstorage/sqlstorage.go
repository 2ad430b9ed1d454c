// Package sqlstorage implements the storage.Store contract on top of GORM
// with the SQLite driver. Nested signal sub-records (source, context,
// decisions) are kept as JSON text columns.
package sqlstorage

import (
	"encoding/json"
	"errors"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/crowdsecurity/go-capi-sdk/pkg/storage"
)

type machineRow struct {
	ID        uint   `gorm:"primaryKey"`
	MachineID string `gorm:"uniqueIndex"`
	Token     string `gorm:"type:text"`
	Password  string
	Scenarios string
	IsFailing bool `gorm:"index"`
}

func (machineRow) TableName() string { return "machines" }

type signalRow struct {
	AlertID         int64  `gorm:"primaryKey;autoIncrement;column:alert_id"`
	MachineID       string `gorm:"index"`
	UUID            string
	CreatedAt       string
	StartAt         string
	StopAt          string
	Scenario        string
	Message         string `gorm:"type:text"`
	ScenarioTrust   string
	ScenarioHash    string
	ScenarioVersion string
	SourceRaw       string `gorm:"type:text"` // JSON
	ContextRaw      string `gorm:"type:text"` // JSON array
	DecisionsRaw    string `gorm:"type:text"` // JSON array
	Sent            bool   `gorm:"index"`
}

func (signalRow) TableName() string { return "signals" }

// Store is a storage.Store backed by a SQLite database file.
type Store struct {
	db *gorm.DB
}

// New opens (and migrates) the database at path. Use ":memory:" for an
// ephemeral database.
func New(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&machineRow{}, &signalRow{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) GetSignals(limit, offset int, sent, isFailing *bool) ([]storage.Signal, error) {
	q := s.db.Model(&signalRow{}).
		Select("signals.*").
		Joins("LEFT JOIN machines ON machines.machine_id = signals.machine_id")
	if sent != nil {
		q = q.Where("signals.sent = ?", *sent)
	}
	if isFailing != nil {
		if *isFailing {
			q = q.Where("machines.is_failing = ?", true)
		} else {
			// A signal may exist before its machine does; an unknown
			// machine is not failing.
			q = q.Where("machines.is_failing = ? OR machines.machine_id IS NULL", false)
		}
	}
	var rows []signalRow
	if err := q.Order("signals.alert_id").Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return nil, err
	}
	signals := make([]storage.Signal, 0, len(rows))
	for i := range rows {
		sig, err := rows[i].toSignal()
		if err != nil {
			return nil, err
		}
		signals = append(signals, sig)
	}
	return signals, nil
}

func (s *Store) MassUpdateSignals(ids []int64, changes map[string]any) error {
	if len(ids) == 0 || len(changes) == 0 {
		return nil
	}
	return s.db.Model(&signalRow{}).Where("alert_id IN ?", ids).Updates(changes).Error
}

func (s *Store) DeleteSignals(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.Where("alert_id IN ?", ids).Delete(&signalRow{}).Error
}

func (s *Store) GetMachineByID(machineID string) (*storage.Machine, error) {
	var row machineRow
	err := s.db.Where("machine_id = ?", machineID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &storage.Machine{
		MachineID: row.MachineID,
		Token:     row.Token,
		Password:  row.Password,
		Scenarios: row.Scenarios,
		IsFailing: row.IsFailing,
	}, nil
}

func (s *Store) UpdateOrCreateMachine(m *storage.Machine) (bool, error) {
	var row machineRow
	err := s.db.Where("machine_id = ?", m.MachineID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = machineRow{
			MachineID: m.MachineID,
			Token:     m.Token,
			Password:  m.Password,
			Scenarios: m.Scenarios,
			IsFailing: m.IsFailing,
		}
		if err := s.db.Create(&row).Error; err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}
	row.Token = m.Token
	row.Password = m.Password
	row.Scenarios = m.Scenarios
	row.IsFailing = m.IsFailing
	return false, s.db.Save(&row).Error
}

func (s *Store) UpdateOrCreateSignal(sig *storage.Signal) (bool, error) {
	row, err := fromSignal(sig)
	if err != nil {
		return false, err
	}
	if sig.AlertID != 0 {
		var existing signalRow
		err := s.db.Where("alert_id = ?", sig.AlertID).First(&existing).Error
		if err == nil {
			row.AlertID = sig.AlertID
			return false, s.db.Save(&row).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return false, err
		}
	}
	if err := s.db.Create(&row).Error; err != nil {
		return false, err
	}
	sig.AlertID = row.AlertID
	return true, nil
}

func (s *Store) DeleteMachines(machineIDs []string) error {
	if len(machineIDs) == 0 {
		return nil
	}
	return s.db.Where("machine_id IN ?", machineIDs).Delete(&machineRow{}).Error
}

func fromSignal(sig *storage.Signal) (signalRow, error) {
	row := signalRow{
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
		Sent:            sig.Sent,
	}
	if sig.Source != nil {
		raw, err := json.Marshal(sig.Source)
		if err != nil {
			return row, err
		}
		row.SourceRaw = string(raw)
	}
	if sig.Context != nil {
		raw, err := json.Marshal(sig.Context)
		if err != nil {
			return row, err
		}
		row.ContextRaw = string(raw)
	}
	if sig.Decisions != nil {
		raw, err := json.Marshal(sig.Decisions)
		if err != nil {
			return row, err
		}
		row.DecisionsRaw = string(raw)
	}
	return row, nil
}

func (r *signalRow) toSignal() (storage.Signal, error) {
	sig := storage.Signal{
		AlertID:         r.AlertID,
		MachineID:       r.MachineID,
		UUID:            r.UUID,
		CreatedAt:       r.CreatedAt,
		StartAt:         r.StartAt,
		StopAt:          r.StopAt,
		Scenario:        r.Scenario,
		Message:         r.Message,
		ScenarioTrust:   r.ScenarioTrust,
		ScenarioHash:    r.ScenarioHash,
		ScenarioVersion: r.ScenarioVersion,
		Sent:            r.Sent,
	}
	if r.SourceRaw != "" {
		sig.Source = &storage.Source{}
		if err := json.Unmarshal([]byte(r.SourceRaw), sig.Source); err != nil {
			return sig, err
		}
	}
	if r.ContextRaw != "" {
		if err := json.Unmarshal([]byte(r.ContextRaw), &sig.Context); err != nil {
			return sig, err
		}
	}
	if r.DecisionsRaw != "" {
		if err := json.Unmarshal([]byte(r.DecisionsRaw), &sig.Decisions); err != nil {
			return sig, err
		}
	}
	return sig, nil
}
