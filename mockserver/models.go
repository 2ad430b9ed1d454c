package main

import "time"

// WatcherRecord is one registered machine identity.
type WatcherRecord struct {
	ID         uint   `gorm:"primaryKey"`
	MachineID  string `gorm:"uniqueIndex"`
	Password   string
	Scenarios  string
	Enrolled   bool
	EnrollName string
	EnrollKey  string
	EnrollTags string `gorm:"type:text"` // JSON array
	LastPush   *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SignalRecord keeps every received signal payload for inspection.
type SignalRecord struct {
	ID         uint   `gorm:"primaryKey"`
	MachineID  string `gorm:"index"`
	Scenario   string
	PayloadRaw string `gorm:"type:text"` // JSON
	ReceivedAt time.Time
}

// DecisionRecord is one decision served on the stream endpoint.
type DecisionRecord struct {
	ID       uint `gorm:"primaryKey"`
	Duration string
	Origin   string
	Scenario string
	Scope    string
	Type     string
	Value    string
	Deleted  bool
}
