package model

import "time"

// MachineRecord is the persisted current state of a machine (hot table).
// Column sizes match the Max*Length constants.
type MachineRecord struct {
	ID                  string `gorm:"primaryKey;size:16"`
	BlockNumber         int    `gorm:"index;not null"`
	Status              string `gorm:"size:32;not null"`
	EstimatedFinishTime *time.Time
	TelegramMessage     *string `gorm:"size:1024"`
	TelegramMessageURL  *string `gorm:"size:512"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (MachineRecord) TableName() string { return "machines" }

// StatusHistoryRecord is one append-only audit entry. Seq orders entries of a
// machine and matches the in-memory history index.
type StatusHistoryRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	MachineID string    `gorm:"size:16;not null;uniqueIndex:idx_status_history_machine_seq"`
	Seq       int       `gorm:"not null;uniqueIndex:idx_status_history_machine_seq"`
	Status    string    `gorm:"size:32;not null"`
	Timestamp time.Time `gorm:"not null;index"`
	User      string    `gorm:"size:128;not null"`
}

func (StatusHistoryRecord) TableName() string { return "status_history" }

// CheckpointRecord persists the ingestion cursor of a chat source.
type CheckpointRecord struct {
	Name        string `gorm:"primaryKey;size:64"`
	UpdateID    int64  `gorm:"not null"`
	MessageTime time.Time
	UpdatedAt   time.Time
}

func (CheckpointRecord) TableName() string { return "checkpoints" }
