package model

import (
	"time"

	"github.com/google/uuid"
)

// Device is a registered kiosk. AccountID and BranchID are bound at
// registration and never change afterwards.
type Device struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	AccountID  uuid.UUID `gorm:"type:uuid;index;not null"`
	BranchID   uuid.UUID `gorm:"type:uuid;index;not null"`
	Name       string    `gorm:"type:varchar(120);not null"`
	Version    string    `gorm:"type:varchar(40)"`
	Platform   string    `gorm:"type:varchar(40)"`
	SecretHash string    `gorm:"not null"`

	SyncIntervalSeconds      int `gorm:"not null"`
	HeartbeatIntervalSeconds int `gorm:"not null"`
	MaxRetryAttempts         int `gorm:"not null"`

	Revoked    bool `gorm:"not null;default:false"`
	LastSeenAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
