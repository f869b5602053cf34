package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	DeviceStatusActive   = "active"
	DeviceStatusDisabled = "disabled"
)

type Device struct {
	DeviceID       uuid.UUID  `json:"device_id"`
	InstallationID uuid.UUID  `json:"installation_id"`
	BranchID       uuid.UUID  `json:"branch_id"`
	TerminalCode   string     `json:"terminal_code"`
	DisplayName    string     `json:"display_name,omitempty"`
	Status         string     `json:"status"`
	LastSeenAt     *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// DeviceKey is never serialized; the secret leaves the service only in the
// registration response.
type DeviceKey struct {
	DeviceID      uuid.UUID
	KeyVersion    int
	Secret        string
	IsActive      bool
	CreatedAt     time.Time
	DeactivatedAt *time.Time
}

type Branch struct {
	BranchID  uuid.UUID `json:"branch_id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Timezone  string    `json:"timezone"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type OpenHours struct {
	Weekday int    `json:"weekday"`
	Opens   string `json:"opens"`
	Closes  string `json:"closes"`
}

type BranchSettings struct {
	BranchID  uuid.UUID       `json:"branch_id"`
	Code      string          `json:"code"`
	Name      string          `json:"name"`
	Timezone  string          `json:"timezone"`
	Active    bool            `json:"active"`
	OpenHours []OpenHours     `json:"open_hours"`
	Features  map[string]bool `json:"features"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (s BranchSettings) FeatureEnabled(flag string, fallback bool) bool {
	if s.Features == nil {
		return fallback
	}
	v, ok := s.Features[flag]
	if !ok {
		return fallback
	}
	return v
}
