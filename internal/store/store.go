// Package store persists the records the access engine needs between runs:
// the bound door controller, the user's credential and the work log.
package store

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a record has never been saved or was deleted.
var ErrNotFound = errors.New("store: record not found")

// PairedDevice is the door controller this client is bound to.
type PairedDevice struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ServiceUUID string `json:"service_uuid"`
	LastRSSI    *int   `json:"last_rssi,omitempty"`
}

// Credential is the user's profile. Only CardID goes over the air.
type Credential struct {
	Name       string `json:"name"`
	Department string `json:"department"`
	Company    string `json:"company"`
	CardID     string `json:"card_id"`
}

// WorkLog is one recorded check-in or check-out.
type WorkLog struct {
	ID        uuid.UUID
	Content   string
	CreatedAt time.Time
}

// Work log contents written by the CLI.
const (
	CheckIn  = "check-in"
	CheckOut = "check-out"
)

// NewWorkLog returns a WorkLog with a fresh random ID.
func NewWorkLog(content string, now time.Time) WorkLog {
	return WorkLog{
		ID:        uuid.New(),
		Content:   strings.TrimSpace(content),
		CreatedAt: now,
	}
}
