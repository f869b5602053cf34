package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditLog is one operator HTTP request kept for the audit trail.
type AuditLog struct {
	AuditID      uuid.UUID
	OccurredAt   time.Time
	BranchID     *uuid.UUID
	Subject      string
	Action       string
	ResourceType *string
	ResourceID   *string
	RequestID    string
	Method       string
	Path         string
	StatusCode   int
	DurationMS   int64
	ClientIP     string
	UserAgent    string
	Details      []byte
}
