package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// AuditEvent is an immutable audit log entry. Entries form a hash chain:
// each event carries the hash of the previous one, so tampering with a
// stored entry breaks verification of everything after it. Persistence
// and chain bookkeeping live in the audit store.
type AuditEvent struct {
	ID           string         `bson:"_id,omitempty" json:"id"`
	Timestamp    time.Time      `bson:"timestamp" json:"timestamp"`
	UserID       string         `bson:"user_id" json:"user_id"`
	Action       string         `bson:"action" json:"action"`     // CREATE, READ, UPDATE, DELETE, SEARCH
	Resource     string         `bson:"resource" json:"resource"` // document, source, task, container, user
	ResourceID   string         `bson:"resource_id" json:"resource_id"`
	IPAddress    string         `bson:"ip_address" json:"ip_address"`
	UserAgent    string         `bson:"user_agent,omitempty" json:"user_agent,omitempty"`
	RequestID    string         `bson:"request_id,omitempty" json:"request_id,omitempty"`
	Success      bool           `bson:"success" json:"success"`
	ErrorMessage string         `bson:"error_message,omitempty" json:"error_message,omitempty"`
	Details      map[string]any `bson:"details,omitempty" json:"details,omitempty"`
	PreviousHash string         `bson:"previous_hash" json:"previous_hash"`
	CurrentHash  string         `bson:"current_hash" json:"current_hash"`
}

// ComputeHash derives the chain hash for this event.
func (e *AuditEvent) ComputeHash() string {
	data := fmt.Sprintf("%s|%s|%s|%s|%s|%t|%s",
		e.Timestamp.Format(time.RFC3339Nano),
		e.UserID,
		e.Action,
		e.Resource,
		e.ResourceID,
		e.Success,
		e.PreviousHash,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
