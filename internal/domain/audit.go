package domain

import (
	"encoding/json"
	"time"
)

// Audit log event kinds.
const (
	AuditPieCreated    = "pie.created"
	AuditPieDeleted    = "pie.deleted"
	AuditSliceCreated  = "slice.created"
	AuditSliceStopped  = "slice.stopped"
	AuditSliceDeleted  = "slice.deleted"
)

// AuditLogEntry is an append-only event record. PieID/SliceID are set to
// null by the store's cascade policy when the referenced entity is removed,
// so history survives the delete that produced it.
type AuditLogEntry struct {
	ID        int64
	PieID     *string
	SliceID   *string
	Kind      string
	Payload   json.RawMessage
	CreatedAt time.Time
}
