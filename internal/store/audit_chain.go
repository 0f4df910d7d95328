package store

import (
	"crypto/sha256"
	"fmt"
	"time"

	"qms/visit-service/internal/models"
)

// ComputeAuditHash chains an audit event to its predecessor within the same
// department.
func ComputeAuditHash(prevHash string, event models.AuditEvent) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s|%s|%s",
		prevHash,
		event.ID,
		event.DepartmentID,
		event.EntityID,
		event.Action,
		event.ActorID,
		event.TraceID,
		event.Timestamp.UTC().Format(time.RFC3339Nano),
		event.Before,
		event.After,
	)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// VerifyAuditChain checks events (oldest first) for one department and
// returns the index of the first event whose hash does not match, or -1.
func VerifyAuditChain(events []models.AuditEvent) int {
	prev := ""
	for i, event := range events {
		if event.PrevHash != prev {
			return i
		}
		if ComputeAuditHash(prev, event) != event.Hash {
			return i
		}
		prev = event.Hash
	}
	return -1
}
