package models

import (
	"encoding/json"
	"time"
)

const (
	ActionVisitCheckedIn = "VISIT_CHECKED_IN"
	EntityVisit          = "visit"
)

type AuditEvent struct {
	ID           string          `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
	TraceID      string          `json:"trace_id"`
	ActorID      string          `json:"actor_id"`
	ActorRole    Role            `json:"actor_role"`
	Action       string          `json:"action"`
	EntityType   string          `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	DepartmentID string          `json:"department_id"`
	Before       json.RawMessage `json:"before,omitempty"`
	After        json.RawMessage `json:"after,omitempty"`
	PrevHash     string          `json:"prev_hash"`
	Hash         string          `json:"hash"`
}

// TransitionAction names the audit action for entering a state, e.g. VISIT_CALLED.
func TransitionAction(to State) string {
	return "VISIT_" + string(to)
}
