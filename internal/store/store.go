package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"qms/visit-service/internal/models"
)

// VisitStore persists visits. Update must compare the persisted version with
// expectedVersion and write in one indivisible step.
type VisitStore interface {
	Create(ctx context.Context, visit models.Visit) error
	GetByID(ctx context.Context, visitID string) (models.Visit, bool, error)
	Update(ctx context.Context, visit models.Visit, expectedVersion int64) error
	ListByDepartment(ctx context.Context, departmentID string) ([]models.Visit, error)
	NextTokenNumber(ctx context.Context, departmentID string, now time.Time) (string, error)
}

// TokenHighWater is implemented by durable visit stores. It reports the
// highest token number already issued for a department on now's day, so a
// counter kept outside the store can reseed itself after losing its state.
type TokenHighWater interface {
	HighestTokenNumber(ctx context.Context, departmentID string, now time.Time) (int64, error)
}

type AuditSink interface {
	Append(ctx context.Context, event models.AuditEvent) (models.AuditEvent, error)
	List(ctx context.Context, limit int) ([]models.AuditEvent, error)
}

// IdempotencyStore maps (scope, key) to the response of the first successful
// execution.
//
// Reserve is the atomic reserve-or-return primitive: the first caller for a
// key gets reserved=true and owns it until Put or Release. Later callers wait
// (bounded by the store's wait window and ctx) for the owner's payload and
// get reserved=false with that payload, or ErrRequestInProgress if the owner
// has not finished in time.
type IdempotencyStore interface {
	Get(ctx context.Context, scope, key string) (string, bool, error)
	Reserve(ctx context.Context, scope, key string) (payload string, reserved bool, err error)
	Put(ctx context.Context, scope, key, payload string) error
	Release(ctx context.Context, scope, key string) error
}

// DayKey is the calendar day a token sequence is scoped to, in now's location.
func DayKey(now time.Time) string {
	return now.Format("2006-01-02")
}

func FormatToken(departmentID string, n int64) string {
	return fmt.Sprintf("%s-%d", departmentID, n)
}

// ParseTokenNumber extracts n from a token formatted by FormatToken.
func ParseTokenNumber(departmentID, token string) (int64, bool) {
	suffix, ok := strings.CutPrefix(token, departmentID+"-")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
