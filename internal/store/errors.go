package store

import "errors"

var (
	ErrVisitNotFound     = errors.New("visit not found")
	ErrVersionConflict   = errors.New("visit version conflict")
	ErrInvalidDepartment = errors.New("invalid department")
	ErrRequestInProgress = errors.New("request with this idempotency key is still in progress")
)
