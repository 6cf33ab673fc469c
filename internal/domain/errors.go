package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                  = errors.New("not found")
	ErrAlreadyExists             = errors.New("already exists")
	ErrConcurrentVersionConflict = errors.New("concurrent version conflict")
	ErrTenantAccessDenied        = errors.New("tenant access denied")
	ErrIntegrityViolation        = errors.New("integrity violation")
	ErrStorageFailure            = errors.New("storage failure")
	ErrInvalidInput              = errors.New("invalid input")
	ErrRateLimited               = errors.New("rate limited")
)

// TenantAccessDeniedError carries the tenant a scope was refused.
type TenantAccessDeniedError struct {
	ScopeTenantID  string
	TargetTenantID string
}

func (e *TenantAccessDeniedError) Error() string {
	scope := e.ScopeTenantID
	if scope == "" {
		scope = "<none>"
	}
	target := e.TargetTenantID
	if target == "" {
		target = "<none>"
	}
	return fmt.Sprintf("tenant access denied: scope %s cannot access tenant %s", scope, target)
}

func (e *TenantAccessDeniedError) Is(target error) bool {
	return target == ErrTenantAccessDenied
}

// IntegrityError lists every inconsistency found while checking a record or chain.
type IntegrityError struct {
	Subject string
	Errors  []string
}

func (e *IntegrityError) Error() string {
	if len(e.Errors) == 0 {
		return "integrity violation: " + e.Subject
	}
	return fmt.Sprintf("integrity violation: %s: %s", e.Subject, e.Errors[0])
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrityViolation
}

// StorageError wraps a backend failure so it matches ErrStorageFailure.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageFailure, op, err)
}
