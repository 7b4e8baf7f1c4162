package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrTenantRequired indicates a call missing its tenant scope.
	ErrTenantRequired = errors.New("tenant id required")
)
