package domain

import "errors"

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned by stores when a unique key is already taken.
var ErrDuplicate = errors.New("duplicate record")

// OperationFilter narrows an operation listing.
type OperationFilter struct {
	Status        OperationStatus
	OperationType OperationType
	InitiatedBy   string
	Limit         int
	Offset        int
}
