package model

import "errors"

var (
	// ErrEmptyTitle is returned when an Issue with an empty title is validated.
	ErrEmptyTitle = errors.New("model: issue title must not be empty")
	// ErrInvalidStatus is returned when an Issue's status is outside the enumeration.
	ErrInvalidStatus = errors.New("model: issue status not recognized")
	// ErrInvalidPriority is returned when an Issue's priority is outside the enumeration.
	ErrInvalidPriority = errors.New("model: issue priority not recognized")
)
