package db

import "errors"

var (
	// ErrNotFound is returned when a row does not exist or belongs to another tenant.
	ErrNotFound = errors.New("not found")

	// ErrUnknownMetric is returned for a distance metric other than cosine or l2.
	ErrUnknownMetric = errors.New("unknown distance metric")
)
