package entity

import "errors"

var (
	// ErrUnknownEntity is returned when a type name has no registered metadata
	ErrUnknownEntity = errors.New("unknown entity type")

	// ErrMissingPrimaryKey is returned when a row lacks a primary key value
	ErrMissingPrimaryKey = errors.New("missing primary key value")
)
