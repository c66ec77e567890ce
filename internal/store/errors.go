package store

import "errors"

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidField = errors.New("invalid field name")
	ErrMissingID    = errors.New("record has no string id")
)
