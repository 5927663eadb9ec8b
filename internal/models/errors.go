package models

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrAlreadyFollowing = errors.New("already following")
	// ErrConflict reports a save against a stale aggregate version.
	ErrConflict = errors.New("version conflict")
)
