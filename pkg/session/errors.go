package session

import "errors"

var (
	ErrNotFound     = errors.New("session not found")
	ErrCorrupt      = errors.New("session record is corrupt")
	ErrBusy         = errors.New("session has an active turn")
	ErrTerminated   = errors.New("session is terminated")
	ErrInaccessible = errors.New("working directory is inaccessible")
)
