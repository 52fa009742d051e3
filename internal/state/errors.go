package state

import "errors"

var (
	ErrAtCapacity    = errors.New("registry at capacity")
	ErrNotRegistered = errors.New("identity not registered")
)
