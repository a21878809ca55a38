package engine

import "errors"

var (
	// ErrEngineClosed is returned when operations are performed on a closed engine
	ErrEngineClosed = errors.New("engine is closed")
	// ErrKeyNotFound is returned when a key is not found
	ErrKeyNotFound = errors.New("key not found")
	// ErrKeyExists is returned by Insert when the key is already stored
	ErrKeyExists = errors.New("key already exists")
	// ErrInvalidKey is returned for the empty key
	ErrInvalidKey = errors.New("invalid key")
	// ErrAlreadyStarted is returned when Start is called more than once
	ErrAlreadyStarted = errors.New("engine already started")
)
