package storage

import "errors"

// ErrNotFound is returned when a requested trade or position does not exist
var ErrNotFound = errors.New("not found")
