package kvstore

import "errors"

var (
	ErrKeyNotFound = errors.New("kvstore: key not found")
	ErrClosed      = errors.New("kvstore: store is closed")
)
