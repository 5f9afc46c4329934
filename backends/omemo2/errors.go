package omemo2

import "errors"

var (
	ErrInvalidMessage   = errors.New("omemo2: invalid message")
	ErrInvalidKeyLength = errors.New("omemo2: invalid key length")
	ErrSkippedKeyLimit  = errors.New("omemo2: too many skipped message keys")
)
