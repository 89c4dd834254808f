package syncengine

import "errors"

var (
	// ErrAlreadyShared is returned by Share when the control server
	// already has a crinfo for this filename.
	ErrAlreadyShared = errors.New("syncengine: file already shared")

	// ErrTemporarilyUnavailable is returned for a single (file, block)
	// pair acquisition could not complete this cycle; the caller should
	// leave the file partial and retry on the next update.
	ErrTemporarilyUnavailable = errors.New("syncengine: block temporarily unavailable")
)
