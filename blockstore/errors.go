package blockstore

import "errors"

var (
	ErrNotFound      = errors.New("blockstore: not found")
	ErrAlreadyExists = errors.New("blockstore: already exists with a different hash")
	ErrDuplicateBlock = errors.New("blockstore: duplicate block with different bytes")
	ErrSizeMismatch  = errors.New("blockstore: block size mismatch")
	ErrHashMismatch  = errors.New("blockstore: finalized content hash mismatch")
	ErrNotHave       = errors.New("blockstore: block not present")
	ErrInvalidBlockID = errors.New("blockstore: invalid block id")
)
