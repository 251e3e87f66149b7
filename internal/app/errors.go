package app

import "errors"

// Error taxonomy shared by the core-exposed operations. Persistence
// failures never surface here: reads degrade to ErrNotFound, writes are
// logged and in-memory state stands.
var (
	ErrNotFound       = errors.New("not found")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrDuplicateParty = errors.New("party already exists")
	ErrInternal       = errors.New("internal error")
)
