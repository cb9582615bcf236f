package sentinel

import "errors"

// Sentinel errors for storage facts. Both persistence backends return these
// (optionally wrapped) so managers can translate them without knowing which
// backend produced them.
//
//   - ErrNotFound: no record for the requested key
//   - ErrAlreadyUsed: a record already occupies the key
//   - ErrInvalidState: the backend reported an affected-row count or state
//     that contradicts what the caller just read; the enclosing transaction
//     must be aborted
//   - ErrNoTx: a mutation was attempted outside a transaction scope
var (
	ErrNotFound     = errors.New("not found")
	ErrAlreadyUsed  = errors.New("already used")
	ErrInvalidState = errors.New("invalid state")
	ErrNoTx         = errors.New("mutation outside transaction")
)
