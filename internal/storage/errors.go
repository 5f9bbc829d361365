package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist or lives
// under a different tenant. Callers cannot tell the two apart, so tenant
// IDs cannot be probed.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when a guarded update matched no row: the
// entity exists but its current state forbids the transition.
var ErrConflict = errors.New("storage: conflicting state")

// ErrBudgetExceeded is returned when a reservation would push a period's
// reserved plus spent total past its limit.
var ErrBudgetExceeded = errors.New("storage: budget exceeded")
