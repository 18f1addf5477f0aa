package divago

import (
	"errors"
	"fmt"

	"github.com/n3slami/divago/internal/infixstore"
	"github.com/n3slami/divago/internal/triemap"
)

// ErrKeyTooShort is returned by Deserialize when a stored boundary key is
// shorter than the bit region its leaf's store pins, per spec.md §7's
// "invalid input" category.
var ErrKeyTooShort = fmt.Errorf("diva: key shorter than pinned boundary region: %w", triemap.ErrKeyTooShort)

// ErrMalformedBuffer is returned by Deserialize when the input cannot be
// a buffer previously produced by Serialize.
var ErrMalformedBuffer = fmt.Errorf("diva: malformed buffer: %w", infixstore.ErrMalformedBuffer)

// ErrOutOfMemory names the allocation-failure category of spec.md §7 so
// callers can match on it uniformly with the other error categories. No
// function in this package returns it: Insert, Delete, BulkLoad and New
// have no error result, and nothing recovers the runtime's out-of-memory
// failure.
var ErrOutOfMemory = errors.New("diva: allocation failed")
