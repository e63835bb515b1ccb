// Package idgen wraps identifier generation so callers treat ids as opaque
// strings.
package idgen

import (
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewFunc returns a new entity identifier. It is a variable so tests can stub it.
var NewFunc = func() string { return uuid.New().String() }

// New returns a new globally unique entity identifier.
func New() string { return NewFunc() }

// NewSortable returns a ULID for t. ULIDs sort by time, which keeps audit
// entries ordered by id.
func NewSortable(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
