// Package validators persists the ETag and Last-Modified validators observed
// from origin responses so later requests can be answered with 304 or 412
// without contacting the origin.
package validators

import (
	"context"
	"time"

	"github.com/condgate/condgate/internal/conditional"
)

// Entry is one cached validator set for a selected representation.
type Entry struct {
	ETag         string     `json:"etag,omitempty"`
	LastModified *time.Time `json:"lastModified,omitempty"`
	Expires      *time.Time `json:"expires,omitempty"`
	StoredAt     time.Time  `json:"storedAt"`
	ExpiresAt    time.Time  `json:"expiresAt"`
}

// Validators converts the entry into the evaluator's response view.
func (e Entry) Validators() *conditional.ResponseValidators {
	rv := &conditional.ResponseValidators{ETag: conditional.EntityTag(e.ETag)}
	if e.LastModified != nil {
		lm := *e.LastModified
		rv.LastModified = &lm
	}
	if e.Expires != nil {
		exp := *e.Expires
		rv.Expires = &exp
	}
	return rv
}

// Store is the persistence surface for validator entries. Implementations
// must be safe for concurrent use.
type Store interface {
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, entry Entry) error
	DeletePrefix(ctx context.Context, prefix string) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

// ReloadScope conveys the prefix of entries that should be invalidated when a
// pipeline reload occurs.
type ReloadScope struct {
	Prefix string
}

// ReloadInvalidator is implemented by store backends that require additional
// coordination when the pipeline swaps configuration snapshots.
type ReloadInvalidator interface {
	InvalidateOnReload(ctx context.Context, scope ReloadScope) error
}
