// Package store defines the abstract persistence collaborators the core
// consumes (§1 "Out of scope... The core consumes ... RelationalStore,
// KeyValueStore ... as abstract interfaces"), plus concrete Postgres and
// Redis adapters grounded on the teacher's database/supabase.go and
// internal/infra/redis_adapter.go.
package store

import (
	"context"
	"time"
)

// RelationalStore is the narrow slice of relational access the core
// needs. Everything outside this slice (characters, stories, OAuth,
// payments) is conventional CRUD handled elsewhere in the product and is
// not modeled here.
type RelationalStore interface {
	// WithTx runs fn within a single transactional unit of work; see dbtx.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	Users
	Conversations
	Memberships
	Participants
	Messages
	Plans
	CreditLedgerRows
	UsageRecords
	Jobs
}

// KeyValueStore is the abstract cache/rate-limit/lease collaborator
// (backed by Redis in production). TTL of zero means "no expiry".
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	// IncrBy atomically increments key by delta, creating it at 0 first,
	// and returns the new value.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// SetNX sets key only if absent, returning whether it was set.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}
