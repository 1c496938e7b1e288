// Package cache stores fetched sessions so repeated requests carrying the
// same credential skip the auth backend until the entry expires.
package cache

import (
	"context"
	"time"

	"github.com/asimihsan/routegate/pkg/gate"
)

// Entry is the session data returned by the auth backend.
type Entry struct {
	User        gate.User   `json:"user"`
	Tenant      gate.Tenant `json:"tenant"`
	Permissions []string    `json:"permissions"`
	Role        string      `json:"role"`
}

// Store is a TTL keyed session cache.
type Store interface {
	// Name labels cache metrics.
	Name() string
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Put(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
