package cache

import (
	"context"
	"database/sql"

	"github.com/teranos/scribe/am"
	"github.com/teranos/scribe/errors"
)

// New builds the cache backend selected by cfg.Cache.Backend. The returned
// close function releases backend resources and is never nil.
func New(ctx context.Context, cfg *am.Config, db *sql.DB) (Cache, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Cache.Backend {
	case "", "sqlite":
		return NewSQLiteCache(db), noop, nil
	case "redis":
		r := cfg.Cache.Redis
		cli, err := DialRedis(ctx, r.Addr, r.Password, r.DB)
		if err != nil {
			return nil, noop, err
		}
		c := NewRedisCache(cli, r.Prefix)
		return c, c.Close, nil
	case "none":
		return Nop{}, noop, nil
	default:
		return nil, noop, errors.NewValidationError("unknown cache backend %q", cfg.Cache.Backend)
	}
}
