package cache

import (
	"context"
	"time"
)

// Nop never hits. Used when caching is disabled.
type Nop struct{}

func (Nop) Get(context.Context, string) (string, bool, error)        { return "", false, nil }
func (Nop) Put(context.Context, string, string, time.Duration) error { return nil }
func (Nop) Invalidate(context.Context, Selector) (int64, error)      { return 0, nil }
