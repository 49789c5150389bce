package history

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Policy selects how appends reach the two tiers. It is fixed when a
// Manager is built.
type Policy int

const (
	WriteThrough Policy = iota + 1
	WriteBehind
	CacheAside
)

func (p Policy) String() string {
	switch p {
	case WriteThrough:
		return "write_through"
	case WriteBehind:
		return "write_behind"
	case CacheAside:
		return "cache_aside"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "-", "_"))) {
	case "write_through":
		return WriteThrough, nil
	case "write_behind":
		return WriteBehind, nil
	case "cache_aside":
		return CacheAside, nil
	}
	return 0, fmt.Errorf("unknown history policy %q", s)
}

func (p Policy) strategy() (strategy, error) {
	switch p {
	case WriteThrough:
		return writeThrough{}, nil
	case WriteBehind:
		return writeBehind{}, nil
	case CacheAside:
		return cacheAside{}, nil
	}
	return nil, fmt.Errorf("unknown history policy %d", int(p))
}

// strategy is the per-policy half of Append and ReadPage.
type strategy interface {
	write(ctx context.Context, m *Manager, rec Record) error
	// pendingVisible reports whether reads must merge the pending buffer.
	pendingVisible() bool
}

type writeThrough struct{}

func (writeThrough) write(ctx context.Context, m *Manager, rec Record) error {
	if err := m.insertDurable(ctx, rec); err != nil {
		return err
	}

	// The record is committed; the cache write must not be cut short by the
	// caller going away.
	cctx, cancel := m.detachedCacheCtx(ctx)
	defer cancel()
	if _, err := m.cache.push(cctx, rec, m.opts.CacheCap, false); err != nil {
		m.log.Warn("cache push failed, invalidating",
			zap.String("key", rec.Key().String()), zap.Int64("seq", rec.Seq), zap.Error(err))
		if err := m.cache.invalidate(cctx, rec.Key()); err != nil {
			m.log.Error("cache invalidate failed after push failure",
				zap.String("key", rec.Key().String()), zap.Error(err))
		}
	}
	return nil
}

func (writeThrough) pendingVisible() bool { return false }

type writeBehind struct{}

func (writeBehind) write(ctx context.Context, m *Manager, rec Record) error {
	cctx, cancel := m.detachedCacheCtx(ctx)
	defer cancel()
	n, err := m.cache.push(cctx, rec, m.opts.CacheCap, true)
	if err != nil {
		return tierErr(TierCache, "append", err)
	}
	if m.opts.BatchThreshold > 0 && n >= int64(m.opts.BatchThreshold) && m.trigger != nil {
		m.trigger.Trigger(rec.Key())
	}
	return nil
}

func (writeBehind) pendingVisible() bool { return true }

type cacheAside struct{}

func (cacheAside) write(ctx context.Context, m *Manager, rec Record) error {
	if err := m.insertDurable(ctx, rec); err != nil {
		return err
	}

	cctx, cancel := m.detachedCacheCtx(ctx)
	defer cancel()
	if err := m.cache.invalidate(cctx, rec.Key()); err != nil {
		m.log.Error("cache invalidate failed",
			zap.String("key", rec.Key().String()), zap.Int64("seq", rec.Seq), zap.Error(err))
	}
	return nil
}

func (cacheAside) pendingVisible() bool { return false }
