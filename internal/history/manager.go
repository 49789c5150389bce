package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/suPer8Hu/vidchat/internal/logging"
)

// UserVerifier is the identity provider's existence check.
type UserVerifier interface {
	VerifyUser(ctx context.Context, userID uint64) (bool, error)
}

// FlushTrigger asks for an early write-behind flush of one key. It must not
// block.
type FlushTrigger interface {
	Trigger(k Key)
}

type Options struct {
	Stream Stream
	Policy Policy

	// CacheCap bounds the cached list per user.
	CacheCap        int
	DefaultPageSize int
	MaxPageSize     int

	CacheTimeout   time.Duration
	DurableTimeout time.Duration

	// EmptyPageOnError turns durable read failures into empty pages.
	EmptyPageOnError bool

	// BatchThreshold is the pending buffer length that fires Trigger.
	BatchThreshold int
	Trigger        FlushTrigger

	// SequenceCacheSize bounds the per-key sequence state.
	SequenceCacheSize int

	Now    func() time.Time
	Logger *zap.Logger
}

func (o *Options) setDefaults() {
	if o.CacheCap <= 0 {
		o.CacheCap = 50
	}
	if o.MaxPageSize <= 0 {
		o.MaxPageSize = 100
	}
	if o.DefaultPageSize <= 0 || o.DefaultPageSize > o.MaxPageSize {
		o.DefaultPageSize = min(20, o.MaxPageSize)
	}
	if o.CacheTimeout <= 0 {
		o.CacheTimeout = 250 * time.Millisecond
	}
	if o.DurableTimeout <= 0 {
		o.DurableTimeout = 3 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Page is one newest-first slice of a stream. NextCursor is empty when the
// stream is exhausted.
type Page struct {
	Records    []Record `json:"records"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// Manager owns the consistency policy between the cache and durable tiers
// for one stream.
type Manager struct {
	opts     Options
	strategy strategy
	cache    *Cache
	durable  DurableStore
	users    UserVerifier
	trigger  FlushTrigger
	seq      *sequencer
	log      *zap.Logger
}

// NewManager wires a stream to its tiers. users may be nil when every caller
// appends with WithTrustedUser.
func NewManager(cache *Cache, durable DurableStore, users UserVerifier, opts Options) (*Manager, error) {
	if !opts.Stream.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStream, opts.Stream)
	}
	st, err := opts.Policy.strategy()
	if err != nil {
		return nil, err
	}
	if cache == nil || durable == nil {
		return nil, errors.New("history: cache and durable tiers are required")
	}
	opts.setDefaults()

	return &Manager{
		opts:     opts,
		strategy: st,
		cache:    cache,
		durable:  durable,
		users:    users,
		trigger:  opts.Trigger,
		seq:      newSequencer(opts.SequenceCacheSize),
		log: logging.OrNop(opts.Logger).With(
			zap.String("stream", string(opts.Stream)),
			zap.Stringer("policy", opts.Policy),
		),
	}, nil
}

func (m *Manager) Stream() Stream { return m.opts.Stream }
func (m *Manager) Policy() Policy { return m.opts.Policy }

type appendOptions struct {
	trusted bool
}

type AppendOption func(*appendOptions)

// WithTrustedUser skips the identity check for callers that already
// validated the session.
func WithTrustedUser() AppendOption {
	return func(o *appendOptions) { o.trusted = true }
}

// Append stores one record and returns it with its server-assigned fields.
func (m *Manager) Append(ctx context.Context, userID uint64, role Role, payload json.RawMessage, opts ...AppendOption) (Record, error) {
	var ao appendOptions
	for _, o := range opts {
		o(&ao)
	}

	if !role.Valid() {
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	payload, err := normalizePayload(m.opts.Stream, payload)
	if err != nil {
		return Record{}, err
	}
	if !ao.trusted {
		if err := m.verifyUser(ctx, userID); err != nil {
			return Record{}, err
		}
	}

	k := Key{UserID: userID, Stream: m.opts.Stream}
	unlock := m.seq.locks.lock(k)
	defer unlock()

	pos, err := m.nextPosition(ctx, k)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:        ulid.Make().String(),
		UserID:    userID,
		Stream:    m.opts.Stream,
		Role:      role,
		Payload:   payload,
		CreatedAt: pos.CreatedAt,
		Seq:       pos.Seq,
	}
	if err := m.strategy.write(ctx, m, rec); err != nil {
		m.log.Warn("append failed", zap.String("key", k.String()), zap.Int64("seq", rec.Seq), zap.Error(err))
		return Record{}, err
	}
	return rec, nil
}

func (m *Manager) verifyUser(ctx context.Context, userID uint64) error {
	if userID == 0 {
		return ErrUnknownUser
	}
	if m.users == nil {
		return nil
	}
	ok, err := m.users.VerifyUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("history: verify user: %w", err)
	}
	if !ok {
		return ErrUnknownUser
	}
	return nil
}

// nextPosition hands out the next (created_at, seq) for k. created_at never
// goes backwards within a key, so both orderings agree. Caller holds the key
// lock. A position is never reused, even if the write then fails.
func (m *Manager) nextPosition(ctx context.Context, k Key) (Position, error) {
	last, ok := m.seq.get(k)
	if !ok {
		var err error
		if last, err = m.seedPosition(ctx, k); err != nil {
			return Position{}, err
		}
	}

	now := m.opts.Now().UTC().Truncate(time.Microsecond)
	if now.Before(last.CreatedAt) {
		now = last.CreatedAt
	}
	next := Position{CreatedAt: now, Seq: last.Seq + 1}
	m.seq.put(k, next)
	return next, nil
}

// seedPosition finds the newest position across the durable tier and, when
// records can be unflushed, the pending buffer.
func (m *Manager) seedPosition(ctx context.Context, k Key) (Position, error) {
	dctx, cancel := context.WithTimeout(ctx, m.opts.DurableTimeout)
	newest, err := m.durable.Query(dctx, k, nil, 1)
	cancel()
	if err != nil {
		return Position{}, tierErr(TierDurable, "seed", err)
	}

	var last Position
	if len(newest) > 0 {
		last = newest[0].Position()
	}
	if m.strategy.pendingVisible() {
		cctx, cancel := context.WithTimeout(ctx, m.opts.CacheTimeout)
		rec, ok, err := m.cache.lastPending(cctx, k)
		cancel()
		if err != nil {
			return Position{}, tierErr(TierCache, "seed", err)
		}
		if ok && last.Before(rec.Position()) {
			last = rec.Position()
		}
	}
	return last, nil
}

func (m *Manager) insertDurable(ctx context.Context, rec Record) error {
	dctx, cancel := context.WithTimeout(ctx, m.opts.DurableTimeout)
	defer cancel()
	return tierErr(TierDurable, "insert", m.durable.Insert(dctx, rec))
}

func (m *Manager) detachedCacheCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.opts.CacheTimeout)
}

func (m *Manager) clampLimit(limit int) int {
	if limit <= 0 {
		return m.opts.DefaultPageSize
	}
	return min(limit, m.opts.MaxPageSize)
}

// ReadPage returns up to limit records older than cursor, newest first.
// An empty cursor starts at the newest record.
func (m *Manager) ReadPage(ctx context.Context, userID uint64, limit int, cursor string) (Page, error) {
	limit = m.clampLimit(limit)

	var before *Position
	if cursor != "" {
		p, err := DecodeCursor(cursor)
		if err != nil {
			return Page{}, err
		}
		before = &p
	}

	k := Key{UserID: userID, Stream: m.opts.Stream}

	cctx, cancel := context.WithTimeout(ctx, m.opts.CacheTimeout)
	view, err := m.cache.snapshot(cctx, k)
	cancel()
	cacheOK := err == nil
	if err != nil {
		m.log.Warn("cache read failed, treating as miss", zap.String("key", k.String()), zap.Error(err))
	} else if view.warm {
		if page, ok := view.page(before, limit); ok {
			return page, nil
		}
	}

	return m.readDurable(ctx, k, before, limit, view.version, cacheOK)
}

// page serves a read from the cached prefix. ok is false when the prefix
// does not cover the requested window.
func (v cacheView) page(before *Position, limit int) (Page, bool) {
	recs := v.records
	start := 0
	if before != nil {
		start = sort.Search(len(recs), func(i int) bool {
			return recs[i].Position().Before(*before)
		})
		// Everything cached is at or newer than the cursor; what follows is
		// only known if the prefix is the whole history.
		if start == len(recs) && !v.complete {
			return Page{}, false
		}
	}

	avail := recs[start:]
	if avail == nil {
		avail = []Record{}
	}
	switch {
	case len(avail) > limit:
		page := avail[:limit]
		return Page{Records: page, NextCursor: EncodeCursor(page[limit-1].Position())}, true
	case len(avail) == limit && len(avail) > 0:
		p := Page{Records: avail}
		if !v.complete {
			p.NextCursor = EncodeCursor(avail[limit-1].Position())
		}
		return p, true
	case v.complete:
		return Page{Records: avail}, true
	}
	return Page{}, false
}

func (m *Manager) readDurable(ctx context.Context, k Key, before *Position, limit int, version string, cacheOK bool) (Page, error) {
	refill := before == nil && cacheOK
	fetch := limit + 1
	if refill {
		fetch = max(fetch, m.opts.CacheCap+1)
	}

	dctx, cancel := context.WithTimeout(ctx, m.opts.DurableTimeout)
	recs, err := m.durable.Query(dctx, k, before, fetch)
	cancel()
	if err != nil {
		err = tierErr(TierDurable, "query", err)
		if m.opts.EmptyPageOnError {
			m.log.Error("durable read failed, serving empty page", zap.String("key", k.String()), zap.Error(err))
			return Page{Records: []Record{}}, nil
		}
		return Page{}, err
	}

	if m.strategy.pendingVisible() {
		cctx, cancel := context.WithTimeout(ctx, m.opts.CacheTimeout)
		pend, err := m.cache.pending(cctx, k, 0)
		cancel()
		if err != nil {
			m.log.Warn("pending buffer unreadable", zap.String("key", k.String()), zap.Error(err))
			refill = false
		} else {
			recs = mergeNewestFirst(recs, pend.records, before, fetch)
		}
	}

	if refill {
		n := min(len(recs), m.opts.CacheCap)
		complete := len(recs) <= m.opts.CacheCap
		cctx, cancel := context.WithTimeout(ctx, m.opts.CacheTimeout)
		if _, err := m.cache.refill(cctx, k, version, recs[:n], complete); err != nil {
			m.log.Warn("cache refill failed", zap.String("key", k.String()), zap.Error(err))
		}
		cancel()
	}

	page := Page{Records: recs}
	if len(recs) > limit {
		page.Records = recs[:limit]
		page.NextCursor = EncodeCursor(page.Records[limit-1].Position())
	}
	return page, nil
}

// mergeNewestFirst folds unflushed records into a durable page, keeping the
// first n of the union. Records present in both are kept once.
func mergeNewestFirst(durable, pending []Record, before *Position, n int) []Record {
	if len(pending) == 0 {
		return durable
	}
	seen := make(map[int64]struct{}, len(durable))
	out := make([]Record, 0, len(durable)+len(pending))
	for _, r := range durable {
		seen[r.Seq] = struct{}{}
		out = append(out, r)
	}
	for _, r := range pending {
		if _, dup := seen[r.Seq]; dup {
			continue
		}
		if before != nil && !r.Position().Before(*before) {
			continue
		}
		seen[r.Seq] = struct{}{}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[j].Position().Before(out[i].Position())
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Invalidate drops the cached list for one user. Unflushed records stay
// buffered.
func (m *Manager) Invalidate(ctx context.Context, userID uint64) error {
	k := Key{UserID: userID, Stream: m.opts.Stream}
	cctx, cancel := context.WithTimeout(ctx, m.opts.CacheTimeout)
	defer cancel()
	return tierErr(TierCache, "invalidate", m.cache.invalidate(cctx, k))
}

// Purge deletes the user's records from both tiers, unflushed ones
// included, and forgets the sequence state.
func (m *Manager) Purge(ctx context.Context, userID uint64) error {
	k := Key{UserID: userID, Stream: m.opts.Stream}
	unlock := m.seq.locks.lock(k)
	defer unlock()

	cctx, cancel := context.WithTimeout(ctx, m.opts.CacheTimeout)
	err := m.cache.purge(cctx, k)
	cancel()
	if err != nil {
		return tierErr(TierCache, "purge", err)
	}

	dctx, cancel := context.WithTimeout(ctx, m.opts.DurableTimeout)
	err = m.durable.Purge(dctx, k)
	cancel()
	if err != nil {
		return tierErr(TierDurable, "purge", err)
	}
	m.seq.forget(k)
	m.log.Info("purged", zap.String("key", k.String()))
	return nil
}
