package redisstore

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the cache tier driver. Every mutating call is a single atomic
// step on the server (MULTI or a Lua script).
type Store struct {
	rdb redis.UniversalClient
}

// New connects to a redis:// URL and pings it.
func New(ctx context.Context, redisURL string) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &Store{rdb: rdb}, nil
}

func NewWithClient(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Get reports ok=false for a missing key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *Store) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

// PushTrim describes one newest-first list append.
type PushTrim struct {
	List    string
	Meta    string // cleared when the push evicts from the list
	Version string // bumped on every push
	// Pending, when set, also receives the value at its tail.
	Pending string

	Value      []byte
	Cap        int64
	TTL        time.Duration // applied only when the list has none
	VersionTTL time.Duration
}

// ListPushTrim returns the pending list length (0 without Pending).
func (s *Store) ListPushTrim(ctx context.Context, p PushTrim) (int64, error) {
	keys := []string{p.List, p.Meta, p.Version}
	if p.Pending != "" {
		keys = append(keys, p.Pending)
	}
	return pushTrimScript.Run(ctx, s.rdb, keys,
		p.Value, p.Cap, p.TTL.Milliseconds(), p.VersionTTL.Milliseconds(),
	).Int64()
}

func (s *Store) ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	vals, err := s.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		out = append(out, []byte(v))
	}
	return out, nil
}

// ListDropHead removes the first n elements if the list still starts with
// head. It reports whether anything was removed.
func (s *Store) ListDropHead(ctx context.Context, key string, head []byte, n int64) (bool, error) {
	if n <= 0 {
		return false, nil
	}
	res, err := dropHeadScript.Run(ctx, s.rdb, []string{key}, head, n).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Snapshot is a list read together with its marker and version keys. Meta is
// the marker state; HasMeta is false when the marker is missing or stale.
type Snapshot struct {
	Values  [][]byte
	Meta    string
	HasMeta bool
	Version string
}

// Warm reports whether anything is cached under the snapshot keys.
func (s Snapshot) Warm() bool {
	return s.HasMeta || len(s.Values) > 0
}

func (s *Store) ListSnapshot(ctx context.Context, list, meta, version string) (Snapshot, error) {
	var (
		lr *redis.StringSliceCmd
		mr *redis.StringCmd
		vr *redis.StringCmd
	)
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		lr = p.LRange(ctx, list, 0, -1)
		mr = p.Get(ctx, meta)
		vr = p.Get(ctx, version)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Snapshot{}, err
	}

	var snap Snapshot
	vals, err := lr.Result()
	if err != nil {
		return Snapshot{}, err
	}
	for _, v := range vals {
		snap.Values = append(snap.Values, []byte(v))
	}
	if m, err := mr.Result(); err == nil {
		snap.Meta, snap.HasMeta = parseMeta(m, len(snap.Values))
	} else if !errors.Is(err, redis.Nil) {
		return Snapshot{}, err
	}
	if v, err := vr.Result(); err == nil {
		snap.Version = v
	} else if !errors.Is(err, redis.Nil) {
		return Snapshot{}, err
	}
	return snap, nil
}

// parseMeta splits "<state>:<length>". A marker whose length disagrees with
// the list describes a list that is gone (evicted on its own) and is ignored.
func parseMeta(m string, listLen int) (string, bool) {
	i := strings.LastIndexByte(m, ':')
	if i < 0 {
		return "", false
	}
	n, err := strconv.Atoi(m[i+1:])
	if err != nil || n != listLen {
		return "", false
	}
	return m[:i], true
}

// Replace overwrites a list if its version key still holds Expected.
type Replace struct {
	List     string
	Meta     string
	Version  string
	Expected string

	Values    [][]byte
	MetaValue string
	TTL       time.Duration
}

// ReplaceListIfVersion reports false when the version moved on.
func (s *Store) ReplaceListIfVersion(ctx context.Context, r Replace) (bool, error) {
	args := make([]any, 0, 3+len(r.Values))
	args = append(args, r.Expected, r.TTL.Milliseconds(), r.MetaValue)
	for _, v := range r.Values {
		args = append(args, v)
	}
	n, err := replaceScript.Run(ctx, s.rdb, []string{r.List, r.Meta, r.Version}, args...).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Invalidate deletes keys and bumps version in one step.
func (s *Store) Invalidate(ctx context.Context, version string, versionTTL time.Duration, keys ...string) error {
	all := append([]string{version}, keys...)
	return invalidateScript.Run(ctx, s.rdb, all, versionTTL.Milliseconds()).Err()
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

// Keys walks the keyspace with SCAN; used by background sweeps only.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := s.rdb.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
