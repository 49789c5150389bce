package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/suPer8Hu/vidchat/internal/store/redisstore"
)

// CacheDriver is the cache tier surface the history store needs.
// *redisstore.Store implements it.
type CacheDriver interface {
	ListPushTrim(ctx context.Context, p redisstore.PushTrim) (int64, error)
	ListSnapshot(ctx context.Context, list, meta, version string) (redisstore.Snapshot, error)
	ReplaceListIfVersion(ctx context.Context, r redisstore.Replace) (bool, error)
	ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	ListDropHead(ctx context.Context, key string, head []byte, n int64) (bool, error)
	Invalidate(ctx context.Context, version string, versionTTL time.Duration, keys ...string) error
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
}

const (
	pendingPrefix  = "hist:pending:"
	pendingPattern = pendingPrefix + "*"

	metaComplete = "complete"
	metaPartial  = "partial"
)

// Keys share a {hash tag} so multi-key scripts stay on one cluster slot.
func listKey(k Key) string    { return "hist:{" + k.String() + "}" }
func metaKey(k Key) string    { return listKey(k) + ":meta" }
func versionKey(k Key) string { return listKey(k) + ":ver" }
func pendingKey(k Key) string { return pendingPrefix + "{" + k.String() + "}" }

func parsePendingKey(s string) (Key, error) {
	inner, ok := strings.CutPrefix(s, pendingPrefix+"{")
	if !ok || !strings.HasSuffix(inner, "}") {
		return Key{}, fmt.Errorf("not a pending key: %q", s)
	}
	return ParseKey(strings.TrimSuffix(inner, "}"))
}

// Cache maps records onto the cache driver. Per key it keeps a newest-first
// list capped per stream, a completeness marker, a version counter guarding
// refills, and (write-behind only) an oldest-first pending buffer.
type Cache struct {
	drv        CacheDriver
	ttl        time.Duration
	versionTTL time.Duration
}

func NewCache(drv CacheDriver, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{drv: drv, ttl: ttl, versionTTL: 24 * ttl}
}

// cacheView is one consistent read of a key's cached state.
type cacheView struct {
	records  []Record // newest first
	complete bool
	warm     bool
	version  string
}

func (c *Cache) snapshot(ctx context.Context, k Key) (cacheView, error) {
	snap, err := c.drv.ListSnapshot(ctx, listKey(k), metaKey(k), versionKey(k))
	if err != nil {
		return cacheView{}, err
	}
	recs, err := decodeRecords(snap.Values)
	if err != nil {
		return cacheView{}, err
	}
	return cacheView{
		records:  recs,
		complete: snap.Meta == metaComplete,
		warm:     snap.Warm(),
		version:  snap.Version,
	}, nil
}

// push prepends rec, trimming to capacity. With pending set the record is also
// buffered for the flusher; the buffer length is returned.
func (c *Cache) push(ctx context.Context, rec Record, capacity int, pending bool) (int64, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}
	k := rec.Key()
	p := redisstore.PushTrim{
		List:       listKey(k),
		Meta:       metaKey(k),
		Version:    versionKey(k),
		Value:      b,
		Cap:        int64(capacity),
		TTL:        c.ttl,
		VersionTTL: c.versionTTL,
	}
	if pending {
		p.Pending = pendingKey(k)
	}
	return c.drv.ListPushTrim(ctx, p)
}

// refill replaces the cached list with recs unless an append or invalidate
// happened since version was read.
func (c *Cache) refill(ctx context.Context, k Key, version string, recs []Record, complete bool) (bool, error) {
	vals := make([][]byte, 0, len(recs))
	for _, r := range recs {
		b, err := json.Marshal(r)
		if err != nil {
			return false, err
		}
		vals = append(vals, b)
	}
	meta := metaPartial
	if complete {
		meta = metaComplete
	}
	return c.drv.ReplaceListIfVersion(ctx, redisstore.Replace{
		List:      listKey(k),
		Meta:      metaKey(k),
		Version:   versionKey(k),
		Expected:  version,
		Values:    vals,
		MetaValue: meta,
		TTL:       c.ttl,
	})
}

// invalidate drops the cached list. The pending buffer is left alone.
func (c *Cache) invalidate(ctx context.Context, k Key) error {
	return c.drv.Invalidate(ctx, versionKey(k), c.versionTTL, listKey(k), metaKey(k))
}

// purge drops the cached list and the pending buffer.
func (c *Cache) purge(ctx context.Context, k Key) error {
	if err := c.drv.Delete(ctx, pendingKey(k)); err != nil {
		return err
	}
	return c.invalidate(ctx, k)
}

// pendingBatch is the head of a pending buffer. raw counts the entries read,
// including undecodable ones, which are skipped so one bad entry cannot
// wedge the buffer.
type pendingBatch struct {
	records []Record // oldest first
	raw     int64
	head    []byte
}

// pending returns up to n buffered records, or all of them when n is 0.
func (c *Cache) pending(ctx context.Context, k Key, n int64) (pendingBatch, error) {
	stop := int64(-1)
	if n > 0 {
		stop = n - 1
	}
	vals, err := c.drv.ListRange(ctx, pendingKey(k), 0, stop)
	if err != nil || len(vals) == 0 {
		return pendingBatch{}, err
	}
	b := pendingBatch{
		records: make([]Record, 0, len(vals)),
		raw:     int64(len(vals)),
		head:    vals[0],
	}
	for _, v := range vals {
		var r Record
		if err := json.Unmarshal(v, &r); err != nil {
			continue
		}
		b.records = append(b.records, r)
	}
	return b, nil
}

// lastPending returns the newest buffered record.
func (c *Cache) lastPending(ctx context.Context, k Key) (Record, bool, error) {
	vals, err := c.drv.ListRange(ctx, pendingKey(k), -1, -1)
	if err != nil || len(vals) == 0 {
		return Record{}, false, err
	}
	var r Record
	if err := json.Unmarshal(vals[0], &r); err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

// dropPending removes batch from the buffer unless another flusher already
// did.
func (c *Cache) dropPending(ctx context.Context, k Key, b pendingBatch) (bool, error) {
	return c.drv.ListDropHead(ctx, pendingKey(k), b.head, b.raw)
}

// pendingKeys lists every key with a non-empty buffer.
func (c *Cache) pendingKeys(ctx context.Context) ([]Key, error) {
	raw, err := c.drv.Keys(ctx, pendingPattern)
	if err != nil {
		return nil, err
	}
	out := make([]Key, 0, len(raw))
	for _, s := range raw {
		k, err := parsePendingKey(s)
		if err != nil {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

func decodeRecords(vals [][]byte) ([]Record, error) {
	out := make([]Record, 0, len(vals))
	for _, v := range vals {
		var r Record
		if err := json.Unmarshal(v, &r); err != nil {
			return nil, fmt.Errorf("decode cached record: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}
