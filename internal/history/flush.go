package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/suPer8Hu/vidchat/internal/logging"
)

type FlusherOptions struct {
	// Interval between full sweeps of the pending buffers.
	Interval time.Duration
	// BatchSize caps the records per durable insert.
	BatchSize int
	// Concurrency caps keys flushed at once.
	Concurrency int
	// TriggerQueue is the number of early-flush requests held in memory.
	TriggerQueue int

	CacheTimeout   time.Duration
	DurableTimeout time.Duration

	Logger *zap.Logger
}

func (o *FlusherOptions) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = 300 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.TriggerQueue <= 0 {
		o.TriggerQueue = 1024
	}
	if o.CacheTimeout <= 0 {
		o.CacheTimeout = time.Second
	}
	if o.DurableTimeout <= 0 {
		o.DurableTimeout = 10 * time.Second
	}
}

// Flusher drains write-behind buffers into the durable tier: on a fixed
// interval, and early for keys passed to Trigger. At most one flush per key
// runs at a time.
type Flusher struct {
	cache   *Cache
	durable DurableStore
	opts    FlusherOptions
	log     *zap.Logger

	group    singleflight.Group
	sem      *semaphore.Weighted
	triggers chan Key

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewFlusher(cache *Cache, durable DurableStore, opts FlusherOptions) *Flusher {
	opts.setDefaults()
	return &Flusher{
		cache:    cache,
		durable:  durable,
		opts:     opts,
		log:      logging.OrNop(opts.Logger).Named("flusher"),
		sem:      semaphore.NewWeighted(int64(opts.Concurrency)),
		triggers: make(chan Key, opts.TriggerQueue),
	}
}

// Start schedules the periodic sweep and begins serving triggers. It
// returns immediately.
func (f *Flusher) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return errors.New("flusher already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", f.opts.Interval), func() {
		if _, err := f.Sweep(ctx); err != nil {
			f.log.Warn("sweep finished with errors", zap.Error(err))
		}
	}); err != nil {
		cancel()
		return err
	}

	f.cron, f.cancel, f.running = c, cancel, true
	c.Start()

	f.wg.Add(1)
	go f.serveTriggers(ctx)

	f.log.Info("flusher started", zap.Duration("interval", f.opts.Interval))
	return nil
}

// Stop waits for in-flight flushes. Records still buffered are picked up by
// the next process that sweeps.
func (f *Flusher) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	c, cancel := f.cron, f.cancel
	f.running = false
	f.mu.Unlock()

	<-c.Stop().Done()
	cancel()
	f.wg.Wait()
	f.log.Info("flusher stopped")
}

// Trigger queues an early flush of k. Requests beyond the queue are dropped;
// the periodic sweep covers them.
func (f *Flusher) Trigger(k Key) {
	select {
	case f.triggers <- k:
	default:
		f.log.Debug("trigger queue full", zap.String("key", k.String()))
	}
}

func (f *Flusher) serveTriggers(ctx context.Context) {
	defer f.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case k := <-f.triggers:
			if err := f.sem.Acquire(ctx, 1); err != nil {
				return
			}
			f.wg.Add(1)
			go func() {
				defer f.wg.Done()
				defer f.sem.Release(1)
				if _, err := f.FlushKey(ctx, k); err != nil {
					f.log.Warn("triggered flush failed", zap.String("key", k.String()), zap.Error(err))
				}
			}()
		}
	}
}

// Sweep flushes every key with buffered records and returns how many
// records reached the durable tier.
func (f *Flusher) Sweep(ctx context.Context) (int, error) {
	cctx, cancel := context.WithTimeout(ctx, f.opts.CacheTimeout)
	keys, err := f.cache.pendingKeys(cctx)
	cancel()
	if err != nil {
		return 0, tierErr(TierCache, "sweep", err)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
		errs  []error
	)
	for _, k := range keys {
		if err := f.sem.Acquire(ctx, 1); err != nil {
			errs = append(errs, err)
			break
		}
		wg.Add(1)
		go func(k Key) {
			defer wg.Done()
			defer f.sem.Release(1)
			n, err := f.FlushKey(ctx, k)
			mu.Lock()
			defer mu.Unlock()
			total += n
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", k, err))
			}
		}(k)
	}
	wg.Wait()

	if total > 0 || len(errs) > 0 {
		f.log.Info("sweep done", zap.Int("keys", len(keys)), zap.Int("flushed", total), zap.Int("errors", len(errs)))
	}
	return total, errors.Join(errs...)
}

// FlushKey drains the buffer of k. Concurrent calls for the same key share
// one run.
func (f *Flusher) FlushKey(ctx context.Context, k Key) (int, error) {
	v, err, _ := f.group.Do(k.String(), func() (any, error) {
		return f.flush(ctx, k)
	})
	n, _ := v.(int)
	return n, err
}

// flush moves the buffer head to the durable tier batch by batch. A batch
// leaves the buffer only after its insert succeeded. Re-inserting a batch
// is harmless, so a failed drop or a concurrent flusher elsewhere costs
// only duplicate work.
func (f *Flusher) flush(ctx context.Context, k Key) (int, error) {
	total := 0
	for ctx.Err() == nil {
		cctx, cancel := context.WithTimeout(ctx, f.opts.CacheTimeout)
		batch, err := f.cache.pending(cctx, k, int64(f.opts.BatchSize))
		cancel()
		if err != nil {
			return total, tierErr(TierCache, "read pending", err)
		}
		if batch.raw == 0 {
			return total, nil
		}
		if skipped := batch.raw - int64(len(batch.records)); skipped > 0 {
			f.log.Error("dropping undecodable pending entries", zap.String("key", k.String()), zap.Int64("count", skipped))
		}

		dctx, cancel := context.WithTimeout(ctx, f.opts.DurableTimeout)
		err = f.durable.InsertBatch(dctx, batch.records)
		cancel()
		if err != nil {
			return total, tierErr(TierDurable, "insert batch", err)
		}

		cctx, cancel = context.WithTimeout(ctx, f.opts.CacheTimeout)
		dropped, err := f.cache.dropPending(cctx, k, batch)
		cancel()
		if err != nil {
			return total, tierErr(TierCache, "drop pending", err)
		}
		if !dropped {
			// another process flushed this batch first; start over from the
			// current head
			f.log.Debug("pending head moved", zap.String("key", k.String()))
			continue
		}

		total += len(batch.records)
		f.log.Debug("flushed batch", zap.String("key", k.String()), zap.Int("records", len(batch.records)))
		if batch.raw < int64(f.opts.BatchSize) {
			return total, nil
		}
	}
	return total, ctx.Err()
}
