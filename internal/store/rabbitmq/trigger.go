package rabbitmq

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/suPer8Hu/vidchat/internal/history"
	"github.com/suPer8Hu/vidchat/internal/logging"
)

const triggerQueueSize = 256

// triggerQueue feeds flush requests to a single publishing goroutine. A key
// already waiting is not queued twice, and a full queue drops the request.
type triggerQueue struct {
	publish func(context.Context, history.Key) error
	keys    chan history.Key
	log     *zap.Logger

	mu     sync.Mutex
	queued map[history.Key]struct{}
	closed bool

	cancel context.CancelFunc
	done   chan struct{}
}

func newTriggerQueue(size int, publish func(context.Context, history.Key) error, log *zap.Logger) *triggerQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &triggerQueue{
		publish: publish,
		keys:    make(chan history.Key, size),
		log:     logging.OrNop(log),
		queued:  make(map[history.Key]struct{}),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go q.run(ctx)
	return q
}

func (q *triggerQueue) add(k history.Key) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if _, ok := q.queued[k]; ok {
		return
	}
	select {
	case q.keys <- k:
		q.queued[k] = struct{}{}
	default:
		q.log.Debug("flush request queue full", zap.String("key", k.String()))
	}
}

func (q *triggerQueue) run(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			return
		case k := <-q.keys:
			q.mu.Lock()
			delete(q.queued, k)
			q.mu.Unlock()
			if ctx.Err() != nil {
				return
			}
			if err := q.publish(ctx, k); err != nil {
				q.log.Warn("publish flush request", zap.String("key", k.String()), zap.Error(err))
			}
		}
	}
}

// close waits for an in-flight publish; nothing is published afterwards.
func (q *triggerQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	<-q.done
}

func (q *triggerQueue) waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued)
}
