package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/suPer8Hu/vidchat/internal/logging"
)

// FlushHandler executes one flush request.
type FlushHandler func(ctx context.Context, m FlushMessage) error

// Consumer runs a fixed pool of workers over the flush queue.
type Consumer struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	queue       string
	concurrency int
	log         *zap.Logger
}

func NewConsumer(url, queue string, concurrency int, log *zap.Logger) (*Consumer, error) {
	if concurrency <= 0 {
		concurrency = 2
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := declareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Qos(concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Consumer{
		conn:        conn,
		ch:          ch,
		queue:       queue,
		concurrency: concurrency,
		log:         logging.OrNop(log).Named("flush-consumer"),
	}, nil
}

func (c *Consumer) Close() error {
	_ = c.ch.Close()
	return c.conn.Close()
}

// Run consumes until ctx is done or the broker closes the delivery channel.
// Undecodable messages and failed flushes are dead-lettered; the periodic
// sweep still covers their buffers.
func (c *Consumer) Run(ctx context.Context, handle FlushHandler) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	c.log.Info("consumer started", zap.String("queue", c.queue), zap.Int("concurrency", c.concurrency))

	jobs := make(chan amqp.Delivery, c.concurrency*2)
	var wg sync.WaitGroup
	wg.Add(c.concurrency)
	for i := 0; i < c.concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				c.deliver(ctx, workerID, d, handle)
			}
		}(i)
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			c.log.Info("consumer shutting down")
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("rabbitmq: delivery channel closed")
			}
			jobs <- d
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, workerID int, d amqp.Delivery, handle FlushHandler) {
	m, err := decodeFlush(d.Body)
	if err != nil {
		c.log.Warn("bad message", zap.Int("worker", workerID), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	if err := handle(ctx, m); err != nil {
		c.log.Warn("flush failed",
			zap.Int("worker", workerID),
			zap.String("key", m.Key().String()),
			zap.Duration("cost", time.Since(start)),
			zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	if err := d.Ack(false); err != nil {
		c.log.Warn("ack failed", zap.Int("worker", workerID), zap.String("key", m.Key().String()), zap.Error(err))
	}
}
