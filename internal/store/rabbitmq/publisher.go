package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/suPer8Hu/vidchat/internal/history"
	"github.com/suPer8Hu/vidchat/internal/logging"
)

// FlushMessage asks a worker to drain one write-behind buffer.
type FlushMessage struct {
	UserID uint64         `json:"user_id"`
	Stream history.Stream `json:"stream"`
}

func (m FlushMessage) Key() history.Key {
	return history.Key{UserID: m.UserID, Stream: m.Stream}
}

func decodeFlush(body []byte) (FlushMessage, error) {
	var m FlushMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return FlushMessage{}, err
	}
	if m.UserID == 0 || !m.Stream.Valid() {
		return FlushMessage{}, fmt.Errorf("bad flush message: %s", body)
	}
	return m, nil
}

// declareTopology declares the main queue with its retry and dead-letter
// queues. Publisher and consumer must agree on it.
func declareTopology(ch *amqp.Channel, queue string) error {
	retryQ := queue + ".retry"
	dlqQ := queue + ".dlq"

	if _, err := ch.QueueDeclare(dlqQ, true, false, false, false, nil); err != nil {
		return err
	}
	// retry: message TTL, then dead-letter back to the main queue
	if _, err := ch.QueueDeclare(retryQ, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}); err != nil {
		return err
	}
	// main: nack(requeue=false) goes to the DLQ
	_, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlqQ,
	})
	return err
}

// Publisher sends flush requests to the worker queue. It implements
// history.FlushTrigger.
type Publisher struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	queue   string
	timeout time.Duration
	log     *zap.Logger

	triggers *triggerQueue
}

func NewPublisher(url, queue string, log *zap.Logger) (*Publisher, error) {
	if queue == "" {
		return nil, errors.New("rabbitmq: queue name is required")
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

	p := &Publisher{
		conn:    conn,
		ch:      ch,
		queue:   queue,
		timeout: 5 * time.Second,
		log:     logging.OrNop(log).Named("flush-publisher"),
	}
	p.triggers = newTriggerQueue(triggerQueueSize, p.PublishFlush, p.log)
	return p, nil
}

// Close stops the publishing goroutine before closing the channel.
func (p *Publisher) Close() error {
	p.triggers.close()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *Publisher) PublishFlush(ctx context.Context, k history.Key) error {
	body, err := json.Marshal(FlushMessage{UserID: k.UserID, Stream: k.Stream})
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	return p.ch.PublishWithContext(cctx,
		"",      // default exchange
		p.queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

// Trigger queues a flush request for the publishing goroutine. A dropped
// request only delays the flush until the next periodic sweep.
func (p *Publisher) Trigger(k history.Key) {
	p.triggers.add(k)
}
