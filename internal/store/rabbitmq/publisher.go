package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const attemptHeader = "x-attempt"

type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// IngestMessage asks a worker to process one knowledge-base ingest job.
type IngestMessage struct {
	JobID string `json:"job_id"`
}

func RetryQueue(queue string) string { return queue + ".retry" }
func DeadLetterQueue(queue string) string { return queue + ".dlq" }

// DeclareTopology declares the main queue, its retry queue and its DLQ.
// Messages parked in the retry queue expire back into the main queue;
// rejected messages from the main queue go to the DLQ.
func DeclareTopology(ch *amqp.Channel, queue string) error {
	if _, err := ch.QueueDeclare(
		DeadLetterQueue(queue),
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		return fmt.Errorf("declare %s: %w", DeadLetterQueue(queue), err)
	}

	if _, err := ch.QueueDeclare(
		RetryQueue(queue),
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": queue,
		},
	); err != nil {
		return fmt.Errorf("declare %s: %w", RetryQueue(queue), err)
	}

	if _, err := ch.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": DeadLetterQueue(queue),
		},
	); err != nil {
		return fmt.Errorf("declare %s: %w", queue, err)
	}
	return nil
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := DeclareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *Publisher) PublishIngest(ctx context.Context, jobID string) error {
	body, err := json.Marshal(IngestMessage{JobID: jobID})
	if err != nil {
		return err
	}
	return publish(ctx, p.ch, p.queue, body, 0, "")
}

// Retry parks body in the retry queue for delay, tagged with attempt.
func Retry(ctx context.Context, ch *amqp.Channel, queue string, body []byte, attempt int, delay time.Duration) error {
	return publish(ctx, ch, RetryQueue(queue), body, attempt, strconv.FormatInt(delay.Milliseconds(), 10))
}

// Attempt reads the retry counter of a delivery; first deliveries are 0.
func Attempt(d amqp.Delivery) int {
	switch v := d.Headers[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func publish(ctx context.Context, ch *amqp.Channel, queue string, body []byte, attempt int, expiration string) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return ch.PublishWithContext(cctx,
		"",    // default exchange
		queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
			Expiration:   expiration,
			Headers:      amqp.Table{attemptHeader: int32(attempt)},
		},
	)
}
