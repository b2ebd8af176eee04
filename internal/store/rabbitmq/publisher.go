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

type RunMessage struct {
	RunID string `json:"run_id"`
}

// Queues returns the main, retry and dead-letter queue names for queue.
func Queues(queue string) (mainQ, retryQ, dlqQ string) {
	return queue, queue + ".retry", queue + ".dlq"
}

func deadLetterTo(q string) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q,
	}
}

// DeclareQueues declares the main queue plus its .retry and .dlq companions.
// Worker and publisher both call it so either can start first.
func DeclareQueues(ch *amqp.Channel, queue string) error {
	mainQ, retryQ, dlqQ := Queues(queue)
	specs := []struct {
		name string
		args amqp.Table
	}{
		{dlqQ, nil},
		// expired retries flow back to main
		{retryQ, deadLetterTo(mainQ)},
		// nack(requeue=false) lands in the DLQ
		{mainQ, deadLetterTo(dlqQ)},
	}
	for _, s := range specs {
		if _, err := ch.QueueDeclare(s.name, true, false, false, false, s.args); err != nil {
			return fmt.Errorf("declare %s: %w", s.name, err)
		}
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
	if err := DeclareQueues(ch, queue); err != nil {
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

func EncodeRun(runID string) ([]byte, error) {
	return json.Marshal(RunMessage{RunID: runID})
}

func DecodeRun(body []byte) (string, error) {
	var m RunMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return "", err
	}
	return m.RunID, nil
}

// Attempt reads the redelivery counter stamped by Retry. Fresh messages are 0.
func Attempt(h amqp.Table) int {
	switch v := h[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// Dispatch publishes the run id for a worker to pick up.
func (p *Publisher) Dispatch(ctx context.Context, runID string) error {
	return p.publish(ctx, p.queue, runID, 0, 0)
}

// Retry parks the run on the retry queue; it returns to the main queue
// after delay.
func (p *Publisher) Retry(ctx context.Context, runID string, attempt int, delay time.Duration) error {
	_, retryQ, _ := Queues(p.queue)
	return p.publish(ctx, retryQ, runID, attempt, delay)
}

func (p *Publisher) publish(ctx context.Context, queue, runID string, attempt int, delay time.Duration) error {
	body, err := EncodeRun(runID)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{attemptHeader: int32(attempt)},
	}
	if delay > 0 {
		msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	// default exchange, routing key = queue
	return p.ch.PublishWithContext(cctx, "", queue, false, false, msg)
}
