// Package queue carries job submissions between the API and the worker over
// RabbitMQ. Delivery is at least once; consumers must tolerate duplicates.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"shopimage/internal/infra"
	"shopimage/internal/retry"
)

const (
	// Exchange is the topic exchange job messages are published to.
	Exchange = "shopimage.jobs"
	// SubmitRoutingKey routes submission messages to the worker queue.
	SubmitRoutingKey = "job.submit"
)

// Message is the body of a submission message. Attempt counts the failed
// deliveries that came before it.
type Message struct {
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt,omitempty"`
}

// Handler processes one message. Returning an error schedules a redelivery.
type Handler func(ctx context.Context, msg Message) error

// GiveUp is called once a message has failed MaxDeliveries times. The
// message is dropped when it returns nil.
type GiveUp func(ctx context.Context, msg Message, cause error) error

// Dial opens a connection after normalizing the URL.
func Dial(rawURL string) (*amqp.Connection, error) {
	clean, err := sanitizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp.Dial(clean)
	if err != nil {
		return nil, fmt.Errorf("queue: dial: %w", err)
	}
	return conn, nil
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if clean == "" {
		return "", errors.New("queue: AMQP_URL is required")
	}
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("queue: parse url: %w", err)
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("queue: invalid AMQP scheme: %s", parsed.Scheme)
	}
	if parsed.Path == "" {
		clean += "/"
	}
	return clean, nil
}

func declareExchange(ch *amqp.Channel) error {
	return ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil)
}

func publish(ctx context.Context, ch *amqp.Channel, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx,
		Exchange,
		SubmitRoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.JobID,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
}

// Publisher publishes submission messages.
type Publisher struct {
	mu      sync.Mutex
	channel *amqp.Channel
}

// NewPublisher opens a channel and declares the exchange.
func NewPublisher(conn *amqp.Connection) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("queue: open channel: %w", err)
	}
	if err := declareExchange(ch); err != nil {
		ch.Close()
		return nil, fmt.Errorf("queue: declare exchange: %w", err)
	}
	return &Publisher{channel: ch}, nil
}

// PublishJob enqueues a submission for jobID.
func (p *Publisher) PublishJob(ctx context.Context, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return publish(ctx, p.channel, Message{JobID: jobID})
}

// Close releases the channel.
func (p *Publisher) Close() error {
	return p.channel.Close()
}

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	Queue       string
	Concurrency int
	// MaxDeliveries bounds how often one submission is handed to the
	// handler. Defaults to 5.
	MaxDeliveries int
	// RetryDelay is the first wait before a failed message is republished.
	// It doubles per attempt up to a minute. Defaults to 2s.
	RetryDelay time.Duration
}

func (o ConsumerOptions) withDefaults() ConsumerOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 5
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 2 * time.Second
	}
	return o
}

// Consumer delivers submission messages to a Handler.
type Consumer struct {
	mu      sync.Mutex
	channel *amqp.Channel
	opts    ConsumerOptions
	logger  zerolog.Logger
}

// NewConsumer declares the durable queue, binds it and sets the prefetch to
// the concurrency so at most that many submissions run at once.
func NewConsumer(conn *amqp.Connection, opts ConsumerOptions, logger zerolog.Logger) (*Consumer, error) {
	opts = opts.withDefaults()
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("queue: open channel: %w", err)
	}
	if err := declareExchange(ch); err != nil {
		ch.Close()
		return nil, fmt.Errorf("queue: declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(opts.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("queue: declare queue: %w", err)
	}
	if err := ch.QueueBind(opts.Queue, SubmitRoutingKey, Exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("queue: bind queue: %w", err)
	}
	if err := ch.Qos(opts.Concurrency, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("queue: set qos: %w", err)
	}
	return &Consumer{
		channel: ch,
		opts:    opts,
		logger:  infra.Component(logger, "queue"),
	}, nil
}

// Run consumes until ctx is done or the channel closes. In-flight handlers
// are awaited before Run returns.
func (c *Consumer) Run(ctx context.Context, handle Handler, giveUp GiveUp) error {
	msgs, err := c.channel.Consume(c.opts.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue: consume: %w", err)
	}
	d := &dispatcher{
		handle:        handle,
		giveUp:        giveUp,
		republish:     c.republish,
		maxDeliveries: c.opts.MaxDeliveries,
		backoff:       retry.Policy{BaseDelay: c.opts.RetryDelay, MaxDelay: time.Minute},
		sleep:         sleepCtx,
		logger:        c.logger,
	}

	sem := make(chan struct{}, c.opts.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("queue: consumer shutting down")
			return nil
		case del, ok := <-msgs:
			if !ok {
				return errors.New("queue: delivery channel closed")
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(del amqp.Delivery) {
				defer func() {
					<-sem
					wg.Done()
				}()
				d.dispatch(ctx, del)
			}(del)
		}
	}
}

func (c *Consumer) republish(ctx context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return publish(ctx, c.channel, msg)
}

// Close releases the channel.
func (c *Consumer) Close() error {
	return c.channel.Close()
}

// dispatcher settles deliveries. A failed message is republished with its
// attempt count raised after a backoff, so redeliveries are bounded and
// spaced out instead of requeued in a tight loop.
type dispatcher struct {
	handle        Handler
	giveUp        GiveUp
	republish     func(ctx context.Context, msg Message) error
	maxDeliveries int
	backoff       retry.Policy
	sleep         func(ctx context.Context, d time.Duration) error
	logger        zerolog.Logger
}

func (d *dispatcher) dispatch(ctx context.Context, del amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(del.Body, &msg); err != nil || strings.TrimSpace(msg.JobID) == "" {
		d.logger.Error().Err(err).Bytes("body", del.Body).Msg("queue: dropping malformed message")
		_ = del.Nack(false, false)
		return
	}
	err := d.handle(ctx, msg)
	if err == nil {
		_ = del.Ack(false)
		return
	}
	if ctx.Err() != nil {
		_ = del.Nack(false, true)
		return
	}

	attempt := msg.Attempt + 1
	log := d.logger.With().Str("job_id", msg.JobID).Int("attempt", attempt).Logger()
	if attempt >= d.maxDeliveries {
		log.Error().Err(err).Msg("queue: delivery limit reached, giving up")
		if d.giveUp != nil {
			if gerr := d.giveUp(ctx, msg, err); gerr != nil {
				log.Error().Err(gerr).Msg("queue: give-up handler failed, requeueing")
				_ = d.sleep(ctx, d.backoff.Delay(attempt, 0))
				_ = del.Nack(false, true)
				return
			}
		}
		_ = del.Ack(false)
		return
	}

	log.Warn().Err(err).Msg("queue: handler failed, scheduling redelivery")
	if serr := d.sleep(ctx, d.backoff.Delay(attempt, 0)); serr != nil {
		_ = del.Nack(false, true)
		return
	}
	next := msg
	next.Attempt = attempt
	if perr := d.republish(ctx, next); perr != nil {
		log.Error().Err(perr).Msg("queue: republish failed, requeueing")
		_ = del.Nack(false, true)
		return
	}
	_ = del.Ack(false)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
