package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/medflow/rx-verification/pkg/config"
	"github.com/medflow/rx-verification/pkg/logger"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeadLetterExchange receives messages rejected by any consumer queue
const DeadLetterExchange = "dlx.verification"

var errClosed = errors.New("rabbitmq connection is permanently closed")

type binding struct {
	queue, exchange, key string
}

// RabbitMQ manages the connection to RabbitMQ. Exchanges, queues and
// bindings declared through it are declared again after a reconnect.
type RabbitMQ struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	config  *config.RabbitMQConfig
	logger  *logger.Logger
	mu      sync.RWMutex
	closed  bool

	exchanges []string
	queues    []string
	bindings  []binding
}

// New creates a new RabbitMQ connection
func New(cfg *config.RabbitMQConfig, log *logger.Logger) (*RabbitMQ, error) {
	rmq := &RabbitMQ{
		config: cfg,
		logger: log.WithComponent("rabbitmq"),
	}

	if err := rmq.connect(); err != nil {
		return nil, err
	}

	return rmq, nil
}

// connect dials and opens the channel. Callers hold mu or own r exclusively.
func (r *RabbitMQ) connect() error {
	conn, err := amqp.Dial(r.config.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(r.config.PrefetchCount, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	r.conn, r.channel = conn, ch
	r.logger.Info().Msg("connected to RabbitMQ")
	return nil
}

// redeclare restores the recorded topology on a fresh channel
func (r *RabbitMQ) redeclare() error {
	if len(r.queues) > 0 {
		if err := declareExchange(r.channel, DeadLetterExchange); err != nil {
			return err
		}
	}
	for _, name := range r.exchanges {
		if err := declareExchange(r.channel, name); err != nil {
			return fmt.Errorf("redeclare exchange %s: %w", name, err)
		}
	}
	for _, name := range r.queues {
		if _, err := declareQueue(r.channel, name); err != nil {
			return fmt.Errorf("redeclare queue %s: %w", name, err)
		}
	}
	for _, b := range r.bindings {
		if err := r.channel.QueueBind(b.queue, b.key, b.exchange, false, nil); err != nil {
			return fmt.Errorf("rebind %s to %s: %w", b.queue, b.exchange, err)
		}
	}
	return nil
}

// Channel returns the current channel
func (r *RabbitMQ) Channel() *amqp.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channel
}

// Close closes the RabbitMQ connection
func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true

	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("failed to close channel")
		}
	}

	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			return fmt.Errorf("failed to close connection: %w", err)
		}
	}

	r.logger.Info().Msg("RabbitMQ connection closed")
	return nil
}

// Health returns the health status of RabbitMQ
func (r *RabbitMQ) Health() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.conn == nil || r.conn.IsClosed() {
		return map[string]string{"status": "down", "error": "connection closed"}
	}
	return map[string]string{"status": "up"}
}

// DeclareExchange declares a durable topic exchange
func (r *RabbitMQ) DeclareExchange(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := declareExchange(r.channel, name); err != nil {
		return err
	}
	r.exchanges = appendUnique(r.exchanges, name)
	return nil
}

// DeclareQueue declares a durable queue whose rejected messages go to the
// dead letter exchange. The exchange and a catch-all dlq.<name> queue are
// declared alongside it.
func (r *RabbitMQ) DeclareQueue(name string) (amqp.Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := declareExchange(r.channel, DeadLetterExchange); err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to declare DLX exchange: %w", err)
	}

	dlq := "dlq." + name
	if _, err := r.channel.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to declare DLQ %s: %w", dlq, err)
	}
	if err := r.channel.QueueBind(dlq, "#", DeadLetterExchange, false, nil); err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to bind DLQ %s: %w", dlq, err)
	}

	q, err := declareQueue(r.channel, name)
	if err != nil {
		return amqp.Queue{}, err
	}
	r.queues = appendUnique(r.queues, name)
	return q, nil
}

// BindQueue binds a queue to an exchange with a routing key pattern
func (r *RabbitMQ) BindQueue(queueName, exchange, routingKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.channel.QueueBind(queueName, routingKey, exchange, false, nil); err != nil {
		return err
	}
	b := binding{queue: queueName, exchange: exchange, key: routingKey}
	for _, existing := range r.bindings {
		if existing == b {
			return nil
		}
	}
	r.bindings = append(r.bindings, b)
	return nil
}

// Reconnect dials again up to MaxRetries times and restores the topology
func (r *RabbitMQ) Reconnect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errClosed
	}

	for i := 0; i < r.config.MaxRetries; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		r.logger.Info().Int("attempt", i+1).Msg("attempting to reconnect to RabbitMQ")

		err := r.connect()
		if err == nil {
			err = r.redeclare()
		}
		if err == nil {
			return nil
		}

		r.logger.Warn().Err(err).Msg("reconnection attempt failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.config.ReconnectDelay):
		}
	}

	return fmt.Errorf("failed to reconnect after %d attempts", r.config.MaxRetries)
}

// Watch reconnects whenever the broker drops the connection, until ctx is
// done or Close is called. onReconnect runs after each successful reconnect
// and must restart consumers.
func (r *RabbitMQ) Watch(ctx context.Context, onReconnect func()) {
	go func() {
		for {
			r.mu.RLock()
			closed := r.conn.NotifyClose(make(chan *amqp.Error, 1))
			r.mu.RUnlock()

			select {
			case <-ctx.Done():
				return
			case amqpErr := <-closed:
				r.mu.RLock()
				done := r.closed
				r.mu.RUnlock()
				if done {
					return
				}

				r.logger.Warn().Interface("reason", amqpErr).Msg("RabbitMQ connection lost")
				if err := r.Reconnect(ctx); err != nil {
					r.logger.Error().Err(err).Msg("giving up on RabbitMQ")
					return
				}
				if onReconnect != nil {
					onReconnect()
				}
			}
		}
	}()
}

func declareExchange(ch *amqp.Channel, name string) error {
	return ch.ExchangeDeclare(
		name,    // name
		"topic", // type
		true,    // durable
		false,   // auto-deleted
		false,   // internal
		false,   // no-wait
		nil,     // arguments
	)
}

func declareQueue(ch *amqp.Channel, name string) (amqp.Queue, error) {
	return ch.QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange": DeadLetterExchange,
		},
	)
}

func appendUnique(list []string, name string) []string {
	for _, existing := range list {
		if existing == name {
			return list
		}
	}
	return append(list, name)
}
