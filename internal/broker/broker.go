// Package broker owns the AMQP connection and the chat exchange topology.
//
// One Broker holds a single long-lived connection per process. The channel
// used for publishing and the channels used for consuming are distinct, so
// publish flow-control can never head-of-line block consumption (or the
// other way around). The connection is an explicitly owned resource: it is
// dialed at startup, redialed with capped backoff when the server closes it,
// and released by Close; there is no lazily-initialized module singleton.
//
// Topology: a durable topic exchange named "chat"; one durable queue per
// conversation, named after its channel key and bound with the key as
// routing pattern. Declares are idempotent; redeclaring an existing entity
// with different durability or type fails with a channel-level
// PRECONDITION_FAILED, which callers must treat as a fatal configuration
// error rather than retry.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-relay/internal/domain"
)

// Error reports a failed broker operation. It is surfaced to HTTP callers as
// a 5xx-class failure; it is fatal to the current request, not the process.
type Error struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string { return fmt.Sprintf("broker %s: %v", e.Op, e.Err) }

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// channel is the slice of *amqp.Channel the broker uses. Tests substitute a
// fake; production code always holds the real thing.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Broker multiplexes one AMQP connection into a publish channel and
// per-queue consume channels. Safe for concurrent use.
type Broker struct {
	url string

	mu       sync.Mutex
	conn     *amqp.Connection
	pub      channel
	declared map[string]struct{} // queues known bound on the current connection
	closed   bool
}

// Dial connects to the AMQP server, opens the publish channel, and declares
// the exchange and dead-letter queue. A redial loop watches for server-side
// connection closes.
func Dial(url string) (*Broker, error) {
	b := &Broker{url: url, declared: make(map[string]struct{})}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

// connect establishes the connection, publish channel, and base topology.
func (b *Broker) connect() error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return &Error{Op: "dial", Err: err}
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return &Error{Op: "open publish channel", Err: err}
	}

	if err := declareBase(ch); err != nil {
		conn.Close()
		return err
	}

	b.mu.Lock()
	b.conn = conn
	b.pub = ch
	b.declared = make(map[string]struct{})
	b.mu.Unlock()

	go b.watch(conn)
	return nil
}

// declareBase declares the chat exchange and the dead-letter queue on ch.
func declareBase(ch channel) error {
	if err := ch.ExchangeDeclare(domain.Exchange, "topic", true, false, false, false, nil); err != nil {
		return &Error{Op: "declare exchange", Err: err}
	}
	// The dead-letter queue hangs off the default exchange; it is addressed
	// by name, never by routing pattern.
	if _, err := ch.QueueDeclare(domain.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return &Error{Op: "declare dead-letter queue", Err: err}
	}
	return nil
}

// watch redials after a server-side connection close. Backoff is capped so a
// long broker outage polls instead of spinning.
func (b *Broker) watch(conn *amqp.Connection) {
	closeErr := <-conn.NotifyClose(make(chan *amqp.Error, 1))
	if closeErr == nil {
		return // clean shutdown via Close
	}
	log.Warn().Str("reason", closeErr.Error()).Msg("broker connection lost, redialing")

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0 // retry until Close
	policy.MaxInterval = 30 * time.Second
	_ = backoff.Retry(func() error {
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return nil
		}
		if err := b.connect(); err != nil {
			log.Warn().Err(err).Msg("broker redial failed")
			return err
		}
		log.Info().Msg("broker connection restored")
		return nil
	}, policy)
}

// EnsureQueue idempotently declares the durable queue for key and binds it to
// the chat exchange with key as routing pattern. Publishing before the queue
// exists would let the exchange drop the message on the floor, so the
// publish path calls this first.
func (b *Broker) EnsureQueue(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ensureQueueLocked(key)
}

func (b *Broker) ensureQueueLocked(key string) error {
	if b.pub == nil {
		return &Error{Op: "ensure queue", Err: fmt.Errorf("not connected")}
	}
	if _, ok := b.declared[key]; ok {
		return nil
	}
	if _, err := b.pub.QueueDeclare(key, true, false, false, false, nil); err != nil {
		return &Error{Op: "declare queue " + key, Err: err}
	}
	if err := b.pub.QueueBind(key, key, domain.Exchange, false, nil); err != nil {
		return &Error{Op: "bind queue " + key, Err: err}
	}
	b.declared[key] = struct{}{}
	return nil
}

// Publish routes one envelope through the chat exchange under its canonical
// channel key, marked persistent. The queue for the key is declared and
// bound first, so a first message to a fresh conversation is never dropped.
func (b *Broker) Publish(ctx context.Context, env domain.Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return &Error{Op: "encode", Err: err}
	}
	key := env.ChannelKey()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureQueueLocked(key); err != nil {
		return err
	}
	return b.publishLocked(ctx, domain.Exchange, key, body, nil)
}

// PublishRaw publishes a pre-encoded body to exchange/key with the given
// headers. The worker uses it to republish with an attempt count and to move
// exhausted messages to the dead-letter queue (exchange "" addresses a queue
// by name).
func (b *Broker) PublishRaw(ctx context.Context, exchange, key string, body []byte, headers amqp.Table) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.publishLocked(ctx, exchange, key, body, headers)
}

func (b *Broker) publishLocked(ctx context.Context, exchange, key string, body []byte, headers amqp.Table) error {
	if b.pub == nil {
		return &Error{Op: "publish", Err: fmt.Errorf("not connected")}
	}
	err := b.pub.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		return &Error{Op: "publish " + key, Err: err}
	}
	return nil
}

// DeclareTopology declares the exchange, dead-letter queue, and each named
// per-conversation queue with its binding. The worker calls this at startup
// so its view of the topology is structurally identical to the publisher's.
func (b *Broker) DeclareTopology(queues ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pub == nil {
		return &Error{Op: "declare topology", Err: fmt.Errorf("not connected")}
	}
	if err := declareBase(b.pub); err != nil {
		return err
	}
	for _, q := range queues {
		if err := b.ensureQueueLocked(q); err != nil {
			return err
		}
	}
	return nil
}

// Consume opens a dedicated channel for queue with the given prefetch window
// and returns its delivery stream. Manual acknowledgment: the consumer owns
// Ack/Nack per message. A prefetch of 1 gives strict per-queue FIFO
// processing at the cost of throughput.
func (b *Broker) Consume(queue string, prefetch int) (<-chan amqp.Delivery, error) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return nil, &Error{Op: "consume", Err: fmt.Errorf("not connected")}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &Error{Op: "open consume channel", Err: err}
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			ch.Close()
			return nil, &Error{Op: "set prefetch", Err: err}
		}
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, &Error{Op: "consume " + queue, Err: err}
	}
	return deliveries, nil
}

// Close releases the connection. Further operations fail with a broker error.
func (b *Broker) Close() error {
	b.mu.Lock()
	b.closed = true
	conn := b.conn
	b.conn = nil
	b.pub = nil
	b.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
