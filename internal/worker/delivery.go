// Package worker drains routed chat messages and makes them durable through
// the record-api. The committed record row is the system's durability
// boundary, not the broker: a delivery is acknowledged, and thereby removed
// from its queue, only after the record-api reports the message created.
//
// Failure handling comes in two modes:
//
//   - Default (MaxAttempts == 0): persistence failure nacks the delivery
//     with requeue, so the broker redelivers it until it sticks. Unbounded
//     retry is chosen over data loss; logs and metrics surface a stuck
//     message.
//   - Bounded (MaxAttempts > 0): the worker counts attempts in the
//     x-delivery-attempts header. A failed envelope is republished to its
//     own queue with the count incremented and the original acked; once the
//     budget is spent it moves to the chat.dead queue for operator triage.
//     Republishing instead of nacking is what makes the count possible;
//     AMQP redelivery carries no attempt number.
//
// Consecutive failures stretch an exponential backoff pause so a down
// record-api is polled, not hammered. The pause resets on the first success.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-relay/internal/domain"
)

// DefaultPrefetch caps unacknowledged deliveries per queue when the config
// does not say otherwise. Prefetch 1 gives strict per-channel FIFO
// processing at the cost of throughput.
const DefaultPrefetch = 10

// Broker is the slice of the broker the worker needs: startup topology,
// per-queue consumption, and raw republish for retry accounting and
// dead-lettering.
type Broker interface {
	DeclareTopology(queues ...string) error
	Consume(queue string, prefetch int) (<-chan amqp.Delivery, error)
	PublishRaw(ctx context.Context, exchange, key string, body []byte, headers amqp.Table) error
}

// Recorder persists one envelope. Implemented by the record-api client.
type Recorder interface {
	Create(ctx context.Context, env domain.Envelope) error
}

// Config controls the worker's consumption behavior.
type Config struct {
	// Queues is the set of per-conversation queues to drain.
	Queues []string

	// Prefetch bounds unacked deliveries per queue; 0 means DefaultPrefetch.
	Prefetch int

	// MaxAttempts switches on bounded retry when positive.
	MaxAttempts int
}

// Worker consumes routed messages and persists them.
type Worker struct {
	broker   Broker
	recorder Recorder
	cfg      Config
	log      zerolog.Logger

	mu      sync.Mutex
	retry   *backoff.ExponentialBackOff
	sleepFn func(ctx context.Context, d time.Duration) // test seam
}

// New builds a Worker. Queue set validation happens in Run.
func New(b Broker, r Recorder, cfg Config) *Worker {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = DefaultPrefetch
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0
	return &Worker{
		broker:   b,
		recorder: r,
		cfg:      cfg,
		log:      log.With().Str("component", "delivery-worker").Logger(),
		retry:    policy,
		sleepFn:  sleepCtx,
	}
}

// Run declares the topology, starts one drain loop per configured queue, and
// blocks until ctx is canceled or every consume stream has closed. A topology
// declare failure is returned immediately: a structural mismatch with the
// publisher's view is a fatal configuration error, not something to retry
// into. A closed stream means the broker side tore down the consumer
// (connection loss, queue deletion); once the last one is gone the worker
// cannot make progress, so Run returns an error and lets the caller exit
// non-zero for the orchestrator to restart.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.cfg.Queues) == 0 {
		return errors.New("worker: no queues configured")
	}
	if err := w.broker.DeclareTopology(w.cfg.Queues...); err != nil {
		return fmt.Errorf("worker: declare topology: %w", err)
	}

	var wg sync.WaitGroup
	closed := make(chan string, len(w.cfg.Queues))
	for _, q := range w.cfg.Queues {
		deliveries, err := w.broker.Consume(q, w.cfg.Prefetch)
		if err != nil {
			return fmt.Errorf("worker: consume %s: %w", q, err)
		}
		w.log.Info().Str("queue", q).Int("prefetch", w.cfg.Prefetch).Msg("consuming")

		wg.Add(1)
		go func(queue string, deliveries <-chan amqp.Delivery) {
			defer wg.Done()
			if w.drain(ctx, queue, deliveries) {
				closed <- queue
			}
		}(q, deliveries)
	}

	for active := len(w.cfg.Queues); active > 0; {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case q := <-closed:
			active--
			w.log.Warn().Str("queue", q).Int("active", active).Msg("consumer lost")
		}
	}
	wg.Wait()
	return errors.New("worker: all delivery streams closed")
}

// drain handles deliveries from one queue until ctx ends or the stream is
// closed by the broker side. Reports whether the stream closed.
func (w *Worker) drain(ctx context.Context, queue string, deliveries <-chan amqp.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case d, open := <-deliveries:
			if !open {
				w.log.Warn().Str("queue", queue).Msg("delivery stream closed")
				return true
			}
			w.handle(ctx, queue, d)
		}
	}
}

// handle runs the per-message state machine:
// Delivered → Persisted → Acked, or Delivered → PersistFailed → Requeued.
func (w *Worker) handle(ctx context.Context, queue string, d amqp.Delivery) {
	inflightDeliveries.Inc()
	defer inflightDeliveries.Dec()

	env, err := domain.DecodeEnvelope(d.Body)
	if err != nil {
		// An undecodable payload can never persist; requeueing it would
		// loop forever. Park it for triage.
		w.log.Error().Err(err).Str("queue", queue).Msg("undecodable delivery, dead-lettering")
		w.deadLetter(ctx, queue, d)
		return
	}

	start := time.Now()
	persistErr := w.recorder.Create(ctx, env)
	persistLatency.WithLabelValues(queue).Observe(time.Since(start).Seconds())

	if persistErr == nil {
		if err := d.Ack(false); err != nil {
			w.log.Error().Err(err).Str("queue", queue).Msg("ack failed")
			return
		}
		deliveriesTotal.WithLabelValues(queue, "acked").Inc()
		w.resetBackoff()
		w.log.Info().
			Str("queue", queue).
			Int64("user_id_send", env.UserIDSend).
			Int64("user_id_receive", env.UserIDReceive).
			Msg("message persisted")
		return
	}

	w.log.Warn().Err(persistErr).
		Str("queue", queue).
		Int64("user_id_send", env.UserIDSend).
		Int64("user_id_receive", env.UserIDReceive).
		Msg("persist failed")
	w.pause(ctx)

	if w.cfg.MaxAttempts <= 0 {
		if err := d.Nack(false, true); err != nil {
			w.log.Error().Err(err).Str("queue", queue).Msg("nack failed")
			return
		}
		deliveriesTotal.WithLabelValues(queue, "requeued").Inc()
		return
	}

	attempts := attemptsFrom(d.Headers) + 1
	if attempts >= w.cfg.MaxAttempts {
		w.log.Error().
			Str("queue", queue).
			Int("attempts", attempts).
			Msg("retry budget exhausted, dead-lettering")
		w.deadLetter(ctx, queue, d)
		return
	}

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[domain.AttemptsHeader] = int32(attempts)
	if err := w.broker.PublishRaw(ctx, "", queue, d.Body, headers); err != nil {
		// Could not republish: keep the message by falling back to requeue.
		w.log.Error().Err(err).Str("queue", queue).Msg("republish failed, requeueing")
		_ = d.Nack(false, true)
		deliveriesTotal.WithLabelValues(queue, "requeued").Inc()
		return
	}
	if err := d.Ack(false); err != nil {
		w.log.Error().Err(err).Str("queue", queue).Msg("ack after republish failed")
		return
	}
	deliveriesTotal.WithLabelValues(queue, "republished").Inc()
}

// deadLetter moves a delivery to the chat.dead queue and acks it. When even
// that publish fails, the delivery is requeued so nothing is lost.
func (w *Worker) deadLetter(ctx context.Context, queue string, d amqp.Delivery) {
	headers := amqp.Table{"x-original-queue": queue}
	for k, v := range d.Headers {
		headers[k] = v
	}
	if err := w.broker.PublishRaw(ctx, "", domain.DeadLetterQueue, d.Body, headers); err != nil {
		w.log.Error().Err(err).Str("queue", queue).Msg("dead-letter publish failed, requeueing")
		_ = d.Nack(false, true)
		deliveriesTotal.WithLabelValues(queue, "requeued").Inc()
		return
	}
	_ = d.Ack(false)
	deliveriesTotal.WithLabelValues(queue, "dead").Inc()
}

// pause sleeps for the next backoff interval, canceled by ctx.
func (w *Worker) pause(ctx context.Context) {
	w.mu.Lock()
	d := w.retry.NextBackOff()
	w.mu.Unlock()
	if d == backoff.Stop || d <= 0 {
		return
	}
	w.sleepFn(ctx, d)
}

func (w *Worker) resetBackoff() {
	w.mu.Lock()
	w.retry.Reset()
	w.mu.Unlock()
}

// attemptsFrom reads the delivery attempt count header; absent means zero.
func attemptsFrom(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	switch v := headers[domain.AttemptsHeader].(type) {
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

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
