// Package outbox relays committed journal envelopes to an external broker.
// The publisher runs as an independent polling loop decoupled from command
// submission: the durable published flag on each envelope is the only
// checkpoint, so a crash or broker outage can delay delivery and cause
// duplicates, but never lose a committed event. Downstream consumers must
// deduplicate by envelope id
package outbox

import (
	"context"
	"time"

	"github.com/aneshas/eventflow"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Record is one keyed broker message. Key carries the entity id so that
// partitioned brokers keep per-entity ordering downstream
type Record struct {
	Key   string
	Value []byte
}

// Broker represents the broker client capability supplied by the embedding
// application. Any returned error is treated as the broker being
// unavailable and drives the publisher's backoff path
type Broker interface {
	Publish(ctx context.Context, topic string, rec Record) error
}

// Journal is the journal surface the publisher consumes
type Journal interface {
	Unpublished(ctx context.Context, limit int) ([]eventflow.Envelope, error)
	MarkPublished(ctx context.Context, ids ...uint64) error
}

// NewPublisher constructs an outbox publisher relaying envelopes from the
// journal to the given broker topic
func NewPublisher(journal Journal, broker Broker, topic string, opts ...Opt) *Publisher {
	cfg := Cfg{
		BatchSize:    100,
		PollInterval: 200 * time.Millisecond,
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	p := Publisher{
		journal: journal,
		broker:  broker,
		topic:   topic,
		cfg:     cfg,
		logger:  cfg.logger,
	}

	if p.logger == nil {
		p.logger = zap.NewNop()
	}

	return &p
}

// Cfg represents publisher configuration
type Cfg struct {
	BatchSize    int
	PollInterval time.Duration

	logger *zap.Logger
}

// Opt represents a publisher configuration option
type Opt func(Cfg) Cfg

// WithBatchSize bounds the number of envelopes read and published per cycle
func WithBatchSize(size int) Opt {
	return func(cfg Cfg) Cfg {
		cfg.BatchSize = size

		return cfg
	}
}

// WithPollInterval configures how often the journal is polled for new
// unpublished envelopes once the backlog is drained
func WithPollInterval(d time.Duration) Opt {
	return func(cfg Cfg) Cfg {
		cfg.PollInterval = d

		return cfg
	}
}

// WithLogger configures the logger used to report relay progress and
// broker outages
func WithLogger(logger *zap.Logger) Opt {
	return func(cfg Cfg) Cfg {
		cfg.logger = logger

		return cfg
	}
}

// Publisher is the outbox relay loop. It is logically a single consumer of
// the unpublished set - run exactly one instance per journal
type Publisher struct {
	journal Journal
	broker  Broker
	topic   string
	cfg     Cfg
	logger  *zap.Logger
}

// Run starts the relay loop and blocks until ctx is done.
// Each cycle reads a bounded batch of unpublished envelopes in global
// cursor order, publishes them one by one preserving relative order, and
// marks exactly the acknowledged prefix as published. A broker failure
// marks nothing beyond that prefix and retries the remainder after a
// jittered exponential backoff - the loop never skips ahead and never
// gives up on a committed envelope
func (p *Publisher) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		batch, err := p.journal.Unpublished(ctx, p.cfg.BatchSize)
		if err != nil {
			p.logger.Error("reading unpublished envelopes failed", zap.Error(err))

			if !p.sleep(ctx, bo.NextBackOff()) {
				return nil
			}

			continue
		}

		if len(batch) == 0 {
			bo.Reset()

			if !p.sleep(ctx, p.cfg.PollInterval) {
				return nil
			}

			continue
		}

		acked, pubErr := p.publishBatch(ctx, batch)

		if len(acked) > 0 {
			if err := p.journal.MarkPublished(ctx, acked...); err != nil {
				// The acknowledged envelopes stay unpublished and will be
				// relayed again - duplicates over loss
				p.logger.Error("marking envelopes published failed", zap.Error(err))
			}
		}

		if pubErr != nil {
			p.logger.Warn("broker unavailable, will retry",
				zap.Error(pubErr),
				zap.Int("published", len(acked)),
				zap.Int("remaining", len(batch)-len(acked)),
			)

			if !p.sleep(ctx, bo.NextBackOff()) {
				return nil
			}

			continue
		}

		bo.Reset()

		// A full batch hints at a backlog - keep draining without waiting
		if len(batch) < p.cfg.BatchSize {
			if !p.sleep(ctx, p.cfg.PollInterval) {
				return nil
			}
		}
	}
}

func (p *Publisher) publishBatch(ctx context.Context, batch []eventflow.Envelope) ([]uint64, error) {
	acked := make([]uint64, 0, len(batch))

	for _, envelope := range batch {
		rec, err := EncodeRecord(envelope)
		if err != nil {
			return acked, err
		}

		if err := p.broker.Publish(ctx, p.topic, rec); err != nil {
			return acked, err
		}

		acked = append(acked, envelope.GlobalSeq)
	}

	return acked, nil
}

func (p *Publisher) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
