package eventflow

import (
	"context"
	"fmt"
	"io"
	"time"
)

// SubAllConfig (configure using SubAllOpt)
type SubAllConfig struct {
	cursor       uint64
	batchSize    int
	pollInterval time.Duration
}

// SubAllOpt represents subscribe to all events option
type SubAllOpt func(SubAllConfig) SubAllConfig

// WithCursor is a subscription option that indicates the global cursor
// after which to start streaming envelopes (exclusive)
func WithCursor(cursor uint64) SubAllOpt {
	return func(cfg SubAllConfig) SubAllConfig {
		cfg.cursor = cursor

		return cfg
	}
}

// WithBatchSize is a subscription option that specifies the read
// batch size (limit) when polling the journal
func WithBatchSize(size int) SubAllOpt {
	return func(cfg SubAllConfig) SubAllConfig {
		cfg.batchSize = size

		return cfg
	}
}

// WithPollInterval is a subscription option that specifies the polling
// interval of the underlying journal storage
func WithPollInterval(d time.Duration) SubAllOpt {
	return func(cfg SubAllConfig) SubAllConfig {
		cfg.pollInterval = d

		return cfg
	}
}

// Subscription represents a SubscribeAll subscription that is used for
// streaming incoming envelopes
type Subscription struct {
	// Err chan will produce any errors that might occur while reading envelopes
	// If Err produces io.EOF error, that indicates that we have caught up
	// with the journal and that there are no more envelopes to read after which
	// the subscription itself will continue polling the journal for new envelopes
	// each time we empty the Err channel. This means that reading from Err (in
	// case of io.EOF) can be strategically used in order to achieve backpressure
	Err       chan error
	Envelopes chan Envelope

	close chan struct{}
}

// Close closes the subscription and halts the polling of the journal
func (s Subscription) Close() {
	if s.close == nil {
		return
	}

	s.close <- struct{}{}
}

// SubscribeAll will create a subscription which can be used to stream all
// envelopes in global cursor order. This mechanism should mostly be useful
// for building projections
func (j *Journal) SubscribeAll(ctx context.Context, opts ...SubAllOpt) (Subscription, error) {
	cfg := SubAllConfig{
		cursor:       0,
		batchSize:    100,
		pollInterval: 100 * time.Millisecond,
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	if cfg.batchSize < 1 {
		return Subscription{}, fmt.Errorf("batch size should be at least 1")
	}

	sub := Subscription{
		Err:       make(chan error, 1),
		Envelopes: make(chan Envelope, cfg.batchSize),
		close:     make(chan struct{}, 1),
	}

	go func() {
		var done error

		for {
			select {
			case <-sub.close:
				sub.Err <- ErrSubscriptionClosedByClient

				return
			case <-ctx.Done():
				sub.Err <- ctx.Err()

				return
			case <-time.After(cfg.pollInterval):
				// Make sure client reads all buffered envelopes
				if done != nil {
					if len(sub.Envelopes) != 0 {
						break
					}

					sub.Err <- done

					return
				}

				var records []journalRecord

				if err := j.db.
					Where("id > ?", cfg.cursor).
					Order("id asc").
					Limit(cfg.batchSize).
					Find(&records).Error; err != nil {
					done = storageErr(err)

					break
				}

				if len(records) == 0 {
					sub.Err <- io.EOF

					break
				}

				// The global cursor may contain gaps, so resume from the
				// last row seen rather than counting rows
				cfg.cursor = records[len(records)-1].ID

				for _, record := range records {
					envelope, err := j.toEnvelope(record, true)
					if err != nil {
						done = err

						break
					}

					sub.Envelopes <- envelope
				}
			}
		}
	}()

	return sub, nil
}
