package eventflow

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// EventStreamer represents an envelope stream that can be subscribed to
// This package offers Journal as the EventStreamer implementation
type EventStreamer interface {
	SubscribeAll(context.Context, ...SubAllOpt) (Subscription, error)
}

// NewProjector constructs a Projector
func NewProjector(s EventStreamer, opts ...ProjectorOpt) *Projector {
	p := Projector{
		streamer: s,
		logger:   zap.NewNop(),
	}

	for _, opt := range opts {
		opt(&p)
	}

	return &p
}

// ProjectorOpt represents a projector configuration option
type ProjectorOpt func(*Projector)

// WithProjectorLogger configures the logger used to report projection errors
func WithProjectorLogger(logger *zap.Logger) ProjectorOpt {
	return func(p *Projector) {
		p.logger = logger
	}
}

// Projector will subscribe to the journal and feed envelopes to each
// registered projection in an asynchronous manner, resubscribing with
// backoff whenever a projection or the stream errors out
type Projector struct {
	streamer    EventStreamer
	projections []Projection
	logger      *zap.Logger
}

// Projection represents a projection that should be able to handle
// projected envelopes
type Projection func(Envelope) error

// Add effectively registers a projection with the projector
// Make sure to add all of your projections before calling Run
func (p *Projector) Add(projections ...Projection) {
	p.projections = append(p.projections, projections...)
}

// Run will start the projector and block until all projections stop
func (p *Projector) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for _, projection := range p.projections {
		wg.Add(1)

		go func(projection Projection) {
			defer wg.Done()

			bo := newProjectorBackoff()

			for {
				sub, err := p.streamer.SubscribeAll(ctx)
				if err != nil {
					p.logger.Error("journal subscription failed", zap.Error(err))

					if sleepBackoff(ctx, bo) != nil {
						return
					}

					continue
				}

				err = p.run(ctx, sub, projection)

				sub.Close()

				if err == nil {
					return
				}

				p.logger.Error("projection interrupted", zap.Error(err))

				if sleepBackoff(ctx, bo) != nil {
					return
				}
			}
		}(projection)
	}

	wg.Wait()

	return nil
}

func (p *Projector) run(ctx context.Context, sub Subscription, projection Projection) error {
	for {
		select {
		case envelope := <-sub.Envelopes:
			if err := projection(envelope); err != nil {
				return err
			}

		case err := <-sub.Err:
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}

				if errors.Is(err, ErrSubscriptionClosedByClient) {
					return nil
				}

				return err
			}

		case <-ctx.Done():
			return nil
		}
	}
}

func newProjectorBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	return bo
}

func sleepBackoff(ctx context.Context, bo backoff.BackOff) error {
	next := bo.NextBackOff()
	if next == backoff.Stop {
		return ctx.Err()
	}

	select {
	case <-time.After(next):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
