// Package pipeline implements command processing on top of the journal.
// A Processor loads an entity's recorded events, folds them into state,
// invokes the command handler and commits the produced events atomically,
// retrying the whole cycle with backoff when a concurrent writer wins the
// optimistic concurrency check
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/aneshas/eventflow"
	"github.com/cenkalti/backoff/v4"
)

// Command is a submitted input value naming a target entity plus business
// parameters. Creation commands may return an empty entity id, in which
// case the id is taken from the first produced event
type Command interface {
	EntityID() string
}

// Event is a domain event. Every event names the entity it belongs to
type Event interface {
	EntityID() string
}

// Message is an advisory value produced by command handling. Messages are
// returned to the immediate caller only - they are never persisted and
// never replayed
type Message string

// Rejection indicates that a business rule failed inside the command
// handler. No events are written and prior state is left untouched
type Rejection struct {
	Reason string
}

// Error implements the error interface
func (r Rejection) Error() string {
	return fmt.Sprintf("command rejected: %s", r.Reason)
}

// Rejectf constructs a Rejection error
func Rejectf(format string, args ...any) error {
	return Rejection{Reason: fmt.Sprintf(format, args...)}
}

// CommandHandler decides which events a command produces. The handler
// either rejects (returning a Rejection error and no events) or returns
// the events to commit plus zero or more advisory messages.
// It is re-invoked with freshly loaded state on every conflict retry, so
// it must be free of externally visible side effects.
// The scope can be used to read other data under the same atomic unit
type CommandHandler[S any, C Command, E Event] interface {
	Handle(ctx context.Context, scope eventflow.Scope, state *S, cmd C) ([]E, []Message, error)
}

// CommandHandlerFunc adapts a function to the CommandHandler interface
type CommandHandlerFunc[S any, C Command, E Event] func(ctx context.Context, scope eventflow.Scope, state *S, cmd C) ([]E, []Message, error)

// Handle implements CommandHandler
func (f CommandHandlerFunc[S, C, E]) Handle(ctx context.Context, scope eventflow.Scope, state *S, cmd C) ([]E, []Message, error) {
	return f(ctx, scope, state, cmd)
}

// EventHandler folds one event onto state. The fold must be a pure,
// deterministic function of its inputs - a nil prior state means the
// entity does not exist (yet), and returning nil marks it gone
type EventHandler[S any, E Event] interface {
	Apply(state *S, evt E) *S
}

// EventHandlerFunc adapts a function to the EventHandler interface
type EventHandlerFunc[S any, E Event] func(state *S, evt E) *S

// Apply implements EventHandler
func (f EventHandlerFunc[S, E]) Apply(state *S, evt E) *S {
	return f(state, evt)
}

// Journal is the journal surface the processor consumes
type Journal interface {
	Begin(ctx context.Context) (eventflow.Scope, error)
	LoadEvents(ctx context.Context, entityID string) iter.Seq2[eventflow.Envelope, error]
	AppendTransaction(
		ctx context.Context,
		scope eventflow.Scope,
		entityID string,
		expectedSeq uint64,
		events []eventflow.EventToAppend,
		opts ...eventflow.AppendOpt,
	) ([]eventflow.Envelope, error)
}

// Result wraps the outcome of a successfully processed command
type Result[S any] struct {
	// PreviousState is the folded state the handler decided against
	// (nil if the entity had no history)
	PreviousState *S

	// State is the folded state after the committed events
	State *S

	// Envelopes are the committed envelopes, in commit order
	Envelopes []eventflow.Envelope

	// Messages are the advisory messages the handler emitted
	Messages []Message
}

// New constructs a command processor from a journal and the command/event
// handler capabilities of the embedding application
func New[S any, C Command, E Event](
	journal Journal,
	commands CommandHandler[S, C, E],
	events EventHandler[S, E],
	opts ...Opt) *Processor[S, C, E] {

	cfg := Cfg{
		MaxRetries:   5,
		RetryBackoff: 50 * time.Millisecond,
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	return &Processor[S, C, E]{
		journal:  journal,
		commands: commands,
		events:   events,
		cfg:      cfg,
	}
}

// Cfg represents processor configuration
type Cfg struct {
	MaxRetries   uint64
	RetryBackoff time.Duration
}

// Opt represents a processor configuration option
type Opt func(Cfg) Cfg

// WithMaxRetries bounds the number of optimistic conflict retries before
// the conflict is surfaced to the caller
func WithMaxRetries(n uint64) Opt {
	return func(cfg Cfg) Cfg {
		cfg.MaxRetries = n

		return cfg
	}
}

// WithRetryBackoff configures the initial backoff interval between
// conflict retries
func WithRetryBackoff(base time.Duration) Opt {
	return func(cfg Cfg) Cfg {
		cfg.RetryBackoff = base

		return cfg
	}
}

// Processor orchestrates command processing against a single entity at a
// time. Commands against independent entities can be processed concurrently
// with no coordination - same-entity races are arbitrated by the journal
type Processor[S any, C Command, E Event] struct {
	journal  Journal
	commands CommandHandler[S, C, E]
	events   EventHandler[S, E]
	cfg      Cfg
}

// Process runs a command through the pipeline: acquire a scope, fold prior
// events into state, invoke the handler, fold the produced events and
// append them as one transaction group.
// A Rejection or storage failure is returned as-is with nothing written.
// A lost optimistic concurrency race is retried from a fresh read with
// exponential backoff and surfaced as eventflow.ErrConflict once the retry
// bound is exceeded.
// Append options (shared metadata, user/system ids) apply to every envelope
// of the transaction group
func (p *Processor[S, C, E]) Process(ctx context.Context, cmd C, opts ...eventflow.AppendOpt) (*Result[S], error) {
	var result *Result[S]

	operation := func() error {
		res, err := p.attempt(ctx, cmd, opts...)
		if err != nil {
			if errors.Is(err, eventflow.ErrConflict) {
				return err
			}

			return backoff.Permanent(err)
		}

		result = res

		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.RetryBackoff
	bo.MaxElapsedTime = 0

	err := backoff.Retry(
		operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, p.cfg.MaxRetries), ctx),
	)
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Aggregate folds the full recorded history of an entity and returns its
// current state. A nil state with a nil error means the entity does not
// exist - either it never did, or a terminal event removed it
func (p *Processor[S, C, E]) Aggregate(ctx context.Context, entityID string) (*S, error) {
	state, _, err := p.fold(ctx, entityID)

	return state, err
}

func (p *Processor[S, C, E]) attempt(ctx context.Context, cmd C, opts ...eventflow.AppendOpt) (*Result[S], error) {
	scope, err := p.journal.Begin(ctx)
	if err != nil {
		return nil, err
	}

	result, err := p.execute(ctx, scope, cmd, opts...)
	if err != nil {
		_ = scope.Rollback()

		return nil, err
	}

	if err := scope.Commit(); err != nil {
		return nil, err
	}

	return result, nil
}

func (p *Processor[S, C, E]) execute(ctx context.Context, scope eventflow.Scope, cmd C, opts ...eventflow.AppendOpt) (*Result[S], error) {
	var (
		prior   *S
		lastSeq uint64
		err     error
	)

	entityID := cmd.EntityID()

	if entityID != "" {
		prior, lastSeq, err = p.fold(ctx, entityID)
		if err != nil {
			return nil, err
		}
	}

	newEvents, messages, err := p.commands.Handle(ctx, scope, prior, cmd)
	if err != nil {
		return nil, err
	}

	if len(newEvents) == 0 {
		return &Result[S]{
			PreviousState: prior,
			State:         prior,
			Messages:      messages,
		}, nil
	}

	if entityID == "" {
		entityID = newEvents[0].EntityID()

		if entityID == "" {
			return nil, fmt.Errorf("produced events must name an entity")
		}
	}

	var (
		state    = prior
		toAppend = make([]eventflow.EventToAppend, len(newEvents))
	)

	for i, evt := range newEvents {
		state = p.events.Apply(state, evt)
		toAppend[i] = eventflow.EventToAppend{Event: evt}
	}

	envelopes, err := p.journal.AppendTransaction(ctx, scope, entityID, lastSeq, toAppend, opts...)
	if err != nil {
		return nil, err
	}

	return &Result[S]{
		PreviousState: prior,
		State:         state,
		Envelopes:     envelopes,
		Messages:      messages,
	}, nil
}

func (p *Processor[S, C, E]) fold(ctx context.Context, entityID string) (*S, uint64, error) {
	var (
		state   *S
		lastSeq uint64
	)

	for envelope, err := range p.journal.LoadEvents(ctx, entityID) {
		if err != nil {
			return nil, 0, err
		}

		evt, ok := envelope.Event.(E)
		if !ok {
			return nil, 0, fmt.Errorf("unexpected event type %q for entity %q", envelope.Type, envelope.EntityID)
		}

		state = p.events.Apply(state, evt)
		lastSeq = envelope.Sequence
	}

	return state, lastSeq, nil
}
