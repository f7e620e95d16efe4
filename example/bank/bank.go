// Package bank is a small event sourced account domain used to demonstrate
// the command pipeline and the outbox relay
package bank

import (
	"context"

	"github.com/aneshas/eventflow"
	"github.com/aneshas/eventflow/pipeline"
	"github.com/google/uuid"
)

// Withdrawals at or above this amount emit an advisory message
const largeWithdrawalThreshold = 1000

// Account represents current account state derived from its events
type Account struct {
	ID      string
	Balance int
}

// CommandHandler decides account commands
type CommandHandler struct{}

// Handle implements pipeline.CommandHandler
func (CommandHandler) Handle(_ context.Context, _ eventflow.Scope, state *Account, cmd Command) ([]Event, []pipeline.Message, error) {
	switch c := cmd.(type) {
	case OpenAccount:
		if state != nil {
			return nil, nil, pipeline.Rejectf("account already exists")
		}

		if c.Initial < 0 {
			return nil, nil, pipeline.Rejectf("initial balance cannot be negative")
		}

		return []Event{
			AccountOpened{
				AccountID: uuid.NewString(),
				Initial:   c.Initial,
			},
		}, nil, nil

	case Deposit:
		if state == nil {
			return nil, nil, pipeline.Rejectf("account does not exist")
		}

		if c.Amount <= 0 {
			return nil, nil, pipeline.Rejectf("deposit amount must be positive")
		}

		return []Event{
			Deposited{
				AccountID: state.ID,
				Amount:    c.Amount,
			},
		}, nil, nil

	case Withdraw:
		if state == nil {
			return nil, nil, pipeline.Rejectf("account does not exist")
		}

		if c.Amount <= 0 {
			return nil, nil, pipeline.Rejectf("withdrawal amount must be positive")
		}

		if c.Amount > state.Balance {
			return nil, nil, pipeline.Rejectf("insufficient funds: balance %d, requested %d", state.Balance, c.Amount)
		}

		var messages []pipeline.Message

		if c.Amount >= largeWithdrawalThreshold {
			messages = append(messages, "large withdrawal, consider a review")
		}

		return []Event{
			Withdrawn{
				AccountID: state.ID,
				Amount:    c.Amount,
			},
		}, messages, nil

	case CloseAccount:
		if state == nil {
			return nil, nil, pipeline.Rejectf("account does not exist")
		}

		return []Event{
			AccountClosed{
				AccountID: state.ID,
			},
		}, nil, nil

	default:
		return nil, nil, pipeline.Rejectf("unknown command")
	}
}

// EventHandler folds account events into state
type EventHandler struct{}

// Apply implements pipeline.EventHandler
func (EventHandler) Apply(state *Account, evt Event) *Account {
	switch e := evt.(type) {
	case AccountOpened:
		return &Account{
			ID:      e.AccountID,
			Balance: e.Initial,
		}

	case Deposited:
		next := *state
		next.Balance += e.Amount

		return &next

	case Withdrawn:
		next := *state
		next.Balance -= e.Amount

		return &next

	case AccountClosed:
		return nil

	default:
		return state
	}
}

// NewProcessor wires the bank handlers into a command processor
func NewProcessor(journal pipeline.Journal, opts ...pipeline.Opt) *pipeline.Processor[Account, Command, Event] {
	return pipeline.New[Account, Command, Event](journal, CommandHandler{}, EventHandler{}, opts...)
}
