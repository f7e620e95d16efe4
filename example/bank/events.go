package bank

// Event is the closed set of account domain events
type Event interface {
	EntityID() string
}

// AccountOpened domain event indicates that a new account has been opened
// with an initial balance
type AccountOpened struct {
	AccountID string
	Initial   int
}

// EntityID implements Event
func (e AccountOpened) EntityID() string { return e.AccountID }

// Deposited domain event indicates that money has been deposited
type Deposited struct {
	AccountID string
	Amount    int
}

// EntityID implements Event
func (e Deposited) EntityID() string { return e.AccountID }

// Withdrawn domain event indicates that money has been withdrawn
type Withdrawn struct {
	AccountID string
	Amount    int
}

// EntityID implements Event
func (e Withdrawn) EntityID() string { return e.AccountID }

// AccountClosed domain event is terminal - once recorded the account no
// longer exists
type AccountClosed struct {
	AccountID string
}

// EntityID implements Event
func (e AccountClosed) EntityID() string { return e.AccountID }

// Events lists all account events for codec registration
func Events() []any {
	return []any{
		AccountOpened{},
		Deposited{},
		Withdrawn{},
		AccountClosed{},
	}
}
