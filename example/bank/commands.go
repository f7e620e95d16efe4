package bank

// Command is the closed set of account commands
type Command interface {
	EntityID() string
}

// OpenAccount opens a new account with an initial balance. The account id
// is assigned during handling
type OpenAccount struct {
	Initial int
}

// EntityID implements Command - empty since the account does not exist yet
func (OpenAccount) EntityID() string { return "" }

// Deposit adds money to an account
type Deposit struct {
	AccountID string
	Amount    int
}

// EntityID implements Command
func (c Deposit) EntityID() string { return c.AccountID }

// Withdraw removes money from an account
type Withdraw struct {
	AccountID string
	Amount    int
}

// EntityID implements Command
func (c Withdraw) EntityID() string { return c.AccountID }

// CloseAccount closes an account for good
type CloseAccount struct {
	AccountID string
}

// EntityID implements Command
func (c CloseAccount) EntityID() string { return c.AccountID }
