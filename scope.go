package eventflow

import "gorm.io/gorm"

// Scope represents a bounded unit of work within which state is read
// and events are appended atomically. A scope must be finished with
// exactly one call to either Commit or Rollback
type Scope interface {
	Commit() error
	Rollback() error
}

// TxScope is the journal backed Scope implementation. Command handlers
// that need to read other data under the same atomic unit can do so
// through DB
type TxScope struct {
	tx *gorm.DB
}

// Commit commits the underlying transaction
func (s *TxScope) Commit() error {
	if err := s.tx.Commit().Error; err != nil {
		return storageErr(err)
	}

	return nil
}

// Rollback discards the underlying transaction
func (s *TxScope) Rollback() error {
	if err := s.tx.Rollback().Error; err != nil && err != gorm.ErrInvalidTransaction {
		return storageErr(err)
	}

	return nil
}

// DB exposes the transaction handle to the embedding application
func (s *TxScope) DB() *gorm.DB { return s.tx }
