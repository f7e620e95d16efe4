package eventflow

import "time"

// EventToAppend represents a domain event that is to be recorded in the journal
// as part of a single atomic transaction group
type EventToAppend struct {
	Event any

	// Optional - defaults to a fresh UUIDv7
	ID string
}

// Envelope holds one recorded event along with all of its journal metadata
type Envelope struct {
	// Event is the decoded domain event
	Event any

	// Payload is the encoded event exactly as it is stored
	Payload string

	ID            string
	GlobalSeq     uint64
	EntityID      string
	Sequence      uint64
	Type          string
	Version       int
	TransactionID string
	Meta          map[string]string
	ContextData   map[string]string
	TotalInTx     int
	IndexInTx     int
	EmittedAt     time.Time
	UserID        *string
	SystemID      *string
	Published     bool
}

type journalRecord struct {
	ID                        uint64 `gorm:"autoIncrement;primaryKey;column:id"`
	EventID                   string `gorm:"unique;column:event_id"`
	EntityID                  string `gorm:"index:idx_optimistic_check,unique;index;column:entity_id"`
	SequenceNum               uint64 `gorm:"index:idx_optimistic_check,unique;column:sequence_num"`
	EventType                 string `gorm:"column:event_type"`
	Version                   int    `gorm:"column:version"`
	TransactionID             string `gorm:"index;column:transaction_id"`
	Event                     string `gorm:"column:event"`
	Metadata                  *string
	Context                   *string
	TotalMessageInTransaction int `gorm:"column:total_message_in_transaction"`
	NumMessageInTransaction   int `gorm:"column:num_message_in_transaction"`
	EmissionDate              time.Time
	UserID                    *string `gorm:"column:user_id"`
	SystemID                  *string `gorm:"column:system_id"`
	Published                 bool    `gorm:"index"`
}

// TableName returns gorm table name
func (journalRecord) TableName() string { return "journal" }
