// Package eventflow provides a durable event journal with optimistic
// concurrency over a sql backing storage (postgres or sqlite).
// Events are recorded as envelopes which carry full transaction metadata
// and a published flag used by the outbox relay.
// Mechanisms for command processing and projections are provided by the
// pipeline and outbox packages respectively
package eventflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var (
	// ErrConflict indicates that a journal entry related to a particular
	// entity sequence number already exists - a concurrent writer advanced
	// the entity past the point the caller last observed
	ErrConflict = errors.New("optimistic concurrency check failed: entity sequence exists")

	// ErrStorageUnavailable indicates that the backing storage could not
	// complete the operation. No partial writes are left behind
	ErrStorageUnavailable = errors.New("journal storage unavailable")

	// ErrEventNotRegistered indicates that an event type is not registered
	// with the codec in use
	ErrEventNotRegistered = errors.New("event not registered with the codec")

	// ErrSubscriptionClosedByClient is produced by sub.Err if client cancels
	// the subscription using sub.Close()
	ErrSubscriptionClosedByClient = errors.New("subscription closed by client")
)

const loadBatchSize = 100

// Open constructs a new journal
// codec - a specific codec implementation (see bundled JSONCodec)
func Open(codec Codec, opts ...Option) (*Journal, error) {
	if codec == nil {
		return nil, fmt.Errorf("codec implementation must be provided")
	}

	var cfg Cfg

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	if cfg.PostgresDSN == "" && cfg.SQLitePath == "" {
		return nil, fmt.Errorf("either postgres dsn or sqlite path must be provided")
	}

	var dial gorm.Dialector

	if cfg.PostgresDSN != "" {
		dial = postgres.Open(cfg.PostgresDSN)
	}

	if cfg.SQLitePath != "" {
		dial = sqlite.Open(cfg.SQLitePath)
	}

	db, err := gorm.Open(dial, &gorm.Config{})
	if err != nil {
		return nil, storageErr(err)
	}

	return &Journal{
		db:    db,
		codec: codec,
	}, db.AutoMigrate(&journalRecord{})
}

// Cfg represents journal configuration
type Cfg struct {
	PostgresDSN string
	SQLitePath  string
}

// Option represents journal configuration option
type Option func(Cfg) Cfg

// WithPostgresDB is a journal option that can be used to configure
// the journal to use postgres as a backing storage (pgx driver)
func WithPostgresDB(dsn string) Option {
	return func(cfg Cfg) Cfg {
		cfg.PostgresDSN = dsn

		return cfg
	}
}

// WithSQLiteDB is a journal option that can be used to configure
// the journal to use sqlite as a backing storage
func WithSQLiteDB(path string) Option {
	return func(cfg Cfg) Cfg {
		cfg.SQLitePath = path

		return cfg
	}
}

// Journal represents a durable append-only envelope store
type Journal struct {
	db    *gorm.DB
	codec Codec
}

// Close should be called as a part of cleanup process
// in order to close the underlying sql connection
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

// Begin acquires a new transaction scope. The scope bounds one command's
// reads and writes - events appended within it become visible atomically
// upon Commit and never otherwise
func (j *Journal) Begin(ctx context.Context) (Scope, error) {
	tx := j.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, storageErr(tx.Error)
	}

	return &TxScope{tx: tx}, nil
}

// AppendConfig (configure using AppendOpt)
type AppendConfig struct {
	meta        map[string]string
	contextData map[string]string
	userID      *string
	systemID    *string
}

// AppendOpt represents an append transaction option
type AppendOpt func(AppendConfig) AppendConfig

// WithMetaData attaches shared metadata to all envelopes of the transaction
func WithMetaData(meta map[string]string) AppendOpt {
	return func(cfg AppendConfig) AppendConfig {
		cfg.meta = meta

		return cfg
	}
}

// WithContextData attaches a shared context blob to all envelopes of the transaction
func WithContextData(data map[string]string) AppendOpt {
	return func(cfg AppendConfig) AppendConfig {
		cfg.contextData = data

		return cfg
	}
}

// WithUserID records the acting user on all envelopes of the transaction
func WithUserID(id string) AppendOpt {
	return func(cfg AppendConfig) AppendConfig {
		cfg.userID = &id

		return cfg
	}
}

// WithSystemID records the emitting system on all envelopes of the transaction
func WithSystemID(id string) AppendOpt {
	return func(cfg AppendConfig) AppendConfig {
		cfg.systemID = &id

		return cfg
	}
}

// AppendTransaction encodes the provided events and appends them to the
// journal as one transaction group - all of them commit together or not
// at all. Envelopes are numbered expectedSeq+1... and an optimistic
// concurrency check is performed using the compound (entity, sequence) key.
// expectedSeq should be 0 for new entities and the latest observed sequence
// number otherwise, or ErrConflict is returned.
// If scope is non-nil the insert happens inside it and becomes durable
// only when the scope commits
func (j *Journal) AppendTransaction(
	ctx context.Context,
	scope Scope,
	entityID string,
	expectedSeq uint64,
	events []EventToAppend,
	opts ...AppendOpt) ([]Envelope, error) {

	if len(entityID) == 0 {
		return nil, fmt.Errorf("entity id must be provided")
	}

	if len(events) == 0 {
		return nil, nil
	}

	var cfg AppendConfig

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	meta, err := marshalBlob(cfg.meta)
	if err != nil {
		return nil, err
	}

	contextData, err := marshalBlob(cfg.contextData)
	if err != nil {
		return nil, err
	}

	txID, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	var (
		records = make([]journalRecord, len(events))
		now     = time.Now().UTC()
		seq     = expectedSeq
	)

	for i, evt := range events {
		encoded, err := j.codec.Encode(evt.Event)
		if err != nil {
			return nil, err
		}

		seq++

		record := journalRecord{
			EventID:                   evt.ID,
			EntityID:                  entityID,
			SequenceNum:               seq,
			EventType:                 encoded.Type,
			Version:                   encoded.Version,
			TransactionID:             txID.String(),
			Event:                     encoded.Data,
			Metadata:                  meta,
			Context:                   contextData,
			TotalMessageInTransaction: len(events),
			NumMessageInTransaction:   i,
			EmissionDate:              now,
			UserID:                    cfg.userID,
			SystemID:                  cfg.systemID,
		}

		if record.EventID == "" {
			id, err := uuid.NewV7()
			if err != nil {
				return nil, err
			}

			record.EventID = id.String()
		}

		records[i] = record
	}

	db := j.db

	if ts, ok := scope.(*TxScope); ok && ts != nil {
		db = ts.tx
	}

	if err := db.WithContext(ctx).Create(&records).Error; err != nil {
		return nil, appendErr(err)
	}

	envelopes := make([]Envelope, len(records))

	for i, record := range records {
		envelopes[i] = Envelope{
			Event:         events[i].Event,
			Payload:       record.Event,
			ID:            record.EventID,
			GlobalSeq:     record.ID,
			EntityID:      record.EntityID,
			Sequence:      record.SequenceNum,
			Type:          record.EventType,
			Version:       record.Version,
			TransactionID: record.TransactionID,
			Meta:          cfg.meta,
			ContextData:   cfg.contextData,
			TotalInTx:     record.TotalMessageInTransaction,
			IndexInTx:     record.NumMessageInTransaction,
			EmittedAt:     record.EmissionDate,
			UserID:        record.UserID,
			SystemID:      record.SystemID,
		}
	}

	return envelopes, nil
}

// LoadEvents lazily reads all envelopes recorded for the given entity in
// ascending sequence order. The history is paginated internally so
// arbitrarily long histories can be folded without full materialization.
// An entity with no history yields an empty sequence
func (j *Journal) LoadEvents(ctx context.Context, entityID string) iter.Seq2[Envelope, error] {
	return func(yield func(Envelope, error) bool) {
		var cursor uint64

		for {
			var records []journalRecord

			err := j.db.
				WithContext(ctx).
				Where("entity_id = ? AND sequence_num > ?", entityID, cursor).
				Order("sequence_num asc").
				Limit(loadBatchSize).
				Find(&records).Error
			if err != nil {
				yield(Envelope{}, storageErr(err))

				return
			}

			if len(records) == 0 {
				return
			}

			for _, record := range records {
				envelope, err := j.toEnvelope(record, true)
				if err != nil {
					yield(Envelope{}, err)

					return
				}

				if !yield(envelope, nil) {
					return
				}
			}

			cursor = records[len(records)-1].SequenceNum
		}
	}
}

// LoadAllEvents lazily reads envelopes across all entities ordered by the
// global cursor, starting after fromCursor (exclusive). Use 0 to replay the
// journal from the beginning. The generator backing the cursor may leave
// gaps, so callers must resume from the cursor of the last envelope seen
// rather than counting rows
func (j *Journal) LoadAllEvents(ctx context.Context, fromCursor uint64) iter.Seq2[Envelope, error] {
	return func(yield func(Envelope, error) bool) {
		cursor := fromCursor

		for {
			var records []journalRecord

			err := j.db.
				WithContext(ctx).
				Where("id > ?", cursor).
				Order("id asc").
				Limit(loadBatchSize).
				Find(&records).Error
			if err != nil {
				yield(Envelope{}, storageErr(err))

				return
			}

			if len(records) == 0 {
				return
			}

			for _, record := range records {
				envelope, err := j.toEnvelope(record, true)
				if err != nil {
					yield(Envelope{}, err)

					return
				}

				if !yield(envelope, nil) {
					return
				}
			}

			cursor = records[len(records)-1].ID
		}
	}
}

// Unpublished reads the oldest batch of envelopes that have not been relayed
// to the broker yet, in ascending global cursor order. The published flag is
// the only durable checkpoint - whatever this returns after a restart is
// exactly the work remaining
func (j *Journal) Unpublished(ctx context.Context, limit int) ([]Envelope, error) {
	if limit < 1 {
		return nil, fmt.Errorf("batch limit should be at least 1")
	}

	var records []journalRecord

	err := j.db.
		WithContext(ctx).
		Where("published = ?", false).
		Order("id asc").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, storageErr(err)
	}

	envelopes := make([]Envelope, len(records))

	for i, record := range records {
		// The relay ships raw payloads, so unregistered types must not
		// stall the outbox
		envelope, err := j.toEnvelope(record, false)
		if err != nil {
			return nil, err
		}

		envelopes[i] = envelope
	}

	return envelopes, nil
}

// MarkPublished flips the published flag on the given envelopes (by global
// cursor). The operation is idempotent - envelopes already marked are left
// untouched and the flag never reverts
func (j *Journal) MarkPublished(ctx context.Context, ids ...uint64) error {
	if len(ids) == 0 {
		return nil
	}

	err := j.db.
		WithContext(ctx).
		Model(&journalRecord{}).
		Where("id IN ?", ids).
		Update("published", true).Error
	if err != nil {
		return storageErr(err)
	}

	return nil
}

func (j *Journal) toEnvelope(record journalRecord, strict bool) (Envelope, error) {
	event, err := j.codec.Decode(&EncodedEvent{
		Data:    record.Event,
		Type:    record.EventType,
		Version: record.Version,
	})
	if err != nil {
		if strict || !errors.Is(err, ErrEventNotRegistered) {
			return Envelope{}, err
		}

		event = nil
	}

	meta, err := unmarshalBlob(record.Metadata)
	if err != nil {
		return Envelope{}, err
	}

	contextData, err := unmarshalBlob(record.Context)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{
		Event:         event,
		Payload:       record.Event,
		ID:            record.EventID,
		GlobalSeq:     record.ID,
		EntityID:      record.EntityID,
		Sequence:      record.SequenceNum,
		Type:          record.EventType,
		Version:       record.Version,
		TransactionID: record.TransactionID,
		Meta:          meta,
		ContextData:   contextData,
		TotalInTx:     record.TotalMessageInTransaction,
		IndexInTx:     record.NumMessageInTransaction,
		EmittedAt:     record.EmissionDate,
		UserID:        record.UserID,
		SystemID:      record.SystemID,
		Published:     record.Published,
	}, nil
}

func marshalBlob(m map[string]string) (*string, error) {
	if m == nil {
		return nil, nil
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}

	s := string(data)

	return &s, nil
}

func unmarshalBlob(s *string) (map[string]string, error) {
	if s == nil {
		return nil, nil
	}

	var m map[string]string

	if err := json.Unmarshal([]byte(*s), &m); err != nil {
		return nil, err
	}

	return m, nil
}

func appendErr(err error) error {
	if e, ok := err.(sqlite3.Error); ok && e.Code == sqlite3.ErrConstraint {
		return ErrConflict
	}

	var pgErr *pgconn.PgError

	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConflict
	}

	return storageErr(err)
}

func storageErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}
