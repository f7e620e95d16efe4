package outbox

import (
	"encoding/json"
	"time"

	"github.com/aneshas/eventflow"
	"github.com/relvacode/iso8601"
)

// envelopeWire is the broker wire representation of an envelope. Field
// names mirror the persisted journal columns so consumers can correlate
// records with the store
type envelopeWire struct {
	ID                        string            `json:"id"`
	GlobalSeq                 uint64            `json:"global_seq"`
	EntityID                  string            `json:"entity_id"`
	SequenceNum               uint64            `json:"sequence_num"`
	EventType                 string            `json:"event_type"`
	Version                   int               `json:"version"`
	TransactionID             string            `json:"transaction_id"`
	Event                     string            `json:"event"`
	Metadata                  map[string]string `json:"metadata,omitempty"`
	Context                   map[string]string `json:"context,omitempty"`
	TotalMessageInTransaction int               `json:"total_message_in_transaction"`
	NumMessageInTransaction   int               `json:"num_message_in_transaction"`
	EmissionDate              string            `json:"emission_date"`
	UserID                    *string           `json:"user_id,omitempty"`
	SystemID                  *string           `json:"system_id,omitempty"`
}

// EncodeRecord maps an envelope to its keyed broker record
func EncodeRecord(envelope eventflow.Envelope) (Record, error) {
	data, err := json.Marshal(envelopeWire{
		ID:                        envelope.ID,
		GlobalSeq:                 envelope.GlobalSeq,
		EntityID:                  envelope.EntityID,
		SequenceNum:               envelope.Sequence,
		EventType:                 envelope.Type,
		Version:                   envelope.Version,
		TransactionID:             envelope.TransactionID,
		Event:                     envelope.Payload,
		Metadata:                  envelope.Meta,
		Context:                   envelope.ContextData,
		TotalMessageInTransaction: envelope.TotalInTx,
		NumMessageInTransaction:   envelope.IndexInTx,
		EmissionDate:              envelope.EmittedAt.UTC().Format(time.RFC3339Nano),
		UserID:                    envelope.UserID,
		SystemID:                  envelope.SystemID,
	})
	if err != nil {
		return Record{}, err
	}

	return Record{
		Key:   envelope.EntityID,
		Value: data,
	}, nil
}

// DecodeRecord maps a broker record back to an envelope on the consumer
// side. If codec is non-nil the payload is decoded into its domain event,
// otherwise Envelope.Event is left nil and only the raw payload is carried
func DecodeRecord(data []byte, codec eventflow.Codec) (eventflow.Envelope, error) {
	var wire envelopeWire

	if err := json.Unmarshal(data, &wire); err != nil {
		return eventflow.Envelope{}, err
	}

	emittedAt, err := iso8601.ParseString(wire.EmissionDate)
	if err != nil {
		return eventflow.Envelope{}, err
	}

	var event any

	if codec != nil {
		event, err = codec.Decode(&eventflow.EncodedEvent{
			Data:    wire.Event,
			Type:    wire.EventType,
			Version: wire.Version,
		})
		if err != nil {
			return eventflow.Envelope{}, err
		}
	}

	return eventflow.Envelope{
		Event:         event,
		Payload:       wire.Event,
		ID:            wire.ID,
		GlobalSeq:     wire.GlobalSeq,
		EntityID:      wire.EntityID,
		Sequence:      wire.SequenceNum,
		Type:          wire.EventType,
		Version:       wire.Version,
		TransactionID: wire.TransactionID,
		Meta:          wire.Metadata,
		ContextData:   wire.Context,
		TotalInTx:     wire.TotalMessageInTransaction,
		IndexInTx:     wire.NumMessageInTransaction,
		EmittedAt:     emittedAt,
		UserID:        wire.UserID,
		SystemID:      wire.SystemID,
		Published:     true,
	}, nil
}
