package eventflow

// EncodedEvent represents an encoded event produced by a specific
// codec implementation, tagged with its type name and schema version
type EncodedEvent struct {
	Data    string
	Type    string
	Version int
}

// Codec is used by the journal in order to correctly marshal
// and unmarshal event payloads. Beyond the type/version tag the
// journal treats payloads as opaque
type Codec interface {
	Encode(any) (*EncodedEvent, error)
	Decode(*EncodedEvent) (any, error)
}
