package types

// Event is a typed record emitted during state transitions. Attributes are
// flat string pairs so downstream indexers can consume them without schema
// coupling.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
