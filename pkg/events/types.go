// Package events defines store change events and the publishers that
// announce them.
package events

// Store tables.
const (
	TableLoaders = "loaders"
	TableData    = "data"
)

// Change operations.
const (
	OpSet    = "set"
	OpDelete = "delete"
)

// StoreChangedEvent is emitted when a loader or data entry changes.
type StoreChangedEvent struct {
	Table string `json:"table"`
	ID    string `json:"id"`
	Op    string `json:"op"`
	// Status is the loader status after the change; empty for data entries.
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
	Revision  uint64 `json:"revision"`
	Timestamp string `json:"timestamp"`
}
