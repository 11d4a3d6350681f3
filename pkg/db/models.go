package db

import (
	"encoding/json"
	"time"
)

// CacheEntry represents a row in the cache_entries table.
type CacheEntry struct {
	Key      string          `json:"key"`
	Endpoint string          `json:"endpoint"`
	Data     json.RawMessage `json:"data"`
	Revision int             `json:"revision"`
	Created  time.Time       `json:"created"`
	Modified time.Time       `json:"modified"`
}

// ListEntriesParams filters ListEntries.
type ListEntriesParams struct {
	// Endpoint restricts results to keys derived from one endpoint name.
	Endpoint string
	// Limit caps the result size; zero means no limit.
	Limit int
}
