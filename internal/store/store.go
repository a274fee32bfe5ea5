// Package store provides event persistence using SQLite.
package store

import (
	"context"
	"time"
)

// Message is one entry of an Event's messages array. Content is redacted
// to "[REDACTED]" unless the flow was captured with debug mode or
// capture_full, but Role and structural keys always survive redaction.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// EventContext is the denormalised program/project/session/tags/custom
// label set attached to an Event, mirroring internal/context.Context.
type EventContext struct {
	Program string         `json:"program"`
	Project string         `json:"project"`
	Session string         `json:"session"`
	Tags    []string       `json:"tags,omitempty"`
	Custom  map[string]any `json:"custom,omitempty"`
}

// Event is the persisted record for one intercepted request/response.
type Event struct {
	ID                  string
	Timestamp           time.Time
	DurationMs          int64
	ProviderID          string
	Model               string
	InputTokens         int
	OutputTokens        int
	TotalTokens         int
	CacheCreationTokens int
	CacheReadTokens     int
	ResponseStatus      int
	Streaming           bool
	Truncated           bool
	ClientType          string
	DeviceID            string
	IsTokenConsuming    bool
	HasBudgetTokens     bool
	TokensEstimated     bool // InputTokens/TotalTokens are a text_sample-derived estimate, not provider-reported usage
	EstimatedCost       *float64
	CaptureMode         string
	Context             EventContext
	Program             string
	Project             string

	Messages        []Message
	System          *string
	Tools           []map[string]any
	Thinking        *string
	RequestMetadata map[string]any
	RawRequest      []byte
	RawResponse     []byte

	CreatedAt time.Time
	ExpiresAt *time.Time
}

// Device is a registry entry keyed by device id, separate from Event:
// events reference a device by id but do not own its lifecycle.
type Device struct {
	ID        string
	Name      *string
	SessionID *string
	OS        string
	IP        string
	UserAgent string
	Browser   string
	FirstSeen time.Time
	LastSeen  time.Time
}

// EventFilter narrows EventStore.FindEvents. A nil/zero field means
// unfiltered on that dimension.
type EventFilter struct {
	ProviderID       *string
	Model            *string
	Program          *string
	Project          *string
	DeviceID         *string
	IsTokenConsuming *bool
	StartTime        *time.Time
	EndTime          *time.Time
	Limit            int
	Offset           int
}

// EventStore is the append-only document collection the core requires:
// insert, filtered find, and maintenance. It intentionally has no update
// or delete-by-id — events are immutable once accepted by the sink.
type EventStore interface {
	InsertEvent(ctx context.Context, ev *Event) error
	FindEvents(ctx context.Context, filter EventFilter) ([]*Event, error)
	CountEvents(ctx context.Context, filter EventFilter) (int, error)

	UpsertDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	ListDevices(ctx context.Context) ([]*Device, error)
	RenameDevice(ctx context.Context, id, name string) error

	RunRetention(ctx context.Context) (deleted int64, err error)
	DeleteAllEvents(ctx context.Context) error
	Close() error
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
