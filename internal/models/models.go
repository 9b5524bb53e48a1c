// Package models defines the entities and wire types shared by the sync
// engine's components: events, schema, pending mutations, cursors, and the
// change-log page shape returned by the server.
package models

import "time"

// PropertyType enumerates the kinds a PropertyDefinition's value can take.
type PropertyType string

const (
	PropertyText     PropertyType = "text"
	PropertyNumber   PropertyType = "number"
	PropertyBoolean  PropertyType = "boolean"
	PropertyDate     PropertyType = "date"
	PropertyDuration PropertyType = "duration"
	PropertySelect   PropertyType = "select"
	PropertyURL      PropertyType = "url"
	PropertyEmail    PropertyType = "email"
)

// TypedValue is a tagged union carried in Event.Properties, keeping
// properties map<string, TypedValue> round-trippable through JSON without
// reflection on the consumer side.
type TypedValue struct {
	Kind     PropertyType `json:"kind"`
	Text     string       `json:"text,omitempty"`
	Number   float64      `json:"number,omitempty"`
	Bool     bool         `json:"bool,omitempty"`
	Date     *time.Time   `json:"date,omitempty"`
	Duration int64        `json:"duration_ms,omitempty"`
}

// EventType is a schema parent of PropertyDefinitions.
type EventType struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Color        string `json:"color"`
	Icon         string `json:"icon"`
	DisplayOrder int    `json:"display_order"`
	ServerRev    int64  `json:"server_rev"`
}

// PropertyDefinition describes one custom field on an EventType.
type PropertyDefinition struct {
	ID           string       `json:"id"`
	EventTypeID  string       `json:"event_type_id"`
	Key          string       `json:"key"`
	Label        string       `json:"label"`
	Type         PropertyType `json:"type"`
	Options      []string     `json:"options,omitempty"`
	Default      *TypedValue  `json:"default,omitempty"`
	DisplayOrder int          `json:"display_order"`
}

// Geofence is a user-defined active region with entry/exit notification.
type Geofence struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Lat           float64 `json:"lat"`
	Lon           float64 `json:"lon"`
	RadiusM       float64 `json:"radius_m"`
	Active        bool    `json:"active"`
	NotifyOnEntry bool    `json:"notify_on_entry"`
	NotifyOnExit  bool    `json:"notify_on_exit"`
	RegionID      string  `json:"region_identifier"`
}

// Event is the core recorded activity entity (I1-I6 govern its lifecycle).
type Event struct {
	ID           string                `json:"id"`
	EventTypeID  string                `json:"event_type_id"`
	Timestamp    time.Time             `json:"timestamp"`
	EndTimestamp *time.Time            `json:"end_timestamp,omitempty"`
	AllDay       bool                  `json:"all_day"`
	Notes        string                `json:"notes,omitempty"`
	Properties   map[string]TypedValue `json:"properties,omitempty"`
	Source       string                `json:"source"`
	ServerRev    int64                 `json:"server_rev"`
	Dirty        bool                  `json:"-"`
	Deleted      bool                  `json:"-"`
}

// EntityKind enumerates the entities the sync engine moves in either
// direction. Order here is not significant; BootstrapFetch fixes its own
// entity order independently (see internal/bootstrap).
type EntityKind string

const (
	EntityEvent       EntityKind = "event"
	EntityEventType   EntityKind = "event_type"
	EntityGeofence    EntityKind = "geofence"
	EntityPropertyDef EntityKind = "property_def"
)

// MutationKind enumerates the operation a PendingMutation represents.
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// PendingMutation is a locally queued change awaiting server acknowledgment.
type PendingMutation struct {
	ID             string       `json:"id"`
	Kind           MutationKind `json:"kind"`
	Entity         EntityKind   `json:"entity"`
	TargetID       string       `json:"target_id"`
	Payload        any          `json:"payload"`
	Attempts       int          `json:"attempts"`
	LastAttemptTS  time.Time    `json:"last_attempt_ts"`
	CreatedTS      time.Time    `json:"created_ts"`
	IdempotencyKey string       `json:"idempotency_key"`
}

// SyncCursor is the single-row opaque progress marker into the server's
// change-log.
type SyncCursor struct {
	Value       int64     `json:"value"`
	LastUpdated time.Time `json:"last_updated"`
}

// HealthState is the cached reachability probe result.
type HealthState struct {
	Reachable     bool      `json:"reachable"`
	LastCheckTS   time.Time `json:"last_check_ts"`
	CaptivePortal bool      `json:"captive_portal"`
}

// ChangeOp enumerates a Change's operation.
type ChangeOp string

const (
	ChangeInsert ChangeOp = "insert"
	ChangeUpdate ChangeOp = "update"
	ChangeDelete ChangeOp = "delete"
)

// Change is a single server change-log record.
type Change struct {
	Op        ChangeOp   `json:"op"`
	Entity    EntityKind `json:"entity"`
	ID        string     `json:"id"`
	Payload   any        `json:"payload,omitempty"`
	ServerRev int64      `json:"server_rev"`
	ChangeID  int64      `json:"change_id"`
}

// Page is one page of the server change-log.
type Page struct {
	Changes    []Change `json:"changes"`
	NextCursor int64    `json:"next_cursor"`
	HasMore    bool     `json:"has_more"`
}

// ProblemDetail is the RFC 9457 error envelope returned by the server.
type ProblemDetail struct {
	Type       string       `json:"type"`
	Title      string       `json:"title"`
	Status     int          `json:"status"`
	Detail     string       `json:"detail,omitempty"`
	RequestID  string       `json:"request_id,omitempty"`
	RetryAfter float64      `json:"retry_after,omitempty"`
	Action     string       `json:"action,omitempty"`
	Errors     []FieldError `json:"errors,omitempty"`
}

// FieldError is one per-field validation failure inside a ProblemDetail.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// SyncHistoryEntry is one slot of the sync_history ring buffer.
type SyncHistoryEntry struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Status    string        `json:"status"`
	Pushed    int           `json:"pushed"`
	Pulled    int           `json:"pulled"`
	Error     string        `json:"error,omitempty"`
}

// BootstrapCounts carries the per-entity counts a BootstrapComplete event
// reports after a cold-start fetch.
type BootstrapCounts struct {
	EventTypes   int `json:"event_types"`
	Geofences    int `json:"geofences"`
	Events       int `json:"events"`
	PropertyDefs int `json:"property_defs"`
}

// BatchCreateResult is the per-item outcome of POST /events/batch.
type BatchCreateResult struct {
	Success int               `json:"success"`
	Failed  int               `json:"failed"`
	Items   []BatchCreateItem `json:"items"`
}

// BatchCreateItem is one item's status within a BatchCreateResult.
type BatchCreateItem struct {
	Status   string `json:"status"`
	ID       string `json:"id"`
	ServerID string `json:"server_id,omitempty"`
	Error    string `json:"error,omitempty"`
}
