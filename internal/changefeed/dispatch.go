// Package changefeed applies server change-log pages to the local store.
// dispatch.go generalizes the teacher's EventLogHandlerRouter
// (internal/router/event_log_handler_router.go) from a registry keyed by
// blockchain event signature dispatching to a LogHandlerFunc, to a registry
// keyed by models.EntityKind dispatching to an ApplyFunc.
package changefeed

import (
	"fmt"

	"github.com/daylogapp/daylog-sync/internal/models"
	"github.com/daylogapp/daylog-sync/internal/store"
)

// ApplyFunc applies one Change's payload to tx for its entity kind.
type ApplyFunc func(tx store.Tx, change models.Change) error

// Dispatcher routes a Change to the ApplyFunc registered for its entity.
type Dispatcher struct {
	handlers map[models.EntityKind]ApplyFunc
}

// NewDispatcher builds the dispatcher wired for every entity the change-log
// can carry.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{handlers: map[models.EntityKind]ApplyFunc{}}
	d.Register(models.EntityEvent, applyEventChange)
	d.Register(models.EntityEventType, applyEventTypeChange)
	d.Register(models.EntityGeofence, applyGeofenceChange)
	d.Register(models.EntityPropertyDef, applyPropertyDefChange)
	return d
}

// Register binds an entity kind to its ApplyFunc, overwriting any prior
// registration — used by tests to substitute handlers.
func (d *Dispatcher) Register(entity models.EntityKind, fn ApplyFunc) {
	d.handlers[entity] = fn
}

// Apply routes change to its registered handler. An unknown entity kind is
// a Fatal condition per spec.md §7 ("unknown change entity — abort pass").
func (d *Dispatcher) Apply(tx store.Tx, change models.Change) error {
	fn, ok := d.handlers[change.Entity]
	if !ok {
		return fmt.Errorf("changefeed: no handler registered for entity %q", change.Entity)
	}
	return fn(tx, change)
}

func applyEventChange(tx store.Tx, change models.Change) error {
	if change.Op == models.ChangeDelete {
		return tx.DeleteByID(models.EntityEvent, change.ID, false)
	}
	ev, err := decodePayload[models.Event](change.Payload)
	if err != nil {
		return fmt.Errorf("changefeed: decode event %s: %w", change.ID, err)
	}
	ev.ID = change.ID
	ev.ServerRev = change.ServerRev
	ev.Dirty = false
	return tx.UpsertEvent(ev)
}

func applyEventTypeChange(tx store.Tx, change models.Change) error {
	if change.Op == models.ChangeDelete {
		return tx.DeleteByID(models.EntityEventType, change.ID, true)
	}
	et, err := decodePayload[models.EventType](change.Payload)
	if err != nil {
		return fmt.Errorf("changefeed: decode event_type %s: %w", change.ID, err)
	}
	et.ID = change.ID
	et.ServerRev = change.ServerRev
	return tx.UpsertEventType(et)
}

func applyGeofenceChange(tx store.Tx, change models.Change) error {
	if change.Op == models.ChangeDelete {
		return tx.DeleteByID(models.EntityGeofence, change.ID, true)
	}
	g, err := decodePayload[models.Geofence](change.Payload)
	if err != nil {
		return fmt.Errorf("changefeed: decode geofence %s: %w", change.ID, err)
	}
	g.ID = change.ID
	return tx.UpsertGeofence(g)
}

func applyPropertyDefChange(tx store.Tx, change models.Change) error {
	if change.Op == models.ChangeDelete {
		return tx.DeleteByID(models.EntityPropertyDef, change.ID, true)
	}
	p, err := decodePayload[models.PropertyDefinition](change.Payload)
	if err != nil {
		return fmt.Errorf("changefeed: decode property_def %s: %w", change.ID, err)
	}
	p.ID = change.ID
	return tx.UpsertPropertyDef(p)
}
