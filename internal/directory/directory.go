// Package directory resolves actors and organizational units. The engine
// consumes both opaquely: an actor carries an optional unit assignment and
// role flags, a unit carries the tier used for applicability checks.
package directory

import (
	"context"
	"fmt"
	"sync"

	"github.com/gestia/tramite/model"
)

// ActorDirectory resolves actor and unit identities for the request path.
type ActorDirectory interface {
	// GetActor resolves an actor by ID.
	GetActor(ctx context.Context, actorID string) (model.Actor, error)

	// GetUnit resolves an organizational unit by ID.
	GetUnit(ctx context.Context, unitID int64) (model.Unit, error)
}

// MemoryDirectory is an in-memory ActorDirectory seeded at startup.
type MemoryDirectory struct {
	mu     sync.RWMutex
	actors map[string]model.Actor
	units  map[int64]model.Unit
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		actors: make(map[string]model.Actor),
		units:  make(map[int64]model.Unit),
	}
}

// PutActor upserts an actor.
func (d *MemoryDirectory) PutActor(a model.Actor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actors[a.ID] = a
}

// PutUnit upserts a unit.
func (d *MemoryDirectory) PutUnit(u model.Unit) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.units[u.ID] = u
}

// GetActor resolves an actor by ID.
func (d *MemoryDirectory) GetActor(_ context.Context, actorID string) (model.Actor, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	a, exists := d.actors[actorID]
	if !exists {
		return model.Actor{}, model.NewNotFoundError(
			fmt.Sprintf("actor %q not found", actorID),
		)
	}
	return a, nil
}

// GetUnit resolves an organizational unit by ID.
func (d *MemoryDirectory) GetUnit(_ context.Context, unitID int64) (model.Unit, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, exists := d.units[unitID]
	if !exists {
		return model.Unit{}, model.NewNotFoundError(
			fmt.Sprintf("unit %d not found", unitID),
		)
	}
	return u, nil
}
