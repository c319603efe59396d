package timer

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"thenmore/internal/entity"
	"thenmore/internal/store"
)

// RestoreOnStartup re-arms the persisted timers. Overdue ones are reverted
// immediately, timers of entities that no longer exist are dropped, and the
// pruned snapshot is saved. It must run once, before Run or Cancel.
//
// Saves made while it runs, by a re-armed timer expiring early, still carry
// the entries not processed yet.
func (e *Engine) RestoreOnStartup(ctx context.Context) error {
	e.restoreMu.Lock()
	if e.restored {
		e.restoreMu.Unlock()
		return ErrAlreadyRestored
	}
	e.restored = true
	e.restoreMu.Unlock()

	persisted, err := e.store.Load(ctx, e.storeKey)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "load timers"), ErrPersistence)
	}

	e.persistMu.Lock()
	e.unrestored = make(map[string]store.PersistedTimer, len(persisted))
	for _, p := range persisted {
		e.unrestored[p.EntityID] = p
	}
	e.persistMu.Unlock()

	now := e.clock.Now()
	var rearmed, reverted, dropped int
	for _, p := range persisted {
		switch e.restoreOne(p, now) {
		case restoreRearmed:
			rearmed++
		case restoreReverted:
			reverted++
		default:
			dropped++
		}
	}

	e.persist(ctx)

	e.logger.Info("Timers restored",
		zap.Int("rearmed", rearmed),
		zap.Int("reverted", reverted),
		zap.Int("dropped", dropped))
	return nil
}

type restoreResult int

const (
	restoreDropped restoreResult = iota
	restoreReverted
	restoreRearmed
)

func (e *Engine) restoreOne(p store.PersistedTimer, now time.Time) restoreResult {
	unlock := e.locks.lock(p.EntityID)
	defer unlock()
	// Runs before unlock, so an expiry of this entity never saves the stale entry
	defer e.markRestored(p.EntityID)

	logger := e.logger.With(zap.String("entity_id", p.EntityID), zap.String("attribute", p.Attribute))

	name := p.EntityID
	ent, err := e.gateway.GetEntity(p.EntityID)
	switch {
	case errors.Is(err, entity.ErrNotFound):
		logger.Warn("Dropping timer for missing entity")
		return restoreDropped
	case err != nil:
		logger.Warn("Could not resolve entity, restoring anyway", zap.Error(errors.Mark(err, ErrGatewayFailure)))
	default:
		name = ent.Name
	}

	t := fromPersisted(p, name)

	if old, ok := e.registry.Remove(p.EntityID); ok {
		old.pending.Stop()
		old.watch.release(e.logger)
	}

	remaining := t.Deadline.Sub(now)
	if remaining <= 0 {
		value := t.revertValue()
		if err := e.gateway.SetAttributeValue(t.EntityID, t.Attribute, value); err != nil {
			logger.Error("Failed to revert overdue timer", zap.Error(errors.Mark(err, ErrGatewayFailure)))
		} else {
			logger.Info("Reverted overdue timer",
				zap.Any("value", value),
				zap.Duration("overdue", -remaining))
		}
		e.publishDeleted(t.EntityID, t.EntityName)
		return restoreReverted
	}

	t.watch, err = e.watch(t.EntityID, t.Attribute)
	if err != nil {
		logger.Warn("Failed to watch attribute", zap.Error(err))
	}
	e.schedule(t, remaining)
	e.registry.Put(t)

	logger.Info("Timer re-armed", zap.Duration("remaining", remaining))
	return restoreRearmed
}

func (e *Engine) markRestored(entityID string) {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	delete(e.unrestored, entityID)
}
