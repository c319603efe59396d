package timer

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"thenmore/internal/entity"
)

// watch cancels a timer when its attribute is turned off by someone else
type watch struct {
	id        string
	entityID  string
	attribute string

	once sync.Once
	sub  entity.Subscription
}

// release unsubscribes. Safe to call more than once and on a nil watch.
func (w *watch) release(logger *zap.Logger) {
	if w == nil {
		return
	}
	w.once.Do(func() {
		if w.sub == nil {
			return
		}
		if err := w.sub.Unsubscribe(); err != nil {
			logger.Warn("Failed to release watch",
				zap.String("entity_id", w.entityID),
				zap.Error(err))
		}
	})
}

// watch subscribes to attribute changes of an entity
func (e *Engine) watch(entityID, attribute string) (*watch, error) {
	w := &watch{
		id:        uuid.NewString(),
		entityID:  entityID,
		attribute: attribute,
	}

	sub, err := e.gateway.SubscribeAttribute(entityID, attribute, func(value any) {
		if entity.Truthy(value) {
			return
		}
		// Gateway callbacks run on its delivery goroutine; cancelling takes the
		// entity lock, which may be held by a caller waiting on that goroutine.
		go e.cancelFromListener(entityID, w.id)
	})
	if err != nil {
		return nil, err
	}
	w.sub = sub
	return w, nil
}

// cancelFromListener cancels the timer if it still owns the watch that fired
func (e *Engine) cancelFromListener(entityID, watchID string) {
	unlock := e.locks.lock(entityID)
	defer unlock()

	if e.stopped.Load() {
		return
	}

	t, ok := e.registry.Get(entityID)
	if !ok || t.watch == nil || t.watch.id != watchID {
		e.logger.Debug("Ignoring change for released watch",
			zap.String("entity_id", entityID),
			zap.String("watch_id", watchID))
		return
	}

	t.pending.Stop()
	e.cleanup(context.Background(), t)

	e.logger.Info("Timer cancelled by external change",
		zap.String("entity_id", entityID),
		zap.String("attribute", t.Attribute))
}
