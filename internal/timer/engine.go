package timer

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"thenmore/internal/clock"
	"thenmore/internal/entity"
	"thenmore/internal/store"
)

// Options configures an Engine
type Options struct {
	// StoreKey is the snapshot record name, store.DefaultKey when empty
	StoreKey string
}

// Engine arms, re-arms, cancels and expires timers. Every operation on an
// entity runs under that entity's lock, including gateway calls.
type Engine struct {
	gateway   entity.Gateway
	store     store.Store
	publisher Publisher
	clock     clock.Clock
	logger    *zap.Logger
	storeKey  string

	registry *Registry
	locks    *entityLocks

	// persistMu orders snapshot+save pairs so a later save reflects a later registry
	persistMu sync.Mutex
	// unrestored holds loaded entries RestoreOnStartup has not processed yet.
	// Every save keeps them until they are. Guarded by persistMu.
	unrestored map[string]store.PersistedTimer

	restoreMu sync.Mutex
	restored  bool

	stopped atomic.Bool
}

// NewEngine creates an Engine. A nil publisher discards events.
func NewEngine(gateway entity.Gateway, st store.Store, publisher Publisher, clk clock.Clock, logger *zap.Logger, opts Options) *Engine {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	key := opts.StoreKey
	if key == "" {
		key = store.DefaultKey
	}

	return &Engine{
		gateway:   gateway,
		store:     st,
		publisher: publisher,
		clock:     clk,
		logger:    logger.Named("timer"),
		storeKey:  key,
		registry:  NewRegistry(),
		locks:     newEntityLocks(),
	}
}

// Run applies action to the entity and schedules its reversion after duration.
//
// Unknown entities and invalid durations are returned as errors. Gateway
// failures are logged and reported as OutcomeAborted with the registry untouched.
func (e *Engine) Run(ctx context.Context, entityID string, action Action, duration time.Duration, policy Policy) (Outcome, error) {
	unlock := e.locks.lock(entityID)
	defer unlock()

	logger := e.logger.With(zap.String("entity_id", entityID), zap.String("attribute", action.Attribute))

	if e.stopped.Load() {
		logger.Warn("Engine stopped, not starting timer")
		return OutcomeAborted, nil
	}

	ent, err := e.gateway.GetEntity(entityID)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return "", err
		}
		logger.Error("Failed to resolve entity", zap.Error(errors.Mark(err, ErrGatewayFailure)))
		return OutcomeAborted, nil
	}

	if duration <= 0 {
		return "", errors.Wrapf(ErrInvalidDuration, "got %s", duration)
	}

	now := e.clock.Now()
	deadline := now.Add(duration)
	existing, hasExisting := e.registry.Get(entityID)

	engage := !ent.IsOn() ||
		!policy.IgnoreWhenOn ||
		(hasExisting && (policy.OverruleLonger || deadline.After(existing.Deadline)))
	if !engage {
		logger.Debug("Entity is on, ignoring",
			zap.Bool("has_timer", hasExisting),
			zap.Time("deadline", deadline))
		return OutcomeIgnored, nil
	}

	var (
		previous any
		w        *watch
		outcome  Outcome
	)

	if hasExisting {
		previous = existing.PreviousValue
		w = existing.watch
		existing.pending.Stop()
		outcome = OutcomeRearmed

		if existing.Attribute != action.Attribute {
			replacement, err := e.watch(entityID, action.Attribute)
			if err != nil {
				logger.Warn("Failed to watch attribute", zap.Error(err))
			}
			w.release(e.logger)
			w = replacement
		}
	} else {
		if policy.Restore && ent.IsOn() {
			previous, err = e.gateway.GetAttributeValue(entityID, action.Attribute)
			if err != nil {
				logger.Error("Failed to read current value", zap.Error(errors.Mark(err, ErrGatewayFailure)))
				return OutcomeAborted, nil
			}
		}

		if err := e.gateway.SetAttributeValue(entityID, action.Attribute, action.Value); err != nil {
			logger.Error("Failed to apply action", zap.Error(errors.Mark(err, ErrGatewayFailure)))
			return OutcomeAborted, nil
		}

		w, err = e.watch(entityID, action.Attribute)
		if err != nil {
			logger.Warn("Failed to watch attribute, external changes will not cancel the timer", zap.Error(err))
		}
		outcome = OutcomeArmed
	}

	t := &Timer{
		EntityID:      entityID,
		EntityName:    ent.Name,
		Attribute:     action.Attribute,
		TargetValue:   action.Value,
		PreviousValue: previous,
		ArmedAt:       now,
		Duration:      duration,
		Deadline:      deadline,
		watch:         w,
	}
	e.schedule(t, duration)
	e.registry.Put(t)
	e.persist(ctx)

	e.publisher.Publish(EventTimerStarted, TimerStarted{
		Timers:        e.registry.Views(now),
		Entity:        entityID,
		EntityName:    ent.Name,
		Attribute:     action.Attribute,
		Value:         action.Value,
		PreviousValue: previous,
	})

	logger.Info("Timer started",
		zap.String("outcome", string(outcome)),
		zap.Any("value", action.Value),
		zap.Any("previous_value", previous),
		zap.Duration("duration", duration))
	return outcome, nil
}

// Cancel removes the entity's timer without reverting the attribute.
// It reports whether a timer was running.
func (e *Engine) Cancel(ctx context.Context, entityID string) (bool, error) {
	unlock := e.locks.lock(entityID)
	defer unlock()

	t, ok := e.registry.Get(entityID)
	if !ok {
		if _, err := e.gateway.GetEntity(entityID); errors.Is(err, entity.ErrNotFound) {
			return false, err
		}
		e.logger.Info("No active timer to cancel", zap.String("entity_id", entityID))
		return false, nil
	}

	t.pending.Stop()
	e.cleanup(ctx, t)

	e.logger.Info("Timer cancelled", zap.String("entity_id", entityID))
	return true, nil
}

// IsRunning reports whether the entity has a timer
func (e *Engine) IsRunning(entityID string) bool {
	_, ok := e.registry.Get(entityID)
	return ok
}

// Timers returns the current timer table keyed by entity ID
func (e *Engine) Timers() map[string]View {
	return e.registry.Views(e.clock.Now())
}

// schedule arms the expiry callback of t with a fresh token
func (e *Engine) schedule(t *Timer, after time.Duration) {
	token := uuid.NewString()
	t.token = token
	t.pending = e.clock.AfterFunc(after, func() {
		e.expire(t.EntityID, token)
	})
}

// expire reverts the attribute if the token still matches the live timer
func (e *Engine) expire(entityID, token string) {
	unlock := e.locks.lock(entityID)
	defer unlock()

	if e.stopped.Load() {
		return
	}

	t, ok := e.registry.Get(entityID)
	if !ok || t.token != token {
		e.logger.Debug("Discarding stale expiry", zap.String("entity_id", entityID))
		return
	}

	e.cleanup(context.Background(), t)

	value := t.revertValue()
	if err := e.gateway.SetAttributeValue(entityID, t.Attribute, value); err != nil {
		e.logger.Error("Failed to revert attribute",
			zap.String("entity_id", entityID),
			zap.String("attribute", t.Attribute),
			zap.Error(errors.Mark(err, ErrGatewayFailure)))
		return
	}

	e.logger.Info("Timer expired",
		zap.String("entity_id", entityID),
		zap.String("attribute", t.Attribute),
		zap.Any("value", value))
}

// cleanup releases the watch, removes the timer, saves and publishes.
// The caller holds the entity lock and has stopped the pending callback.
func (e *Engine) cleanup(ctx context.Context, t *Timer) {
	t.watch.release(e.logger)
	e.registry.Remove(t.EntityID)
	e.persist(ctx)
	e.publishDeleted(t.EntityID, t.EntityName)
}

func (e *Engine) publishDeleted(entityID, name string) {
	e.publisher.Publish(EventTimerDeleted, TimerDeleted{
		Timers:     e.registry.Views(e.clock.Now()),
		Entity:     entityID,
		EntityName: name,
	})
}

// Stop halts every pending expiry and releases the watches. Timers stay in the
// store and are restored on the next start. Run is refused afterwards.
func (e *Engine) Stop() {
	e.stopped.Store(true)

	for _, t := range e.registry.All() {
		unlock := e.locks.lock(t.EntityID)
		if live, ok := e.registry.Get(t.EntityID); ok {
			live.pending.Stop()
			live.watch.release(e.logger)
		}
		unlock()
	}

	e.logger.Info("Timer engine stopped", zap.Int("timers", e.registry.Len()))
}

// persist saves the registry. Failures are logged and never abort the caller.
// The save outlives a cancelled caller context.
func (e *Engine) persist(ctx context.Context) {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	snapshot := withUnrestored(e.registry.snapshot(), e.unrestored)
	if err := e.store.Save(context.WithoutCancel(ctx), e.storeKey, snapshot); err != nil {
		e.logger.Error("Failed to save timers",
			zap.Int("timers", len(snapshot)),
			zap.Error(errors.Mark(err, ErrPersistence)))
	}
}

// withUnrestored adds the entries of pending that snapshot has no timer for
func withUnrestored(snapshot []store.PersistedTimer, pending map[string]store.PersistedTimer) []store.PersistedTimer {
	if len(pending) == 0 {
		return snapshot
	}

	live := make(map[string]bool, len(snapshot))
	for _, p := range snapshot {
		live[p.EntityID] = true
	}
	for id, p := range pending {
		if !live[id] {
			snapshot = append(snapshot, p)
		}
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].EntityID < snapshot[j].EntityID })
	return snapshot
}
