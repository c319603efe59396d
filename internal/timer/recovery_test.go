package timer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thenmore/internal/store"
)

func (f *fixture) seed(t *testing.T, timers ...store.PersistedTimer) {
	t.Helper()
	require.NoError(t, f.store.Save(context.Background(), store.DefaultKey, timers))
}

func persistedTimer(entityID, attribute string, target, previous any, armedAgo, duration time.Duration) store.PersistedTimer {
	armed := testStart.Add(-armedAgo)
	return store.PersistedTimer{
		EntityID:        entityID,
		Attribute:       attribute,
		TargetValue:     target,
		PreviousValue:   previous,
		ArmedAt:         armed,
		DurationSeconds: duration.Seconds(),
		Deadline:        armed.Add(duration),
	}
}

func TestRestoreOnStartup_Overdue(t *testing.T) {
	f := newFixture(t)
	f.turnOn(204)
	f.seed(t, persistedTimer("light.kitchen", "dim", 0.8, 0.2, time.Hour, 10*time.Minute))

	require.NoError(t, f.engine.RestoreOnStartup(context.Background()))

	assert.False(t, f.engine.IsRunning("light.kitchen"))
	calls := f.client.GetServiceCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "turn_on", calls[0].Service)
	assert.Equal(t, 51, calls[0].Data["brightness"], "previous value is restored")

	assert.Empty(t, f.saved(t))
	assert.Equal(t, []string{EventTimerDeleted}, f.publisher.kinds())
	assert.Equal(t, 0, f.client.SubscriberCount("light.kitchen"))
}

func TestRestoreOnStartup_OverdueDefaultsOff(t *testing.T) {
	f := newFixture(t)
	f.client.SetState("switch.fan", "on", map[string]interface{}{"friendly_name": "Fan"})
	f.seed(t, persistedTimer("switch.fan", "onoff", true, nil, 2*time.Minute, time.Minute))

	require.NoError(t, f.engine.RestoreOnStartup(context.Background()))

	assert.Equal(t, []string{"switch.turn_off"}, f.services())
}

func TestRestoreOnStartup_PendingFiresAtPersistedDeadline(t *testing.T) {
	f := newFixture(t)
	f.client.SetState("switch.fan", "on", map[string]interface{}{"friendly_name": "Fan"})
	f.seed(t, persistedTimer("switch.fan", "onoff", true, nil, 5*time.Minute, 15*time.Minute))

	require.NoError(t, f.engine.RestoreOnStartup(context.Background()))

	require.True(t, f.engine.IsRunning("switch.fan"))
	assert.Empty(t, f.client.GetServiceCalls(), "pending timers are not re-applied")
	assert.Equal(t, 1, f.client.SubscriberCount("switch.fan"))

	view := f.engine.Timers()["switch.fan"]
	assert.Equal(t, "Fan", view.EntityName)
	assert.Equal(t, 600.0, view.RemainingSeconds)
	assert.Equal(t, 900.0, view.DurationSeconds)

	saved := f.saved(t)
	require.Len(t, saved, 1)
	assert.True(t, saved[0].Deadline.Equal(testStart.Add(10*time.Minute)))

	f.clock.Advance(10*time.Minute - time.Second)
	assert.True(t, f.engine.IsRunning("switch.fan"))

	f.clock.Advance(time.Second)
	assert.False(t, f.engine.IsRunning("switch.fan"))
	assert.Equal(t, []string{"switch.turn_off"}, f.services())
}

func TestRestoreOnStartup_PendingIsWatched(t *testing.T) {
	f := newFixture(t)
	f.client.SetState("switch.fan", "on", map[string]interface{}{"friendly_name": "Fan"})
	f.seed(t, persistedTimer("switch.fan", "onoff", true, nil, 0, 15*time.Minute))

	require.NoError(t, f.engine.RestoreOnStartup(context.Background()))

	f.client.SimulateStateChange("switch.fan", "off")
	require.Eventually(t, func() bool {
		return !f.engine.IsRunning("switch.fan")
	}, time.Second, 5*time.Millisecond)
}

func TestRestoreOnStartup_DropsMissingEntities(t *testing.T) {
	f := newFixture(t)
	f.client.SetState("switch.fan", "on", nil)
	f.seed(t,
		persistedTimer("light.removed", "onoff", true, nil, 0, 15*time.Minute),
		persistedTimer("switch.fan", "onoff", true, nil, 0, 15*time.Minute),
	)

	require.NoError(t, f.engine.RestoreOnStartup(context.Background()))

	assert.False(t, f.engine.IsRunning("light.removed"))
	assert.True(t, f.engine.IsRunning("switch.fan"))

	saved := f.saved(t)
	require.Len(t, saved, 1)
	assert.Equal(t, "switch.fan", saved[0].EntityID)
}

func TestRestoreOnStartup_Once(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.RestoreOnStartup(ctx))
	assert.True(t, errors.Is(f.engine.RestoreOnStartup(ctx), ErrAlreadyRestored))
}

func TestRestoreOnStartup_LoadFailure(t *testing.T) {
	f := newFixture(t)
	f.store.Fail(errors.New("corrupt database"))

	err := f.engine.RestoreOnStartup(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersistence))
	assert.Equal(t, 0, f.engine.registry.Len())
}

func TestRestoreOnStartup_EarlyExpiryKeepsUnprocessedEntries(t *testing.T) {
	f := newFixture(t)
	f.client.SetState("switch.fan", "on", map[string]interface{}{"friendly_name": "Fan"})
	f.turnOn(255)
	f.seed(t,
		persistedTimer("switch.fan", "onoff", true, nil, 0, time.Minute),
		persistedTimer("light.kitchen", "onoff", true, nil, 0, 15*time.Minute),
	)

	var once sync.Once
	entered := make(chan struct{})
	release := make(chan struct{})
	f.gateway.beforeGet = func(entityID string) {
		if entityID != "light.kitchen" {
			return
		}
		once.Do(func() { close(entered) })
		<-release
	}

	done := make(chan error, 1)
	go func() { done <- f.engine.RestoreOnStartup(context.Background()) }()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("restore never reached light.kitchen")
	}

	// The fan expires while the kitchen entry is still being restored
	f.clock.Advance(time.Minute)
	assert.False(t, f.engine.IsRunning("switch.fan"))
	assert.Equal(t, []string{"switch.turn_off"}, f.services())

	saved := f.saved(t)
	require.Len(t, saved, 1, "the unprocessed entry survives the expiry save")
	assert.Equal(t, "light.kitchen", saved[0].EntityID)

	close(release)
	require.NoError(t, <-done)

	assert.True(t, f.engine.IsRunning("light.kitchen"))
	saved = f.saved(t)
	require.Len(t, saved, 1)
	assert.Equal(t, "light.kitchen", saved[0].EntityID)
	assert.True(t, saved[0].Deadline.Equal(testStart.Add(15*time.Minute)))
}

func TestWithUnrestored(t *testing.T) {
	live := []store.PersistedTimer{persistedTimer("switch.fan", "onoff", true, nil, 0, time.Minute)}
	pending := map[string]store.PersistedTimer{
		"switch.fan":    persistedTimer("switch.fan", "onoff", true, nil, 0, time.Hour),
		"light.kitchen": persistedTimer("light.kitchen", "dim", 0.4, nil, 0, time.Hour),
	}

	merged := withUnrestored(live, pending)
	require.Len(t, merged, 2)
	assert.Equal(t, "light.kitchen", merged[0].EntityID)
	assert.Equal(t, "switch.fan", merged[1].EntityID)
	assert.Equal(t, 60.0, merged[1].DurationSeconds, "the live timer wins over its stale entry")

	assert.Equal(t, live, withUnrestored(live, nil))
}
