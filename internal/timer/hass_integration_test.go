package timer_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"thenmore/internal/clock"
	"thenmore/internal/entity"
	"thenmore/internal/ha"
	"thenmore/internal/ha/hatest"
	"thenmore/internal/store"
	"thenmore/internal/timer"
)

const testToken = "test_token_12345"

type stack struct {
	server  *hatest.Server
	client  *ha.Client
	gateway *entity.HAGateway
	store   *store.SQLiteStore
	clock   *clock.MockClock
	engine  *timer.Engine
}

func setupStack(t *testing.T) *stack {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	server := hatest.NewServer(testToken)
	t.Cleanup(server.Close)
	server.SetState("light.hallway", "off", map[string]interface{}{
		"friendly_name":         "Hallway",
		"supported_color_modes": []interface{}{"brightness"},
	})

	client := ha.NewClient(server.URL(), testToken, logger)
	require.NoError(t, client.Connect())
	t.Cleanup(func() { client.Disconnect() })

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "thenmore.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	s := &stack{
		server:  server,
		client:  client,
		gateway: entity.NewHAGateway(client, logger, false),
		store:   st,
		clock:   clock.NewMockClock(time.Now()),
	}
	s.engine = timer.NewEngine(s.gateway, st, nil, s.clock, logger, timer.Options{})
	require.NoError(t, s.engine.RestoreOnStartup(context.Background()))
	return s
}

func (s *stack) hallwayState() string {
	if state := s.server.State("light.hallway"); state != nil {
		return state.State
	}
	return ""
}

func TestIntegration_DimAndRevert(t *testing.T) {
	s := setupStack(t)
	ctx := context.Background()

	outcome, err := s.engine.Run(ctx, "light.hallway", timer.DimAction(0.5), 10*time.Minute, timer.Policy{Restore: true})
	require.NoError(t, err)
	assert.Equal(t, timer.OutcomeArmed, outcome)

	require.Eventually(t, func() bool { return s.hallwayState() == "on" }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 128.0, s.server.State("light.hallway").Attributes["brightness"])

	// The echo of our own write must not cancel the timer
	time.Sleep(50 * time.Millisecond)
	require.True(t, s.engine.IsRunning("light.hallway"))

	s.clock.Advance(10 * time.Minute)
	assert.False(t, s.engine.IsRunning("light.hallway"))
	require.Eventually(t, func() bool { return s.hallwayState() == "off" }, time.Second, 10*time.Millisecond)

	persisted, err := s.store.Load(ctx, store.DefaultKey)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestIntegration_ExternalSwitchOffCancels(t *testing.T) {
	s := setupStack(t)

	_, err := s.engine.Run(context.Background(), "light.hallway", timer.OnOffAction(), 10*time.Minute, timer.Policy{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.hallwayState() == "on" }, time.Second, 10*time.Millisecond)

	// Someone flips the wall switch
	s.server.SetState("light.hallway", "off", map[string]interface{}{
		"friendly_name":         "Hallway",
		"supported_color_modes": []interface{}{"brightness"},
	})

	require.Eventually(t, func() bool {
		return !s.engine.IsRunning("light.hallway")
	}, time.Second, 10*time.Millisecond)

	calls := len(s.server.ServiceCalls())
	s.clock.Advance(10 * time.Minute)
	assert.Len(t, s.server.ServiceCalls(), calls, "a cancelled timer never reverts")
}

func TestIntegration_RecoveryAfterRestart(t *testing.T) {
	s := setupStack(t)
	ctx := context.Background()
	logger := zap.NewNop()

	_, err := s.engine.Run(ctx, "light.hallway", timer.OnOffAction(), 5*time.Minute, timer.Policy{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.hallwayState() == "on" }, time.Second, 10*time.Millisecond)

	// A new process starts after the deadline passed
	restarted := clock.NewMockClock(s.clock.Now().Add(time.Hour))
	engine := timer.NewEngine(s.gateway, s.store, nil, restarted, logger, timer.Options{})
	require.NoError(t, engine.RestoreOnStartup(ctx))

	assert.False(t, engine.IsRunning("light.hallway"))
	require.Eventually(t, func() bool { return s.hallwayState() == "off" }, time.Second, 10*time.Millisecond)
}
