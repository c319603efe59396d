package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"thenmore/internal/clock"
	"thenmore/internal/entity"
	"thenmore/internal/ha"
	"thenmore/internal/store"
	"thenmore/internal/timer"
)

type testEnv struct {
	server *Server
	engine *timer.Engine
	client *ha.MockClient
	clock  *clock.MockClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	client := ha.NewMockClient()
	require.NoError(t, client.Connect())
	client.SetState("light.kitchen", "off", map[string]interface{}{
		"friendly_name":         "Kitchen",
		"supported_color_modes": []interface{}{"brightness"},
	})
	client.SetState("light.porch", "off", map[string]interface{}{
		"friendly_name":         "Porch",
		"supported_color_modes": []interface{}{"onoff"},
	})
	client.SetState("switch.fan", "off", map[string]interface{}{"friendly_name": "Fan"})

	gateway := entity.NewHAGateway(client, logger, false)
	clk := clock.NewMockClock(time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC))
	engine := timer.NewEngine(gateway, store.NewMemoryStore(), nil, clk, logger, timer.Options{})
	require.NoError(t, engine.RestoreOnStartup(context.Background()))

	return &testEnv{
		server: NewServer(engine, gateway, nil, logger, 8080),
		engine: engine,
		client: client,
		clock:  clk,
	}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.server.server.Handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestHandleRun(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/timers/light.kitchen", `{"durationSeconds": 300, "ignoreWhenOn": "yes"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, map[string]string{"outcome": "armed"}, decode[map[string]string](t, w))
	assert.True(t, env.engine.IsRunning("light.kitchen"))

	// Light is on now and has a timer with a later deadline
	w = env.do(http.MethodPost, "/timers/light.kitchen", `{"durationSeconds": 60, "ignoreWhenOn": true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ignored", decode[map[string]string](t, w)["outcome"])

	w = env.do(http.MethodPost, "/timers/light.kitchen", `{"attribute": "dim", "value": 0.4, "durationSeconds": 60, "ignoreWhenOn": "yes", "overruleLonger": "yes"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "rearmed", decode[map[string]string](t, w)["outcome"])
}

func TestHandleRun_Errors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		path string
		body string
		code int
	}{
		{"unknown entity", "/timers/light.garage", `{"durationSeconds": 60}`, http.StatusNotFound},
		{"zero duration", "/timers/light.kitchen", `{"durationSeconds": 0}`, http.StatusBadRequest},
		{"malformed body", "/timers/light.kitchen", `{"durationSeconds":`, http.StatusBadRequest},
		{"bad flag", "/timers/light.kitchen", `{"durationSeconds": 60, "restore": "maybe"}`, http.StatusBadRequest},
		{"dim without level", "/timers/light.kitchen", `{"attribute": "dim", "durationSeconds": 60}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}

	assert.Empty(t, env.engine.Timers())
}

func TestHandleTimerStatusAndCancel(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/timers/switch.fan", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]bool{"running": false}, decode[map[string]bool](t, w))

	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/timers/switch.fan", `{"durationSeconds": 600}`).Code)

	w = env.do(http.MethodGet, "/timers/switch.fan", "")
	assert.Equal(t, map[string]bool{"running": true}, decode[map[string]bool](t, w))

	w = env.do(http.MethodDelete, "/timers/switch.fan", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]bool{"cancelled": true}, decode[map[string]bool](t, w))

	w = env.do(http.MethodDelete, "/timers/switch.fan", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]bool{"cancelled": false}, decode[map[string]bool](t, w))

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodDelete, "/timers/switch.garage", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, env.do(http.MethodPut, "/timers/switch.fan", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/timers/", "").Code)
}

func TestHandleListTimers(t *testing.T) {
	env := newTestEnv(t)

	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/timers/light.kitchen",
		`{"attribute": "dim", "value": 0.6, "durationSeconds": 120}`).Code)
	env.clock.Advance(20 * time.Second)

	w := env.do(http.MethodGet, "/timers", "")
	require.Equal(t, http.StatusOK, w.Code)

	timers := decode[map[string]timer.View](t, w)
	require.Contains(t, timers, "light.kitchen")
	view := timers["light.kitchen"]
	assert.Equal(t, "Kitchen", view.EntityName)
	assert.Equal(t, "dim", view.Attribute)
	assert.Equal(t, 0.6, view.TargetValue)
	assert.Equal(t, 120.0, view.DurationSeconds)
	assert.Equal(t, 100.0, view.RemainingSeconds)

	assert.Equal(t, http.StatusMethodNotAllowed, env.do(http.MethodPost, "/timers", "").Code)
}

func TestHandleListEntities(t *testing.T) {
	env := newTestEnv(t)

	ids := func(w *httptest.ResponseRecorder) []string {
		var entities []entity.Entity
		require.NoError(t, json.NewDecoder(w.Body).Decode(&entities))
		out := make([]string, 0, len(entities))
		for _, e := range entities {
			out = append(out, e.ID)
		}
		return out
	}

	assert.Equal(t, []string{"switch.fan", "light.kitchen", "light.porch"}, ids(env.do(http.MethodGet, "/entities", "")))
	assert.Equal(t, []string{"light.kitchen"}, ids(env.do(http.MethodGet, "/entities?capability=dim", "")))
	assert.Equal(t, []string{"light.porch"}, ids(env.do(http.MethodGet, "/entities?capability=onoff&q=por", "")))

	env.client.FailReads(assert.AnError)
	assert.Equal(t, http.StatusBadGateway, env.do(http.MethodGet, "/entities", "").Code)
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[map[string]any](t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, 0.0, body["timers"])

	assert.Equal(t, http.StatusMethodNotAllowed, env.do(http.MethodPost, "/health", "").Code)
}

func TestHandleSitemap(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	w := httptest.NewRecorder()
	env.server.handleSitemap(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "/timers/{entityId}")

	w = env.do(http.MethodGet, "/", "")
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, w.Body.String(), "/entities")

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/nope", "").Code)
}

func TestYesNo(t *testing.T) {
	tests := []struct {
		input string
		want  YesNo
		err   bool
	}{
		{`true`, true, false},
		{`false`, false, false},
		{`"yes"`, true, false},
		{`"YES"`, true, false},
		{`"no"`, false, false},
		{`""`, false, false},
		{`"maybe"`, false, true},
		{`1`, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var f YesNo
			err := json.Unmarshal([]byte(tt.input), &f)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, f)
		})
	}
}
