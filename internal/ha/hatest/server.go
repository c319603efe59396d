// Package hatest provides an in-process Home Assistant WebSocket server for
// tests that exercise the real ha.Client.
package hatest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"thenmore/internal/ha"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *connWrapper) write(msg ha.Message) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.WriteJSON(msg)
}

// ServiceCall is a call_service request received by the server
type ServiceCall struct {
	Domain      string
	Service     string
	ServiceData map[string]interface{}
	Timestamp   time.Time
}

// Server simulates the subset of the Home Assistant WebSocket API used by
// the gateway: auth, get_states, subscribe_events and call_service on
// switch-like domains, with state_changed broadcasts.
type Server struct {
	token  string
	server *httptest.Server

	statesMu sync.RWMutex
	states   map[string]*ha.State

	connsMu     sync.Mutex
	connections []*connWrapper

	callsMu      sync.Mutex
	serviceCalls []ServiceCall
}

// NewServer starts a server accepting token
func NewServer(token string) *Server {
	s := &Server{
		token:  token,
		states: make(map[string]*ha.State),
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	return s
}

// URL returns the websocket URL for ha.NewClient
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/websocket"
}

// Close drops every connection and stops the server
func (s *Server) Close() {
	s.connsMu.Lock()
	for _, wrapper := range s.connections {
		wrapper.conn.Close()
	}
	s.connections = nil
	s.connsMu.Unlock()

	s.server.Close()
}

// SetState stores a state and broadcasts the change
func (s *Server) SetState(entityID, state string, attributes map[string]interface{}) {
	if attributes == nil {
		attributes = make(map[string]interface{})
	}

	now := time.Now()
	newState := &ha.State{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}

	s.statesMu.Lock()
	oldState := s.states[entityID]
	s.states[entityID] = newState
	s.statesMu.Unlock()

	s.broadcastStateChange(entityID, oldState, newState)
}

// State returns the stored state of an entity, nil if unknown
func (s *Server) State(entityID string) *ha.State {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	return s.states[entityID]
}

// ServiceCalls returns every call_service request received
func (s *Server) ServiceCalls() []ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	calls := make([]ServiceCall, len(s.serviceCalls))
	copy(calls, s.serviceCalls)
	return calls
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	wrapper := &connWrapper{conn: conn}
	defer func() {
		s.connsMu.Lock()
		for i, c := range s.connections {
			if c == wrapper {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.connsMu.Unlock()
		conn.Close()
	}()

	wrapper.write(ha.Message{Type: "auth_required"})

	var authMsg ha.AuthMessage
	if err := conn.ReadJSON(&authMsg); err != nil {
		return
	}
	if authMsg.AccessToken != s.token {
		wrapper.write(ha.Message{Type: "auth_invalid"})
		return
	}
	wrapper.write(ha.Message{Type: "auth_ok"})

	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	for {
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			return
		}

		var base struct {
			ID   int    `json:"id"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &base); err != nil {
			continue
		}

		switch base.Type {
		case "get_states":
			s.handleGetStates(wrapper, base.ID)
		case "call_service":
			s.handleCallService(wrapper, raw)
		default:
			success := true
			wrapper.write(ha.Message{ID: base.ID, Type: "result", Success: &success})
		}
	}
}

func (s *Server) handleGetStates(wrapper *connWrapper, id int) {
	s.statesMu.RLock()
	states := make([]*ha.State, 0, len(s.states))
	for _, state := range s.states {
		states = append(states, state)
	}
	s.statesMu.RUnlock()

	statesJSON, _ := json.Marshal(states)
	success := true
	wrapper.write(ha.Message{ID: id, Type: "result", Success: &success, Result: statesJSON})
}

func (s *Server) handleCallService(wrapper *connWrapper, raw json.RawMessage) {
	var req ha.CallServiceRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}

	s.callsMu.Lock()
	s.serviceCalls = append(s.serviceCalls, ServiceCall{
		Domain:      req.Domain,
		Service:     req.Service,
		ServiceData: req.ServiceData,
		Timestamp:   time.Now(),
	})
	s.callsMu.Unlock()

	// Acknowledge before broadcasting, as Home Assistant does
	success := true
	wrapper.write(ha.Message{ID: req.ID, Type: "result", Success: &success})

	entityID, _ := req.ServiceData["entity_id"].(string)
	old := s.State(entityID)
	if old == nil {
		return
	}

	attributes := make(map[string]interface{}, len(old.Attributes))
	for k, v := range old.Attributes {
		attributes[k] = v
	}

	switch req.Service {
	case "turn_on":
		if brightness, ok := req.ServiceData["brightness"]; ok {
			attributes["brightness"] = brightness
		} else if req.Domain == "light" {
			attributes["brightness"] = 255.0
		}
		s.SetState(entityID, "on", attributes)
	case "turn_off":
		delete(attributes, "brightness")
		s.SetState(entityID, "off", attributes)
	}
}

func (s *Server) broadcastStateChange(entityID string, oldState, newState *ha.State) {
	data, _ := json.Marshal(ha.StateChangedEvent{
		EntityID: entityID,
		NewState: newState,
		OldState: oldState,
	})

	msg := ha.Message{
		Type: "event",
		Event: &ha.Event{
			EventType: "state_changed",
			Data:      data,
			Origin:    "LOCAL",
			TimeFired: time.Now(),
		},
	}

	s.connsMu.Lock()
	wrappers := make([]*connWrapper, len(s.connections))
	copy(wrappers, s.connections)
	s.connsMu.Unlock()

	for _, wrapper := range wrappers {
		wrapper.write(msg)
	}
}
