package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"rtio-observer/internal/command"
	"rtio-observer/internal/protocol"
	"rtio-observer/internal/session"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBufSize   = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Server manages WebSocket connections and routes messages between clients,
// the observation manager and the device command client.
type Server struct {
	observations *session.Manager
	commands     *command.Client
	staticDir    string
	log          zerolog.Logger

	clients   map[*client]bool
	clientsMu sync.RWMutex

	// subscriptions tracks which event subscriptions exist per client.
	// key: client, value: map[observationID]subscriptionID
	subscriptions   map[*client]map[string]string
	subscriptionsMu sync.Mutex

	defaultDeviceMu sync.RWMutex
	defaultDevice   string
}

type client struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	server    *Server
}

// New creates a new realtime server.
func New(observations *session.Manager, commands *command.Client, staticDir string, log zerolog.Logger) *Server {
	return &Server{
		observations:  observations,
		commands:      commands,
		staticDir:     staticDir,
		log:           log.With().Str("component", "realtime").Logger(),
		clients:       make(map[*client]bool),
		subscriptions: make(map[*client]map[string]string),
	}
}

// SetDefaultDevice sets the device observed or switched when a REST request
// names none.
func (s *Server) SetDefaultDevice(deviceID string) {
	s.defaultDeviceMu.Lock()
	s.defaultDevice = deviceID
	s.defaultDeviceMu.Unlock()
}

func (s *Server) resolveDevice(deviceID string) string {
	if deviceID != "" {
		return deviceID
	}
	s.defaultDeviceMu.RLock()
	defer s.defaultDeviceMu.RUnlock()
	return s.defaultDevice
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("POST /observations", s.handleCreateObservation)
	mux.HandleFunc("GET /observations", s.handleListObservations)
	mux.HandleFunc("GET /observations/{id}", s.handleGetObservation)
	mux.HandleFunc("GET /observations/{id}/events", s.handleObservationEvents)
	mux.HandleFunc("DELETE /observations/{id}", s.handleCancelObservation)
	mux.HandleFunc("POST /devices/{deviceId}/switch", s.handleSwitch)

	// Static file serving.
	if s.staticDir != "" {
		fileServer := http.FileServer(http.Dir(s.staticDir))
		mux.Handle("/", fileServer)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBufSize),
		done:   make(chan struct{}),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	s.subscriptions[c] = make(map[string]string)
	s.subscriptionsMu.Unlock()

	go c.writePump()

	// Send current observation list to new client.
	s.sendObservationList(c)

	// Subscribe new client to all running observations so it receives their
	// events, including what they recorded before this connection.
	s.subscribeClientToActiveObservations(c)

	go c.readPump()
}

// sendObservationList sends the current observation state to a client.
func (s *Server) sendObservationList(c *client) {
	for _, info := range s.observations.List() {
		msg, err := protocol.NewMessage(protocol.TypeObservationUpdate, updatePayload(info))
		if err != nil {
			continue
		}
		c.sendMessage(msg)
	}
}

func updatePayload(info session.Info) protocol.ObservationUpdatePayload {
	return protocol.ObservationUpdatePayload{
		ID:        info.ID,
		State:     string(info.State),
		DeviceID:  info.DeviceID,
		URI:       info.URI,
		CreatedAt: info.CreatedAt.Format(time.RFC3339Nano),
	}
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// trySend queues data for the client, dropping it if the buffer is full or
// the client is gone.
func (c *client) trySend(data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		// Client buffer full, skip.
	}
}

func (c *client) sendMessage(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	// Unsubscribe from all observations.
	s.subscriptionsMu.Lock()
	subs := s.subscriptions[c]
	delete(s.subscriptions, c)
	s.subscriptionsMu.Unlock()

	for observationID, subID := range subs {
		s.observations.Unsubscribe(observationID, subID)
	}

	c.closeOnce.Do(func() { close(c.done) })
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeObserveStart:
		s.handleWSObserveStart(c, msg)
	case protocol.TypeObserveStop:
		s.handleWSObserveStop(c, msg)
	case protocol.TypeSwitchSet:
		s.handleWSSwitch(c, msg)
	}
}

func (s *Server) handleWSObserveStart(c *client, msg *protocol.Message) {
	var payload protocol.ObserveStartPayload
	json.Unmarshal(msg.Payload, &payload)

	if _, err := s.startObservation(payload.DeviceID); err != nil {
		s.sendError(c, startErrorCode(err), err.Error())
	}
}

func (s *Server) handleWSObserveStop(c *client, msg *protocol.Message) {
	var payload protocol.ObserveStopPayload
	json.Unmarshal(msg.Payload, &payload)

	if err := s.observations.Cancel(payload.ObservationID); err != nil {
		s.sendError(c, protocol.ErrObservationNotFound, err.Error())
	}
}

func (s *Server) handleWSSwitch(c *client, msg *protocol.Message) {
	var payload protocol.SwitchSetPayload
	json.Unmarshal(msg.Payload, &payload)

	// The device round trip can take seconds; keep reading meanwhile.
	go func() {
		result, err := s.switchDevice(context.Background(), payload.DeviceID, payload.State == "on")
		if err != nil {
			s.sendError(c, protocol.ErrSwitchFailed, err.Error())
			return
		}
		resp, err := protocol.NewMessage(protocol.TypeSwitchResult, result)
		if err != nil {
			return
		}
		c.sendMessage(resp)
	}()
}

// startObservation creates an observation and subscribes every connected
// client to it. The observation.update broadcast comes from OnObservationChange.
func (s *Server) startObservation(deviceID string) (*session.Session, error) {
	sess, err := s.observations.Create(deviceID)
	if err != nil {
		return nil, err
	}
	s.subscribeAllClients(sess.ID)
	return sess, nil
}

func (s *Server) switchDevice(ctx context.Context, deviceID string, on bool) (protocol.SwitchResultPayload, error) {
	env, err := s.commands.Switch(ctx, deviceID, on)
	if err != nil {
		s.log.Warn().Err(err).Str("device", deviceID).Msg("switch failed")
		return protocol.SwitchResultPayload{}, err
	}
	state := "off"
	if on {
		state = "on"
	}
	return protocol.SwitchResultPayload{
		DeviceID: deviceID,
		State:    state,
		Response: env.Raw,
	}, nil
}

func startErrorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrMaxSessions):
		return protocol.ErrMaxObservations
	case errors.Is(err, session.ErrAlreadyObserving):
		return protocol.ErrAlreadyObserving
	default:
		return protocol.ErrStartFailed
	}
}

// OnObservationChange is the manager's change callback. It broadcasts the
// observation's state to all clients.
func (s *Server) OnObservationChange(info session.Info) {
	msg, err := protocol.NewMessage(protocol.TypeObservationUpdate, updatePayload(info))
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		c.trySend(data)
	}
}

// subscribeAllClients subscribes all connected clients to an observation.
func (s *Server) subscribeAllClients(observationID string) {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		s.subscribeClient(c, observationID)
	}
}

// subscribeClientToActiveObservations subscribes a single client to all
// observations that have not terminated yet.
func (s *Server) subscribeClientToActiveObservations(c *client) {
	for _, info := range s.observations.List() {
		if !info.State.Terminal() {
			s.subscribeClient(c, info.ID)
		}
	}
}

// subscribeClient subscribes a single client to an observation's events.
func (s *Server) subscribeClient(c *client, observationID string) {
	// Held across Subscribe so two concurrent calls cannot both subscribe.
	s.subscriptionsMu.Lock()
	subs, connected := s.subscriptions[c]
	if !connected {
		s.subscriptionsMu.Unlock()
		return
	}
	if _, exists := subs[observationID]; exists {
		s.subscriptionsMu.Unlock()
		return // Already subscribed.
	}
	subID, ch, history, err := s.observations.Subscribe(observationID)
	if err != nil {
		s.subscriptionsMu.Unlock()
		return
	}
	subs[observationID] = subID
	s.subscriptionsMu.Unlock()

	// Send history.
	for _, ev := range history {
		s.sendEvent(c, ev)
	}

	// Forward new events until the observation terminates or the client
	// unsubscribes.
	go func() {
		for ev := range ch {
			s.sendEvent(c, ev)
		}

		s.subscriptionsMu.Lock()
		if subs, ok := s.subscriptions[c]; ok && subs[observationID] == subID {
			delete(subs, observationID)
		}
		s.subscriptionsMu.Unlock()
	}()
}

// sendEvent translates a recorded observation event into its wire message.
func (s *Server) sendEvent(c *client, ev session.Event) {
	var msg *protocol.Message
	var err error

	switch ev.Type {
	case session.EventEnvelope:
		msg, err = protocol.NewMessage(protocol.TypeObservationEnvelope, protocol.ObservationEnvelopePayload{
			ObservationID: ev.SessionID,
			Envelope:      ev.Envelope,
		})
	case session.EventPayload:
		msg, err = protocol.NewMessage(protocol.TypeObservationPayload, protocol.ObservationPayloadPayload{
			ObservationID: ev.SessionID,
			EnvelopeID:    ev.EnvelopeID,
			Text:          ev.Text,
		})
	case session.EventSignal:
		msg, err = protocol.NewMessage(protocol.TypeObservationSignal, protocol.ObservationSignalPayload{
			ObservationID: ev.SessionID,
			Level:         ev.Level,
		})
	case session.EventError:
		msg, err = protocol.NewMessage(protocol.TypeObservationError, protocol.ObservationErrorPayload{
			ObservationID: ev.SessionID,
			Kind:          string(ev.Kind),
			Detail:        ev.Detail,
		})
	case session.EventTerminated:
		msg, err = protocol.NewMessage(protocol.TypeObservationTerminated, protocol.ObservationTerminatedPayload{
			ObservationID: ev.SessionID,
			Reason:        string(ev.Reason),
			Detail:        ev.Detail,
		})
	default:
		return
	}
	if err != nil {
		return
	}
	msg.Timestamp = ev.Timestamp
	c.sendMessage(msg)
}

func (s *Server) sendError(c *client, code, message string) {
	msg, err := protocol.NewErrorMessage(code, message)
	if err != nil {
		return
	}
	c.sendMessage(msg)
}
