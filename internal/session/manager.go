package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"rtio-observer/internal/protocol"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultHistorySize      = 1000
	defaultSubscriberBufCap = 100
	terminalSendTimeout     = time.Second
)

var (
	ErrNotFound         = errors.New("observation not found")
	ErrMaxSessions      = errors.New("maximum observation limit reached")
	ErrAlreadyObserving = errors.New("device is already being observed")
)

// Target is where new observations are opened.
type Target struct {
	Service   string
	URI       string
	RequestID int
}

// Manager owns the observations started through it, records their events
// and fans them out to subscribers.
type Manager struct {
	mu           sync.RWMutex
	observations map[string]*managedObservation
	maxSessions  int
	historySize  int
	target       Target
	client       *http.Client
	baseLog      zerolog.Logger
	log          zerolog.Logger

	// OnChange, if set, is called after an observation is created and after
	// it terminates. It must not call back into the Manager.
	OnChange func(info Info)

	// Retention is how long a terminated observation and its history stay
	// available before they are removed. Zero keeps them until Remove.
	Retention time.Duration
}

type managedObservation struct {
	id          string
	mgr         *Manager
	Session     *Session
	ringBuf     *RingBuffer
	subscribers map[string]chan Event
	subMu       sync.RWMutex
	terminated  bool
}

// NewManager creates a new observation manager.
func NewManager(maxSessions, historySize int, target Target, client *http.Client, log zerolog.Logger) *Manager {
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	return &Manager{
		observations: make(map[string]*managedObservation),
		maxSessions:  maxSessions,
		historySize:  historySize,
		target:       target,
		client:       client,
		baseLog:      log,
		log:          log.With().Str("component", "manager").Logger(),
	}
}

// SetTarget changes where future observations are opened. Running
// observations are not affected.
func (m *Manager) SetTarget(t Target) {
	m.mu.Lock()
	m.target = t
	m.mu.Unlock()
	m.log.Info().Str("service", t.Service).Str("uri", t.URI).Msg("observation target updated")
}

// Create starts observing deviceID.
func (m *Manager) Create(deviceID string) (*Session, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("missing device id")
	}

	m.mu.Lock()
	activeCount := 0
	for _, mo := range m.observations {
		if mo.Session.State().Terminal() {
			continue
		}
		activeCount++
		if mo.Session.DeviceID == deviceID {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrAlreadyObserving, deviceID)
		}
	}
	if activeCount >= m.maxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (%d)", ErrMaxSessions, m.maxSessions)
	}

	mo := &managedObservation{
		id:          uuid.New().String(),
		mgr:         m,
		ringBuf:     NewRingBuffer(m.historySize),
		subscribers: make(map[string]chan Event),
	}
	mo.Session = Start(context.Background(), Options{
		ID:        mo.id,
		Service:   m.target.Service,
		DeviceID:  deviceID,
		URI:       m.target.URI,
		RequestID: m.target.RequestID,
		Client:    m.client,
		Logger:    m.baseLog,
	}, mo)
	m.observations[mo.id] = mo
	// Notified under the lock so a fast termination is reported after it.
	m.notifyChange(mo.Session.Info())
	m.mu.Unlock()

	m.log.Info().Str("session", mo.id).Str("device", deviceID).Msg("observation created")
	return mo.Session, nil
}

// Get returns an observation by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mo, ok := m.observations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return mo.Session, nil
}

// List returns snapshots of all observations.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Info, 0, len(m.observations))
	for _, mo := range m.observations {
		result = append(result, mo.Session.Info())
	}
	return result
}

// Cancel stops an observation. Cancelling a terminated observation is a
// no-op.
func (m *Manager) Cancel(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.Cancel()
	return nil
}

// Remove forgets a terminated observation and its history.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mo, ok := m.observations[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !mo.Session.State().Terminal() {
		return fmt.Errorf("observation %s is still %s", id, mo.Session.State())
	}
	delete(m.observations, id)
	m.log.Info().Str("session", id).Int("events", mo.ringBuf.Len()).Msg("observation removed")
	return nil
}

// Subscribe creates a channel that receives events for an observation.
// It returns a subscription ID, the channel, and the buffered history. The
// channel is closed after the terminal event, or immediately if the
// observation has already terminated.
func (m *Manager) Subscribe(id string) (string, <-chan Event, []Event, error) {
	m.mu.RLock()
	mo, ok := m.observations[id]
	m.mu.RUnlock()

	if !ok {
		return "", nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	subID := uuid.New().String()
	ch := make(chan Event, defaultSubscriberBufCap)

	// History and registration under the same lock so no event is missed or
	// delivered twice.
	mo.subMu.Lock()
	history := mo.ringBuf.ReadAll()
	if mo.terminated {
		close(ch)
	} else {
		mo.subscribers[subID] = ch
	}
	mo.subMu.Unlock()

	return subID, ch, history, nil
}

// History returns the recorded events of an observation, oldest first.
func (m *Manager) History(id string) ([]Event, error) {
	m.mu.RLock()
	mo, ok := m.observations[id]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	mo.subMu.RLock()
	defer mo.subMu.RUnlock()
	return mo.ringBuf.ReadAll(), nil
}

// Unsubscribe removes a subscriber from an observation.
func (m *Manager) Unsubscribe(id, subID string) {
	m.mu.RLock()
	mo, ok := m.observations[id]
	m.mu.RUnlock()

	if !ok {
		return
	}

	mo.subMu.Lock()
	if ch, exists := mo.subscribers[subID]; exists {
		close(ch)
		delete(mo.subscribers, subID)
	}
	mo.subMu.Unlock()
}

// Shutdown cancels every running observation and waits for them to release
// their connections, or for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.observations))
	for _, mo := range m.observations {
		sessions = append(sessions, mo.Session)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.Cancel()
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Manager) notifyChange(info Info) {
	if m.OnChange != nil {
		m.OnChange(info)
	}
}

// record stores an event and sends it to all subscribers, dropping it for
// subscribers whose buffer is full.
func (mo *managedObservation) record(ev Event) {
	ev.SessionID = mo.id
	ev.Timestamp = time.Now().UTC()

	mo.subMu.RLock()
	defer mo.subMu.RUnlock()

	mo.ringBuf.Write(ev)
	for _, ch := range mo.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (mo *managedObservation) OnEnvelope(env *protocol.Envelope) {
	mo.record(Event{Type: EventEnvelope, EnvelopeID: env.ID, Envelope: env.Raw})
}

func (mo *managedObservation) OnPayload(env *protocol.Envelope, text string) {
	mo.record(Event{Type: EventPayload, EnvelopeID: env.ID, Text: text})
}

func (mo *managedObservation) OnSignal(level int) {
	mo.record(Event{Type: EventSignal, Level: level})
}

func (mo *managedObservation) OnError(kind ErrorKind, err error) {
	mo.record(Event{Type: EventError, Kind: kind, Detail: err.Error()})
}

// OnTerminated delivers the terminal event to every subscriber, waiting
// briefly for full buffers, then closes their channels.
func (mo *managedObservation) OnTerminated(t Termination) {
	ev := Event{
		SessionID: mo.id,
		Type:      EventTerminated,
		Reason:    t.Reason,
		Timestamp: time.Now().UTC(),
	}
	if t.Err != nil {
		ev.Detail = t.Err.Error()
	}

	mo.subMu.Lock()
	mo.ringBuf.Write(ev)
	for subID, ch := range mo.subscribers {
		select {
		case ch <- ev:
		case <-time.After(terminalSendTimeout):
			mo.mgr.log.Warn().Str("session", mo.id).Str("subscriber", subID).Msg("dropped terminal event")
		}
		close(ch)
		delete(mo.subscribers, subID)
	}
	mo.terminated = true
	mo.subMu.Unlock()

	mo.mgr.mu.RLock()
	sess := mo.Session
	retention := mo.mgr.Retention
	mo.mgr.mu.RUnlock()
	mo.mgr.notifyChange(sess.Info())

	if retention > 0 {
		time.AfterFunc(retention, func() {
			if err := mo.mgr.Remove(mo.id); err != nil {
				mo.mgr.log.Debug().Err(err).Str("session", mo.id).Msg("retention expired")
			}
		})
	}
}
