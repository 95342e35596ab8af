package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"rtio-observer/internal/linedecode"
	"rtio-observer/internal/protocol"
	"rtio-observer/internal/transport"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options describes one observation subscription.
type Options struct {
	ID        string // generated when empty
	Service   string
	DeviceID  string
	URI       string
	RequestID int
	Client    *http.Client
	Logger    zerolog.Logger
}

// Session is one running observation. All stream work happens on a single
// goroutine owned by the session; Cancel may be called from anywhere.
type Session struct {
	ID        string
	DeviceID  string
	URI       string
	CreatedAt time.Time

	opts     Options
	observer Observer
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu              sync.Mutex
	state           State
	cancelRequested bool
	term            Termination
}

// Start opens the observation stream described by opts and reports to obs
// until the stream ends, fails, or the session is cancelled. Cancelling ctx
// has the same effect as Cancel.
func Start(ctx context.Context, opts Options, obs Observer) *Session {
	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}
	if opts.URI == "" {
		opts.URI = protocol.DefaultObserveURI
	}
	if opts.RequestID == 0 {
		opts.RequestID = protocol.DefaultObserveID
	}

	s := &Session{
		ID:        opts.ID,
		DeviceID:  opts.DeviceID,
		URI:       opts.URI,
		CreatedAt: time.Now().UTC(),
		opts:      opts,
		observer:  obs,
		done:      make(chan struct{}),
		state:     StateIdle,
	}
	s.log = opts.Logger.With().
		Str("component", "session").
		Str("session", s.ID).
		Str("device", s.DeviceID).
		Logger()
	s.ctx, s.cancel = context.WithCancel(s.log.WithContext(ctx))

	go s.run()
	return s
}

// Cancel asks the session to stop. It does not wait; use Done or Wait to
// observe completion. Calls after the first, or after the session has
// terminated, do nothing.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state.Terminal() || s.cancelRequested {
		s.mu.Unlock()
		return
	}
	s.cancelRequested = true
	s.mu.Unlock()

	s.log.Info().Msg("cancel requested")
	s.cancel()
}

// Done is closed once the connection has been released and OnTerminated has
// returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session has terminated and returns the outcome.
func (s *Session) Wait() Termination {
	<-s.done
	return s.Termination()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Termination returns the terminal outcome; it is the zero value until the
// session has terminated.
func (s *Session) Termination() Termination {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:        s.ID,
		State:     s.state,
		DeviceID:  s.DeviceID,
		URI:       s.URI,
		CreatedAt: s.CreatedAt,
	}
	if s.state.Terminal() {
		info.Reason = s.term.String()
	}
	return info
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.log.Debug().Str("state", string(state)).Msg("state changed")
}

func (s *Session) run() {
	defer close(s.done)
	defer s.cancel()

	term := s.observe()

	s.mu.Lock()
	s.state = term.State()
	s.term = term
	s.mu.Unlock()

	ev := s.log.Info()
	if term.Reason == ReasonFailed {
		ev = s.log.Error().Err(term.Err)
	}
	ev.Str("reason", string(term.Reason)).Msg("observation terminated")

	s.observer.OnTerminated(term)
}

// observe is the single consuming flow. It returns once the stream has
// terminated and the connection has been released.
func (s *Session) observe() Termination {
	s.setState(StateStarting)

	src, err := transport.Open(s.ctx, s.opts.Client, transport.Request{
		Service:  s.opts.Service,
		DeviceID: s.opts.DeviceID,
		Body:     protocol.NewObserveRequest(s.opts.URI, s.opts.RequestID),
	})
	if err != nil {
		return terminationFor(err)
	}
	defer src.Close()

	s.setState(StateStreaming)
	s.log.Info().Str("uri", s.opts.URI).Int("id", s.opts.RequestID).Msg("observing")

	lines := linedecode.New(src)
	defer func() {
		s.log.Debug().Int64("bytes", src.BytesRead()).Msg("stream released")
	}()
	for {
		line, err := lines.Next(s.ctx)
		if err != nil {
			return terminationFor(err)
		}
		if s.ctx.Err() != nil {
			// Cancellation pending; the tail is not reported.
			continue
		}
		s.handleLine(line)
	}
}

func (s *Session) handleLine(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}

	env, err := protocol.ParseEnvelope(line)
	if err != nil {
		s.log.Warn().Err(err).Msg("skipping malformed line")
		s.observer.OnError(ErrorParse, err)
		return
	}
	s.observer.OnEnvelope(env)

	if !env.HasData() {
		return
	}
	text, err := protocol.DecodePayload(env)
	if err != nil {
		s.log.Warn().Err(err).Int("envelope", env.ID).Msg("undecodable payload")
		s.observer.OnError(ErrorDecode, err)
		return
	}
	s.log.Debug().Int("envelope", env.ID).Str("payload", text).Msg("payload decoded")
	if po, ok := s.observer.(PayloadObserver); ok {
		po.OnPayload(env, text)
	}

	if level, ok := protocol.ExtractSignal(text); ok {
		s.observer.OnSignal(level)
	}
}

func terminationFor(err error) Termination {
	switch {
	case errors.Is(err, transport.ErrStreamEnded):
		return Termination{Reason: ReasonEnded}
	case errors.Is(err, transport.ErrCancelled):
		return Termination{Reason: ReasonCancelled}
	default:
		return Termination{Reason: ReasonFailed, Err: err}
	}
}
