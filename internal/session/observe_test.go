package session

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"rtio-observer/internal/protocol"
	"rtio-observer/internal/transport"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDevice = "cfa09baa-4913-4ad7-a936-0e26f9671b06"

// recorder is an Observer that keeps everything it is told.
type recorder struct {
	mu         sync.Mutex
	envelopes  []*protocol.Envelope
	payloads   []string
	signals    []int
	errors     []ErrorKind
	terminated []Termination
}

func (r *recorder) OnEnvelope(env *protocol.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envelopes = append(r.envelopes, env)
}

func (r *recorder) OnPayload(env *protocol.Envelope, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, text)
}

func (r *recorder) OnSignal(level int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, level)
}

func (r *recorder) OnError(kind ErrorKind, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, kind)
}

func (r *recorder) OnTerminated(t Termination) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminated = append(r.terminated, t)
}

// streamServer writes each part followed by a flush, then returns.
func streamServer(t *testing.T, parts ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		for _, p := range parts {
			io.WriteString(w, p)
			w.(http.Flusher).Flush()
			time.Sleep(5 * time.Millisecond)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// hangingServer opens the stream and never sends a byte. released is closed
// once the client has dropped the connection.
func hangingServer(t *testing.T) (*httptest.Server, <-chan struct{}) {
	t.Helper()
	released := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		once.Do(func() { close(released) })
	}))
	t.Cleanup(srv.Close)
	return srv, released
}

func options(srv *httptest.Server) Options {
	return Options{
		Service:  srv.URL,
		DeviceID: testDevice,
		Client:   srv.Client(),
		Logger:   zerolog.Nop(),
	}
}

func waitTerminated(t *testing.T, s *Session) Termination {
	t.Helper()
	select {
	case <-s.Done():
		return s.Termination()
	case <-time.After(5 * time.Second):
		t.Fatal("session did not terminate")
		return Termination{}
	}
}

func TestSession_SignalsFromStream(t *testing.T) {
	srv := streamServer(t,
		"{\"id\":12668,\"code\":\"CONTINUE\"}\n",
		"{\"id\":12668,\"data\":\"R1BJTz1bMV0=\"}\n",
		"{\"id\":12668,\"data\":\"c2VxPTMsIEdQSU89WzBd\"}",
	)
	rec := &recorder{}

	s := Start(context.Background(), options(srv), rec)
	term := waitTerminated(t, s)

	assert.Equal(t, ReasonEnded, term.Reason)
	assert.Equal(t, StateEnded, s.State())
	assert.Len(t, rec.envelopes, 3)
	assert.Equal(t, []string{"GPIO=[1]", "seq=3, GPIO=[0]"}, rec.payloads)
	assert.Equal(t, []int{1, 0}, rec.signals)
	assert.Empty(t, rec.errors)
	assert.Len(t, rec.terminated, 1)
}

func TestSession_PostsObserveRequest(t *testing.T) {
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- b
	}))
	defer srv.Close()

	s := Start(context.Background(), options(srv), &recorder{})
	waitTerminated(t, s)

	assert.JSONEq(t, `{"method":"obget","uri":"/gpio","id":12668,"data":""}`, string(<-bodies))
}

func TestSession_ParseErrorContinues(t *testing.T) {
	srv := streamServer(t, "not json\n", "{\"id\":1,\"data\":\"R1BJTz1bMV0=\"}\n")
	rec := &recorder{}

	s := Start(context.Background(), options(srv), rec)
	term := waitTerminated(t, s)

	assert.Equal(t, ReasonEnded, term.Reason)
	assert.Equal(t, []ErrorKind{ErrorParse}, rec.errors)
	assert.Len(t, rec.envelopes, 1)
	assert.Equal(t, []int{1}, rec.signals)
}

func TestSession_DecodeErrorContinues(t *testing.T) {
	srv := streamServer(t,
		"{\"id\":2,\"data\":\"%%%\"}\n",
		"{\"id\":3,\"data\":\"R1BJTz1bMF0=\"}\n",
	)
	rec := &recorder{}

	s := Start(context.Background(), options(srv), rec)
	waitTerminated(t, s)

	assert.Equal(t, []ErrorKind{ErrorDecode}, rec.errors)
	assert.Len(t, rec.envelopes, 2)
	assert.Equal(t, []int{0}, rec.signals)
}

func TestSession_BlankLinesIgnored(t *testing.T) {
	srv := streamServer(t, "\n\r\n  \n", "{\"id\":4}\n")
	rec := &recorder{}

	s := Start(context.Background(), options(srv), rec)
	waitTerminated(t, s)

	assert.Empty(t, rec.errors)
	assert.Len(t, rec.envelopes, 1)
}

func TestSession_LineSplitAcrossChunks(t *testing.T) {
	srv := streamServer(t, "{\"id\":1,\"da", "ta\":\"Z3Bpbz1bMV0=\"}\n")
	rec := &recorder{}

	s := Start(context.Background(), options(srv), rec)
	waitTerminated(t, s)

	require.Len(t, rec.envelopes, 1)
	assert.Equal(t, 1, rec.envelopes[0].ID)
	assert.Equal(t, "Z3Bpbz1bMV0=", rec.envelopes[0].Data)
	// "gpio=[1]" is lower case and carries no signal.
	assert.Equal(t, []string{"gpio=[1]"}, rec.payloads)
	assert.Empty(t, rec.signals)
}

func TestSession_CancelBeforeFirstChunk(t *testing.T) {
	srv, released := hangingServer(t)
	rec := &recorder{}

	s := Start(context.Background(), options(srv), rec)
	require.Eventually(t, func() bool { return s.State() == StateStreaming }, 2*time.Second, 5*time.Millisecond)

	s.Cancel()
	term := waitTerminated(t, s)

	assert.Equal(t, ReasonCancelled, term.Reason)
	assert.Equal(t, StateCancelled, s.State())
	assert.Empty(t, rec.envelopes)
	assert.Len(t, rec.terminated, 1)

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not released")
	}
}

func TestSession_CancelIsIdempotent(t *testing.T) {
	srv, _ := hangingServer(t)
	rec := &recorder{}

	s := Start(context.Background(), options(srv), rec)
	s.Cancel()
	s.Cancel()
	term := waitTerminated(t, s)
	s.Cancel()

	assert.Equal(t, ReasonCancelled, term.Reason)
	assert.Len(t, rec.terminated, 1)
}

func TestSession_CancelAfterEndIsNoop(t *testing.T) {
	srv := streamServer(t, "{\"id\":1}\n")
	rec := &recorder{}

	s := Start(context.Background(), options(srv), rec)
	waitTerminated(t, s)
	s.Cancel()

	assert.Equal(t, StateEnded, s.State())
	assert.Equal(t, ReasonEnded, s.Wait().Reason)
	assert.Len(t, rec.terminated, 1)
}

func TestSession_ParentContextCancels(t *testing.T) {
	srv, _ := hangingServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	s := Start(ctx, options(srv), &recorder{})
	cancel()

	assert.Equal(t, ReasonCancelled, waitTerminated(t, s).Reason)
}

func TestSession_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such device", http.StatusNotFound)
	}))
	defer srv.Close()
	rec := &recorder{}

	s := Start(context.Background(), options(srv), rec)
	term := waitTerminated(t, s)

	assert.Equal(t, ReasonFailed, term.Reason)
	assert.Equal(t, StateFailed, s.State())
	var terr *transport.Error
	assert.True(t, errors.As(term.Err, &terr))
	assert.Len(t, rec.terminated, 1)
	assert.Contains(t, s.Info().Reason, "failed")
}

func TestSession_CancelFromTerminatedCallback(t *testing.T) {
	srv, _ := hangingServer(t)
	ready := make(chan *Session, 1)
	var got []int

	obs := ObserverFuncs{
		Terminated: func(t Termination) {
			got = append(got, 1)
			// Cancelling from inside a callback must not block.
			s := <-ready
			s.Cancel()
		},
	}
	s := Start(context.Background(), options(srv), obs)
	ready <- s
	s.Cancel()

	waitTerminated(t, s)
	assert.Equal(t, []int{1}, got)
}

func TestObserverFuncs_NilFieldsSkipped(t *testing.T) {
	var obs Observer = ObserverFuncs{}
	obs.OnEnvelope(&protocol.Envelope{})
	obs.OnSignal(1)
	obs.OnError(ErrorParse, errors.New("x"))
	obs.OnTerminated(Termination{Reason: ReasonEnded})
}

func TestTermination(t *testing.T) {
	assert.Equal(t, StateEnded, Termination{Reason: ReasonEnded}.State())
	assert.Equal(t, StateCancelled, Termination{Reason: ReasonCancelled}.State())
	assert.Equal(t, StateFailed, Termination{Reason: ReasonFailed}.State())
	assert.Equal(t, "failed: boom", Termination{Reason: ReasonFailed, Err: errors.New("boom")}.String())

	assert.True(t, StateEnded.Terminal())
	assert.False(t, StateStreaming.Terminal())
	assert.False(t, StateIdle.Terminal())
}
