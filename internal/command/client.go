// Package command sends one-shot copost requests to a device and returns the
// single envelope it answers with.
package command

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"rtio-observer/internal/linedecode"
	"rtio-observer/internal/protocol"
	"rtio-observer/internal/transport"

	"github.com/rs/zerolog"
)

// SwitchURI is the resource the remote switch demo registers its handler on.
const SwitchURI = "/switch"

// ErrNoResponse is returned when the service closes the response without
// sending an envelope.
var ErrNoResponse = errors.New("no response envelope")

// CodeError reports an envelope whose code signals a device-side failure.
type CodeError struct {
	Envelope *protocol.Envelope
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("device answered %s", e.Envelope.Code)
}

// Client posts commands to devices behind one RTIO service.
type Client struct {
	RequestID int
	Timeout   time.Duration

	mu      sync.RWMutex
	service string

	http *http.Client
	log  zerolog.Logger
}

// New creates a command client. A nil httpClient uses http.DefaultClient.
func New(service string, httpClient *http.Client, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		service:   service,
		RequestID: protocol.DefaultCommandID,
		Timeout:   10 * time.Second,
		http:      httpClient,
		log:       log.With().Str("component", "command").Logger(),
	}
}

// SetService points later commands at another RTIO service. Commands in
// flight keep the service they started with.
func (c *Client) SetService(service string) {
	c.mu.Lock()
	c.service = service
	c.mu.Unlock()
	c.log.Info().Str("service", service).Msg("command service updated")
}

// Service returns the RTIO service commands are sent to.
func (c *Client) Service() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.service
}

// Post sends data to uri on the device and waits for its answer.
func (c *Client) Post(ctx context.Context, deviceID, uri string, data []byte) (*protocol.Envelope, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	src, err := transport.Open(c.log.WithContext(ctx), c.http, transport.Request{
		Service:  c.Service(),
		DeviceID: deviceID,
		Body:     protocol.NewPostRequest(uri, c.RequestID, data),
	})
	if err != nil {
		return nil, fmt.Errorf("post %s to %s: %w", uri, deviceID, err)
	}
	defer src.Close()

	lines := linedecode.New(src)
	for {
		line, err := lines.Next(ctx)
		if errors.Is(err, transport.ErrStreamEnded) {
			return nil, fmt.Errorf("post %s to %s: %w", uri, deviceID, ErrNoResponse)
		}
		if err != nil {
			return nil, fmt.Errorf("post %s to %s: %w", uri, deviceID, err)
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		env, err := protocol.ParseEnvelope(line)
		if err != nil {
			return nil, fmt.Errorf("post %s to %s: %w", uri, deviceID, err)
		}
		c.log.Debug().
			Str("device", deviceID).
			Str("uri", uri).
			Str("code", env.Code).
			Msg("command answered")
		if env.Failed() {
			return env, &CodeError{Envelope: env}
		}
		return env, nil
	}
}

// Switch turns the remote switch on or off.
func (c *Client) Switch(ctx context.Context, deviceID string, on bool) (*protocol.Envelope, error) {
	state := "off"
	if on {
		state = "on"
	}
	c.log.Info().Str("device", deviceID).Str("state", state).Msg("switching")
	return c.Post(ctx, deviceID, SwitchURI, []byte(state))
}
