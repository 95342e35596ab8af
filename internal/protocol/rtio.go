package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// Device request methods.
const (
	MethodObGet  = "obget"
	MethodCoPost = "copost"
)

const (
	DefaultObserveURI = "/gpio"
	DefaultObserveID  = 12668
	DefaultCommandID  = 12667
)

// Response codes reported by the RTIO service in an envelope's code field.
const (
	CodeOK               = "OK"
	CodeContinue         = "CONTINUE"
	CodeTerminate        = "TERMINATE"
	CodeNotFound         = "NOT_FOUND"
	CodeBadRequest       = "BAD_REQUEST"
	CodeInternalError    = "INTERNAL_SERVER_ERROR"
	CodeTooManyRequests  = "TOO_MANY_REQUESTS"
	CodeTooManyObservers = "TOO_MANY_OBSERVERS"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
)

// Request is the JSON body posted to a device endpoint.
type Request struct {
	Method string `json:"method"`
	URI    string `json:"uri"`
	ID     int    `json:"id"`
	Data   string `json:"data"`
}

// NewObserveRequest builds the subscription body for an observation stream.
func NewObserveRequest(uri string, id int) Request {
	return Request{Method: MethodObGet, URI: uri, ID: id, Data: ""}
}

// NewPostRequest builds a one-shot command body; data is base64 encoded.
func NewPostRequest(uri string, id int, data []byte) Request {
	return Request{
		Method: MethodCoPost,
		URI:    uri,
		ID:     id,
		Data:   base64.StdEncoding.EncodeToString(data),
	}
}

// Envelope is one event received from a device endpoint.
type Envelope struct {
	ID   int    `json:"id"`
	Code string `json:"code,omitempty"`
	Data string `json:"data,omitempty"`

	// Raw is the line the envelope was parsed from.
	Raw json.RawMessage `json:"-"`
}

// HasData reports whether the envelope carries a non-empty payload.
func (e *Envelope) HasData() bool {
	return e != nil && e.Data != ""
}

// Failed reports whether the envelope carries a code other than OK,
// CONTINUE or TERMINATE. An envelope without a code has not failed.
func (e *Envelope) Failed() bool {
	switch e.Code {
	case "", CodeOK, CodeContinue, CodeTerminate:
		return false
	}
	return true
}

// ParseError reports a line that is not a valid envelope.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse envelope %q: %v", truncate(e.Line, 64), e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// DecodeError reports an envelope whose data field is not valid base64.
type DecodeError struct {
	ID  int
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode payload of envelope %d: %v", e.ID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ParseEnvelope parses one line of the response stream.
func ParseEnvelope(line string) (*Envelope, error) {
	var fields struct {
		ID   *int   `json:"id"`
		Code string `json:"code"`
		Data string `json:"data"`
	}
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		return nil, &ParseError{Line: line, Err: fmt.Errorf("invalid JSON: %w", err)}
	}
	if fields.ID == nil {
		return nil, &ParseError{Line: line, Err: fmt.Errorf("missing 'id' field")}
	}
	return &Envelope{
		ID:   *fields.ID,
		Code: fields.Code,
		Data: fields.Data,
		Raw:  json.RawMessage(line),
	}, nil
}

// DecodePayload decodes the base64 data field of env. Unpadded input is
// accepted.
func DecodePayload(env *Envelope) (string, error) {
	b, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		var rawErr error
		b, rawErr = base64.RawStdEncoding.DecodeString(env.Data)
		if rawErr != nil {
			return "", &DecodeError{ID: env.ID, Err: err}
		}
	}
	return string(b), nil
}

var signalPattern = regexp.MustCompile(`GPIO=\[(\d+)\]`)

// ExtractSignal returns the level of the first GPIO=[N] occurrence in text.
func ExtractSignal(text string) (int, bool) {
	m := signalPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	level, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return level, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
