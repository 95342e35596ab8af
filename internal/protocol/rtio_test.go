package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewObserveRequest(t *testing.T) {
	req := NewObserveRequest(DefaultObserveURI, DefaultObserveID)

	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"obget","uri":"/gpio","id":12668,"data":""}`, string(data))
}

func TestNewPostRequest(t *testing.T) {
	on := NewPostRequest("/switch", DefaultCommandID, []byte("on"))
	off := NewPostRequest("/switch", DefaultCommandID, []byte("off"))

	assert.Equal(t, MethodCoPost, on.Method)
	assert.Equal(t, "b24=", on.Data)
	assert.Equal(t, "b2Zm", off.Data)
	assert.Equal(t, 12667, on.ID)
}

func TestParseEnvelope(t *testing.T) {
	t.Run("with data", func(t *testing.T) {
		line := `{"id":1,"data":"Z3Bpbz1bMV0="}`
		env, err := ParseEnvelope(line)
		require.NoError(t, err)
		assert.Equal(t, 1, env.ID)
		assert.Equal(t, "Z3Bpbz1bMV0=", env.Data)
		assert.True(t, env.HasData())
		assert.Equal(t, line, string(env.Raw))
	})

	t.Run("without data", func(t *testing.T) {
		env, err := ParseEnvelope(`{"id":12668,"code":"CONTINUE"}`)
		require.NoError(t, err)
		assert.Equal(t, "CONTINUE", env.Code)
		assert.False(t, env.HasData())
	})

	t.Run("not json", func(t *testing.T) {
		_, err := ParseEnvelope("not json")
		require.Error(t, err)
		var perr *ParseError
		assert.True(t, errors.As(err, &perr))
		assert.Equal(t, "not json", perr.Line)
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := ParseEnvelope(`{"data":"R1BJTz1bMV0="}`)
		var perr *ParseError
		assert.True(t, errors.As(err, &perr))
	})

	t.Run("truncated object", func(t *testing.T) {
		_, err := ParseEnvelope(`{"id":1,"da`)
		var perr *ParseError
		assert.True(t, errors.As(err, &perr))
	})
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    string
		wantErr bool
	}{
		{"padded", "R1BJTz1bMV0=", "GPIO=[1]", false},
		{"unpadded", "R1BJTz1bMV0", "GPIO=[1]", false},
		{"utf8", "dGVtcD0yNcKwQyBHUElPPVsxXQ==", "temp=25°C GPIO=[1]", false},
		{"invalid", "!!!not-base64", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodePayload(&Envelope{ID: 7, Data: tt.data})
			if tt.wantErr {
				var derr *DecodeError
				require.True(t, errors.As(err, &derr))
				assert.Equal(t, 7, derr.ID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractSignal(t *testing.T) {
	tests := []struct {
		text  string
		level int
		ok    bool
	}{
		{"GPIO=[1]", 1, true},
		{"GPIO=[0]", 0, true},
		{"seq=3, GPIO=[1]", 1, true},
		{"seq=4, GPIO=[0] GPIO=[1]", 0, true},
		{"gpio=[1]", 0, false},
		{"GPIO=[]", 0, false},
		{"GPIO=[x] GPIO=[12]", 12, true},
		{"GPIO=[99999999999999999999999]", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		level, ok := ExtractSignal(tt.text)
		assert.Equal(t, tt.ok, ok, "text %q", tt.text)
		assert.Equal(t, tt.level, level, "text %q", tt.text)
	}
}

func TestEnvelopeFailed(t *testing.T) {
	assert.False(t, (&Envelope{}).Failed())
	assert.False(t, (&Envelope{Code: CodeOK}).Failed())
	assert.False(t, (&Envelope{Code: CodeContinue}).Failed())
	assert.False(t, (&Envelope{Code: CodeTerminate}).Failed())
	assert.True(t, (&Envelope{Code: CodeNotFound}).Failed())
	assert.True(t, (&Envelope{Code: "SOMETHING_NEW"}).Failed())
}
