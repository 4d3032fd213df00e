package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientStreamsTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/generate", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"kind":"text","text":"Hello"}`)
		fmt.Fprintln(w, `{"kind":"thought","text":"hmm"}`)
		fmt.Fprintln(w, `{"kind":"text","text":" world"}`)
		fmt.Fprintln(w, `{"final":true}`)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret")
	stream, err := c.Stream(context.Background(), "hi", Params{Tier: TierFast})
	require.NoError(t, err)

	text, thoughts, streamErr := Collect(stream)
	assert.NoError(t, streamErr)
	assert.Equal(t, "Hello world", text)
	assert.Equal(t, "hmm", thoughts)
}

func TestHTTPClientNon200IsBackendUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "")
	_, err := c.Stream(context.Background(), "hi", Params{Tier: TierFast})
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestHTTPClientErrorToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"kind":"text","text":"partial"}`)
		fmt.Fprintln(w, `{"kind":"error","text":"model overloaded"}`)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "")
	stream, err := c.Stream(context.Background(), "hi", Params{Tier: TierDeep})
	require.NoError(t, err)

	text, _, streamErr := Collect(stream)
	assert.Equal(t, "partial", text)
	require.Error(t, streamErr)
	assert.Contains(t, streamErr.Error(), "model overloaded")
}

func TestHTTPClientSkipsMalformedLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `not json`)
		fmt.Fprintln(w, `{"kind":"text","text":"ok"}`)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "")
	stream, err := c.Stream(context.Background(), "hi", Params{Tier: TierFast})
	require.NoError(t, err)

	text, _, streamErr := Collect(stream)
	assert.NoError(t, streamErr)
	assert.Equal(t, "ok", text)
}

func TestScriptedBackendMatching(t *testing.T) {
	b := &ScriptedBackend{Scripts: []Script{
		TextScript("classify", "toolchain"),
		TextScript("", "fallback"),
	}}

	stream, err := b.Stream(context.Background(), "please classify this", Params{})
	require.NoError(t, err)
	text, _, _ := Collect(stream)
	assert.Equal(t, "toolchain", text)

	stream, err = b.Stream(context.Background(), "anything else", Params{})
	require.NoError(t, err)
	text, _, _ = Collect(stream)
	assert.Equal(t, "fallback", text)
}
