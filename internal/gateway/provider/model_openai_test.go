package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestOpenAIChatClient_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-1", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "m1", gjson.GetBytes(body, "model").String())
		assert.Equal(t, "system", gjson.GetBytes(body, "messages.0.role").String())
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"REGIME: RANGING"}}]}`))
	}))
	defer srv.Close()

	c := &OpenAIChatClient{BaseURL: srv.URL + "/v1/", APIKey: "sk-1", Model: "m1"}
	out, err := c.CallWithMessages(context.Background(), "sys", "user", 0)
	require.NoError(t, err)
	assert.Equal(t, "REGIME: RANGING", out)
}

func TestOpenAIChatClient_RetriesOn429(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := &OpenAIChatClient{BaseURL: srv.URL, Model: "m"}
	c.sleep = func(context.Context, time.Duration) bool { return true }
	out, err := c.CallWithMessages(context.Background(), "", "hi", 0)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestOpenAIChatClient_ClientErrorNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	c := &OpenAIChatClient{BaseURL: srv.URL, Model: "m"}
	_, err := c.CallWithMessages(context.Background(), "", "hi", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestExtractContent(t *testing.T) {
	_, err := extractContent([]byte(`{"choices":[]}`))
	assert.Error(t, err)
	_, err = extractContent([]byte(`not json`))
	assert.Error(t, err)
}

func TestBuildFromConfig(t *testing.T) {
	assert.Nil(t, BuildFromConfig(ModelCfg{}, time.Second))
	p := BuildFromConfig(ModelCfg{Model: "gpt-x"}, time.Second)
	require.NotNil(t, p)
	assert.Equal(t, "regime:gpt-x", p.ID())
	assert.True(t, p.Enabled())
}
