package notifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegram_RetriesUntilSuccess(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := NewTelegram("TOKEN", "42")
	tg.BaseURL = srv.URL
	tg.wait = func(context.Context, time.Duration) error { return nil }
	require.NoError(t, tg.SendText(context.Background(), "hello"))
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestTelegram_GivesUpAfterThreeAttempts(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tg := NewTelegram("TOKEN", "42")
	tg.BaseURL = srv.URL
	tg.wait = func(context.Context, time.Duration) error { return nil }
	err := tg.SendText(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=500")
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestTelegram_MissingConfig(t *testing.T) {
	assert.Error(t, NewTelegram("", "").SendText(context.Background(), "x"))
}

func TestAlert_Render(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	out := Alert("🛑", "SOL", "agent FAILED", at, "restarts=6", "  ", "exit=```boom```").RenderMarkdown()
	assert.True(t, strings.HasPrefix(out, "🛑 SOL · agent FAILED"))
	assert.Contains(t, out, "- restarts=6\n- exit='''boom'''\n")
	assert.Contains(t, out, "2024-01-02 03:04:05 UTC")

	t.Run("fleet wide", func(t *testing.T) {
		out := Alert("🚨", "*", "PANIC", time.Time{}).RenderMarkdown()
		assert.Equal(t, "🚨 PANIC", out)
	})

	t.Run("truncated", func(t *testing.T) {
		out := Alert("", "", "big", time.Time{}, strings.Repeat("止", 5000)).RenderMarkdown()
		assert.True(t, strings.HasSuffix(out, "..."))
		assert.LessOrEqual(t, utf8.RuneCountInString(out), maxAlertRunes+3)
	})
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	_ = r.SendText(context.Background(), "a")
	_ = r.SendText(context.Background(), "b")
	assert.Equal(t, []string{"a", "b"}, r.Messages())
}
