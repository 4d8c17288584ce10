package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncDeliversInOrder(t *testing.T) {
	mem := &Memory{}
	a := NewAsync(mem, 8, zerolog.Nop())
	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, a.Notify(context.Background(), Alert{Kind: KindDrift, Text: text}))
	}
	a.Close()

	got := mem.Alerts()
	require.Len(t, got, 3)
	assert.Equal(t, "one", got[0].Text)
	assert.Equal(t, "three", got[2].Text)
}

func TestAsyncNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	slow := Func(func(ctx context.Context, a Alert) error {
		<-release
		return nil
	})
	a := NewAsync(slow, 1, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = a.Notify(context.Background(), Alert{Kind: KindIncident, Text: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a slow transport")
	}
	close(release)
	a.Close()
}

func TestAsyncSwallowsDeliveryErrors(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	failing := Func(func(ctx context.Context, a Alert) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("chat unreachable")
	})
	a := NewAsync(failing, 4, zerolog.Nop())
	assert.NoError(t, a.Notify(context.Background(), Alert{Kind: KindFraud, Text: "x"}))
	assert.NoError(t, a.Notify(context.Background(), Alert{Kind: KindFraud, Text: "y"}))
	a.Close()
	assert.Equal(t, 2, calls)
}

func TestMemoryOfKind(t *testing.T) {
	m := &Memory{}
	_ = m.Notify(context.Background(), Alert{Kind: KindFraud, Text: "a"})
	_ = m.Notify(context.Background(), Alert{Kind: KindHealing, Text: "b"})
	assert.Len(t, m.OfKind(KindFraud), 1)
	assert.Empty(t, m.OfKind(KindIncident))
}

func TestTelegramSendsToChat(t *testing.T) {
	var gotPath, gotText, gotChat string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
			_ = r.ParseMultipartForm(1 << 20)
		} else {
			_ = r.ParseForm()
		}
		gotText = r.FormValue("text")
		gotChat = r.FormValue("chat_id")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"},"text":"ok"}}`))
	}))
	defer srv.Close()

	tg, err := NewTelegram(TelegramConfig{Token: "123:abc", ChatID: 42, ServerURL: srv.URL})
	require.NoError(t, err)
	require.NoError(t, tg.Notify(context.Background(), Alert{Kind: KindIncident, Text: "core-1 is down"}))

	assert.Equal(t, "/bot123:abc/sendMessage", gotPath)
	assert.Equal(t, "core-1 is down", gotText)
	assert.Equal(t, "42", gotChat)
}

func TestTelegramRequiresConfig(t *testing.T) {
	_, err := NewTelegram(TelegramConfig{Token: "x"})
	assert.Error(t, err)
}
