package chat

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "123:abc"

// fakeBotAPI serves getMe and getUpdates, recording the requested offsets.
type fakeBotAPI struct {
	mu      sync.Mutex
	offsets []string
	updates []map[string]any
	fail    bool
}

func (f *fakeBotAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"ok":     true,
				"result": map[string]any{"id": 1, "is_bot": true, "first_name": "monitor", "username": "laundry_bot"},
			})
		case strings.HasSuffix(r.URL.Path, "/getUpdates"):
			assert.NoError(t, r.ParseForm())
			f.mu.Lock()
			f.offsets = append(f.offsets, r.PostForm.Get("offset"))
			fail, updates := f.fail, f.updates
			f.mu.Unlock()
			if fail {
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": 401, "description": "Unauthorized"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": updates})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func textUpdate(updateID, messageID int, chatID int64, date int64, text string, replyTo int) map[string]any {
	msg := map[string]any{
		"message_id": messageID,
		"date":       date,
		"chat":       map[string]any{"id": chatID, "type": "supergroup", "title": "Hostel"},
		"from":       map[string]any{"id": 42, "is_bot": false, "first_name": "Ana", "username": "ana"},
		"text":       text,
	}
	if replyTo != 0 {
		msg["reply_to_message"] = map[string]any{
			"message_id": replyTo,
			"date":       date - 100,
			"chat":       map[string]any{"id": chatID, "type": "supergroup"},
		}
	}
	return map[string]any{"update_id": updateID, "message": msg}
}

func newTestSource(t *testing.T, fake *fakeBotAPI, cfg TelegramConfig) *TelegramSource {
	t.Helper()
	server := httptest.NewServer(fake.handler(t))
	t.Cleanup(server.Close)

	cfg.Token = testToken
	cfg.APIEndpoint = server.URL + "/bot%s/%s"
	return NewTelegramSource(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestTelegramSource_Fetch(t *testing.T) {
	const chatID = int64(-1001234567890)
	fake := &fakeBotAPI{updates: []map[string]any{
		textUpdate(12, 502, chatID, 1700000060, "55W4 done", 7),
		textUpdate(11, 501, chatID, 1700000000, "57 dryer 2 running", 7),
		textUpdate(13, 503, -100999, 1700000070, "other chat", 7),
		textUpdate(14, 504, chatID, 1700000080, "wrong topic", 8),
		{"update_id": 15, "edited_message": map[string]any{"message_id": 1, "date": 1700000090, "chat": map[string]any{"id": chatID, "type": "supergroup"}}},
	}}
	src := newTestSource(t, fake, TelegramConfig{ChatID: chatID, TopicID: 7})

	batch, err := src.Fetch(context.Background(), Checkpoint{UpdateID: 10})
	require.NoError(t, err)

	require.Len(t, batch.Messages, 2)
	assert.Equal(t, int64(11), batch.Messages[0].UpdateID)
	assert.Equal(t, "57 dryer 2 running", batch.Messages[0].Text)
	assert.Equal(t, int64(12), batch.Messages[1].UpdateID)
	assert.Equal(t, "ana", batch.Messages[1].Sender.Username)
	assert.Equal(t, "Ana", batch.Messages[1].Sender.Name)
	assert.Equal(t, "https://t.me/c/1234567890/502", batch.Messages[1].URL)
	assert.Equal(t, time.Unix(1700000060, 0).UTC(), batch.Messages[1].Timestamp)

	assert.Equal(t, int64(15), batch.Last.UpdateID, "dropped updates still advance the checkpoint")

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []string{"11"}, fake.offsets)
}

func TestTelegramSource_EmptyBatchKeepsCheckpoint(t *testing.T) {
	fake := &fakeBotAPI{}
	src := newTestSource(t, fake, TelegramConfig{})

	after := Checkpoint{UpdateID: 20, Timestamp: time.Unix(1700000000, 0).UTC()}
	batch, err := src.Fetch(context.Background(), after)
	require.NoError(t, err)
	assert.Empty(t, batch.Messages)
	assert.Equal(t, after, batch.Last)
}

func TestTelegramSource_FirstFetchHasNoOffset(t *testing.T) {
	fake := &fakeBotAPI{}
	src := newTestSource(t, fake, TelegramConfig{})

	_, err := src.Fetch(context.Background(), Checkpoint{})
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []string{""}, fake.offsets)
}

func TestTelegramSource_FetchError(t *testing.T) {
	fake := &fakeBotAPI{fail: true}
	src := newTestSource(t, fake, TelegramConfig{})

	_, err := src.Fetch(context.Background(), Checkpoint{UpdateID: 5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unauthorized")
}

func TestTelegramSource_CancelledContext(t *testing.T) {
	blocked := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/getMe") {
			_, _ = io.WriteString(w, `{"ok": true, "result": {"id": 1, "is_bot": true, "first_name": "m"}}`)
			return
		}
		<-blocked
	}))
	defer server.Close()
	defer close(blocked)

	src := NewTelegramSource(TelegramConfig{
		Token:       testToken,
		APIEndpoint: server.URL + "/bot%s/%s",
		Timeout:     5 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := src.Fetch(ctx, Checkpoint{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMessageLink(t *testing.T) {
	assert.Equal(t, "https://t.me/hostel55/10", MessageLink(-1001, "hostel55", 10))
	assert.Equal(t, "https://t.me/c/1234567890/10", MessageLink(-1001234567890, "", 10))
	assert.Equal(t, "", MessageLink(-4567, "", 10))
	assert.Equal(t, "", MessageLink(42, "", 10))
}

func TestSortOldestFirst(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	msgs := []Message{
		{UpdateID: 3, Timestamp: t0},
		{UpdateID: 1, Timestamp: t0.Add(time.Minute)},
		{UpdateID: 2, Timestamp: t0},
	}
	SortOldestFirst(msgs)
	assert.Equal(t, int64(1), msgs[0].UpdateID)
	assert.Equal(t, int64(2), msgs[1].UpdateID)
	assert.Equal(t, int64(3), msgs[2].UpdateID)
}
