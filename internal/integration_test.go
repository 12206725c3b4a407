package internal

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"stayuptodo-laundry/internal/api"
	"stayuptodo-laundry/internal/chat"
	"stayuptodo-laundry/internal/db"
	"stayuptodo-laundry/internal/extract"
	"stayuptodo-laundry/internal/filter"
	"stayuptodo-laundry/internal/gate"
	"stayuptodo-laundry/internal/model"
	"stayuptodo-laundry/internal/monitor"
	"stayuptodo-laundry/internal/registry"
	"stayuptodo-laundry/internal/store"
)

const hostelChat = int64(-1001234567890)

// fakeTelegram serves getMe and getUpdates, honouring the offset parameter
// the way the Bot API does.
type fakeTelegram struct {
	mu      sync.Mutex
	updates []map[string]any
	offsets []string
}

func (f *fakeTelegram) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"id": 1, "is_bot": true, "first_name": "monitor", "username": "laundry_bot"},
		})
	case strings.HasSuffix(r.URL.Path, "/getUpdates"):
		_ = r.ParseForm()
		offset, _ := strconv.Atoi(r.PostForm.Get("offset"))

		f.mu.Lock()
		f.offsets = append(f.offsets, r.PostForm.Get("offset"))
		var result []map[string]any
		for _, u := range f.updates {
			if u["update_id"].(int) >= offset {
				result = append(result, u)
			}
		}
		f.mu.Unlock()

		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeTelegram) requestedOffsets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.offsets...)
}

func chatUpdate(updateID, messageID int, sent time.Time, text string) map[string]any {
	return map[string]any{
		"update_id": updateID,
		"message": map[string]any{
			"message_id": messageID,
			"date":       sent.Unix(),
			"chat":       map[string]any{"id": hostelChat, "type": "supergroup", "title": "Hostel laundry"},
			"from":       map[string]any{"id": 42, "is_bot": false, "first_name": "Ana", "username": "ana"},
			"text":       text,
		},
	}
}

// fakeOpenAI answers chat completions from a table keyed by a fragment of the
// chat message embedded in the prompt.
type fakeOpenAI struct {
	mu      sync.Mutex
	answers map[string]string
	calls   int
}

func (f *fakeOpenAI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	prompt := ""
	if n := len(req.Messages); n > 0 {
		prompt = req.Messages[n-1].Content
	}

	f.mu.Lock()
	f.calls++
	content := `{"relevant": false}`
	for fragment, answer := range f.answers {
		if strings.Contains(prompt, fragment) {
			content = answer
		}
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	})
}

func (f *fakeOpenAI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var hostelLayout = model.Layout{Name: "hostel", Blocks: []model.BlockLayout{
	{Block: 55, Washers: 4, Dryers: 1},
	{Block: 57, Washers: 1, Dryers: 1},
	{Block: 59, Washers: 1},
}}

func newPipeline(t *testing.T, st store.Store, machines *registry.Registry, telegramURL, openaiURL string) *monitor.Service {
	t.Helper()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	source := chat.NewTelegramSource(chat.TelegramConfig{
		Token:       "123:abc",
		ChatID:      hostelChat,
		APIEndpoint: telegramURL + "/bot%s/%s",
		Timeout:     5 * time.Second,
	}, quiet)
	interp := extract.NewOpenAIInterpreter(extract.OpenAIConfig{APIKey: "test-key", BaseURL: openaiURL + "/v1"})
	adapter := extract.NewAdapter(interp, 5*time.Second, quiet)
	applier := gate.New(machines, gate.Config{}, quiet)

	return monitor.NewService(monitor.Config{Enabled: true, RequestTimeout: 5 * time.Second},
		source, filter.New(), adapter, applier, st, quiet)
}

// TestChatToAPILifecycle runs chat messages through the whole pipeline, reads
// the result over HTTP and restarts from the database.
func TestChatToAPILifecycle(t *testing.T) {
	ctx := context.Background()
	gin.SetMode(gin.TestMode)

	// 1. Setup an in-memory SQLite database for testing.
	testDB, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, _ := testDB.DB()
	sqlDB.SetMaxOpenConns(1)
	defer sqlDB.Close()
	require.NoError(t, db.Migrate(testDB))
	st := store.NewGormStore(testDB)

	machines := registry.New(registry.Options{Persister: st, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	_, err = machines.Initialize(ctx, hostelLayout)
	require.NoError(t, err)

	// 2. Mock upstream servers.
	sent := time.Now().Add(-2 * time.Minute).Truncate(time.Second)
	telegram := &fakeTelegram{updates: []map[string]any{
		chatUpdate(1, 501, sent, "55W4 washer is done, please collect"),
		chatUpdate(2, 502, sent.Add(time.Second), "hello everyone, good morning"),
		chatUpdate(3, 503, sent.Add(2*time.Second), "57 dryer 1 started, 40 min"),
		chatUpdate(4, 504, sent.Add(3*time.Second), "is 59 washer 1 broken maybe?"),
	}}
	telegramServer := httptest.NewServer(telegram)
	defer telegramServer.Close()

	openai := &fakeOpenAI{answers: map[string]string{
		"55W4 washer is done": `{"machine_id": "55W4", "status": "pendingUnload", "confidence": 0.9}`,
		"57 dryer 1 started":  `{"machine_id": "57D1", "status": "inUse", "confidence": 0.85, "duration_minutes": 40}`,
		"59 washer 1 broken":  `{"machine_id": "59W1", "status": "outOfOrder", "confidence": 0.4}`,
	}}
	openaiServer := httptest.NewServer(openai)
	defer openaiServer.Close()

	// 3. First cycle.
	svc := newPipeline(t, st, machines, telegramServer.URL, openaiServer.URL)
	report, err := svc.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Fetched)
	assert.Equal(t, 2, report.Count(string(gate.OutcomeApplied)))
	assert.Equal(t, 1, report.Count(monitor.OutcomeFiltered))
	assert.Equal(t, 1, report.Count(string(gate.OutcomeLowConfidence)))
	assert.Equal(t, int64(4), report.Checkpoint.UpdateID)
	assert.Equal(t, 3, openai.callCount(), "filtered messages never reach the model")

	// 4. Read the result over HTTP.
	router := api.NewRouter(api.NewHandler(machines, st, nil, hostelLayout), machines, api.RouterConfig{RateLimitPerSec: 100, RateLimitBurst: 100}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	get := func(path string) map[string]any {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var v map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
		return v
	}

	washer := get("/api/machines/55W4")
	assert.Equal(t, "pendingUnload", washer["status"])
	ref := washer["telegram_message"].(map[string]any)
	assert.Equal(t, "55W4 washer is done, please collect", ref["message"])
	assert.Equal(t, "https://t.me/c/1234567890/501", ref["message_url"])
	history := washer["status_history"].([]any)
	require.Len(t, history, 1)
	assert.Equal(t, "@ana", history[0].(map[string]any)["user"])

	dryer := get("/api/machines/57D1")
	assert.Equal(t, "inUse", dryer["status"])
	finish, err := time.Parse(time.RFC3339Nano, dryer["estimated_finish_time"].(string))
	require.NoError(t, err)
	assert.True(t, sent.Add(2*time.Second+40*time.Minute).Equal(finish))

	assert.Equal(t, "available", get("/api/machines/59W1")["status"], "low confidence updates are skipped")

	// 5. Restart from the database: state and checkpoint survive.
	loaded, err := st.LoadMachines(ctx)
	require.NoError(t, err)
	restarted := registry.New(registry.Options{Persister: st, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, restarted.Load(loaded))

	m, err := restarted.Get("55W4")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPendingUnload, m.Status)
	require.Len(t, m.StatusHistory, 1)

	telegram.mu.Lock()
	telegram.updates = append(telegram.updates, chatUpdate(5, 505, sent.Add(time.Minute), "55W4 washer is done, please collect"))
	telegram.mu.Unlock()

	svc = newPipeline(t, st, restarted, telegramServer.URL, openaiServer.URL)
	report, err = svc.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fetched, "only the new update is fetched after a restart")
	assert.Equal(t, 1, report.Count(string(gate.OutcomeUnchanged)))
	assert.Equal(t, []string{"", "5"}, telegram.requestedOffsets())

	m, err = restarted.Get("55W4")
	require.NoError(t, err)
	assert.Len(t, m.StatusHistory, 1, "a repeated report does not duplicate history")

	cp, ok, err := st.LoadCheckpoint(ctx, "telegram")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(5), cp.UpdateID)
}
