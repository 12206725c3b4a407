package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"stayuptodo-laundry/internal/apperr"
	"stayuptodo-laundry/internal/chat"
	"stayuptodo-laundry/internal/db"
	"stayuptodo-laundry/internal/model"
	"stayuptodo-laundry/internal/registry"
)

// newSQLiteStore opens a private in-memory database with the full schema.
func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.Migrate(gormDB))
	return NewGormStore(gormDB)
}

// newMockStore returns a store backed by sqlmock for failure paths.
func newMockStore(t *testing.T) (Store, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: sqlDB,
	}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	return NewGormStore(gormDB), mock
}

func ptr[T any](v T) *T { return &v }

func TestGormStore_MachineRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	base := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	m, err := model.NewMachine("55W4")
	require.NoError(t, err)
	require.NoError(t, s.SaveMachine(ctx, m, nil))

	first := model.StatusHistoryEntry{Status: model.StatusInUse, Timestamp: base, User: "@ana"}
	m.Status = model.StatusInUse
	m.StatusHistory = append(m.StatusHistory, first)
	m.EstimatedFinishTime = ptr(base.Add(45 * time.Minute))
	m.TelegramMessage = &model.TelegramMessage{Message: "55W4 started", MessageURL: ptr("https://t.me/c/1/2")}
	require.NoError(t, s.SaveMachine(ctx, m, []model.StatusHistoryEntry{first}))

	second := model.StatusHistoryEntry{Status: model.StatusPendingUnload, Timestamp: base.Add(time.Hour + time.Nanosecond), User: "telegram-monitor"}
	m.Status = model.StatusPendingUnload
	m.StatusHistory = append(m.StatusHistory, second)
	m.EstimatedFinishTime = nil
	require.NoError(t, s.SaveMachine(ctx, m, []model.StatusHistoryEntry{second}))

	other, err := model.NewMachine("57D1")
	require.NoError(t, err)
	require.NoError(t, s.SaveMachine(ctx, other, nil))

	loaded, err := s.LoadMachines(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	got := loaded[0]
	assert.Equal(t, "55W4", got.ID)
	assert.Equal(t, 55, got.BlockNumber)
	assert.Equal(t, model.StatusPendingUnload, got.Status)
	assert.Nil(t, got.EstimatedFinishTime)
	require.NotNil(t, got.TelegramMessage)
	assert.Equal(t, "55W4 started", got.TelegramMessage.Message)
	assert.Equal(t, "https://t.me/c/1/2", *got.TelegramMessage.MessageURL)
	require.Len(t, got.StatusHistory, 2)
	assert.Equal(t, model.StatusInUse, got.StatusHistory[0].Status)
	assert.True(t, base.Equal(got.StatusHistory[0].Timestamp))
	assert.Equal(t, "@ana", got.StatusHistory[0].User)
	assert.True(t, second.Timestamp.Equal(got.StatusHistory[1].Timestamp))
	assert.NoError(t, got.Validate())

	assert.Equal(t, "57D1", loaded[1].ID)
	assert.NotNil(t, loaded[1].StatusHistory)
	assert.Empty(t, loaded[1].StatusHistory)
}

func TestGormStore_AppendedBeyondHistoryIsRejected(t *testing.T) {
	s := newSQLiteStore(t)
	m, err := model.NewMachine("59W1")
	require.NoError(t, err)

	entry := model.StatusHistoryEntry{Status: model.StatusInUse, Timestamp: time.Now(), User: "u"}
	err = s.SaveMachine(context.Background(), m, []model.StatusHistoryEntry{entry})
	assert.ErrorContains(t, err, "exceed history length")
}

func TestGormStore_PersistsRegistryMutations(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	r := registry.New(registry.Options{Persister: s, Logger: quiet})
	_, err := r.Initialize(ctx, model.Layout{Name: "t", Blocks: []model.BlockLayout{{Block: 57, Washers: 2, Dryers: 1}}})
	require.NoError(t, err)

	for _, st := range []model.Status{model.StatusInUse, model.StatusPendingUnload, model.StatusAvailable} {
		_, err := r.SetStatus(ctx, "57W2", registry.StatusUpdate{Status: st, User: "@ben"})
		require.NoError(t, err)
	}
	_, err = r.SetTelegramRef(ctx, "57W2", "57W2 free", nil)
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, "57D1"))

	machines, err := s.LoadMachines(ctx)
	require.NoError(t, err)

	restored := registry.New(registry.Options{Logger: quiet})
	require.NoError(t, restored.Load(machines))
	assert.Equal(t, 2, restored.Len())

	want, err := r.Get("57W2")
	require.NoError(t, err)
	got, err := restored.Get("57W2")
	require.NoError(t, err)
	assert.Equal(t, want.Status, got.Status)
	require.Len(t, got.StatusHistory, 3)
	for i := range want.StatusHistory {
		assert.Equal(t, want.StatusHistory[i].Status, got.StatusHistory[i].Status)
		assert.True(t, want.StatusHistory[i].Timestamp.Equal(got.StatusHistory[i].Timestamp))
	}
	assert.Equal(t, "57W2 free", got.TelegramMessage.Message)

	_, err = restored.Get("57D1")
	assert.True(t, apperr.IsNotFound(err))
}

func TestGormStore_DeleteMachine(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	m, err := model.NewMachine("55D2")
	require.NoError(t, err)
	entry := model.StatusHistoryEntry{Status: model.StatusOutOfOrder, Timestamp: time.Now().UTC(), User: "u"}
	m.Status = model.StatusOutOfOrder
	m.StatusHistory = []model.StatusHistoryEntry{entry}
	require.NoError(t, s.SaveMachine(ctx, m, m.StatusHistory))
	require.NoError(t, s.PutSubscription(ctx, model.PushSubscription{Endpoint: "https://push/1", P256DH: "k", Auth: "a"}, []string{"55D2", "55W1"}))

	require.NoError(t, s.DeleteMachine(ctx, "55D2"))

	machines, err := s.LoadMachines(ctx)
	require.NoError(t, err)
	assert.Empty(t, machines)

	sub, err := s.GetSubscription(ctx, "https://push/1")
	require.NoError(t, err)
	require.Len(t, sub.Machines, 1)
	assert.Equal(t, "55W1", sub.Machines[0].MachineID)
}

func TestGormStore_Checkpoint(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	_, ok, err := s.LoadCheckpoint(ctx, "telegram")
	require.NoError(t, err)
	assert.False(t, ok)

	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveCheckpoint(ctx, "telegram", chat.Checkpoint{UpdateID: 10, Timestamp: ts}))
	require.NoError(t, s.SaveCheckpoint(ctx, "telegram", chat.Checkpoint{UpdateID: 25, Timestamp: ts.Add(time.Minute)}))

	cp, ok, err := s.LoadCheckpoint(ctx, "telegram")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(25), cp.UpdateID)
	assert.True(t, ts.Add(time.Minute).Equal(cp.Timestamp))

	_, ok, err = s.LoadCheckpoint(ctx, "other")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGormStore_Subscriptions(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	sub := model.PushSubscription{Endpoint: "https://push/abc", P256DH: "p1", Auth: "a1"}

	require.NoError(t, s.PutSubscription(ctx, sub, []string{"57D2", "55W1", "55W1"}))

	got, err := s.GetSubscription(ctx, sub.Endpoint)
	require.NoError(t, err)
	assert.Equal(t, "p1", got.P256DH)
	require.Len(t, got.Machines, 2)
	assert.Equal(t, "55W1", got.Machines[0].MachineID)
	assert.Equal(t, "57D2", got.Machines[1].MachineID)

	sub.P256DH = "p2"
	require.NoError(t, s.PutSubscription(ctx, sub, []string{"59W3"}))

	got, err = s.GetSubscription(ctx, sub.Endpoint)
	require.NoError(t, err)
	assert.Equal(t, "p2", got.P256DH)
	require.Len(t, got.Machines, 1)
	assert.Equal(t, "59W3", got.Machines[0].MachineID)

	watching, err := s.SubscriptionsForMachine(ctx, "59W3")
	require.NoError(t, err)
	require.Len(t, watching, 1)
	assert.Equal(t, sub.Endpoint, watching[0].Endpoint)

	watching, err = s.SubscriptionsForMachine(ctx, "55W1")
	require.NoError(t, err)
	assert.Empty(t, watching)

	require.NoError(t, s.DeleteSubscription(ctx, sub.Endpoint))
	_, err = s.GetSubscription(ctx, sub.Endpoint)
	assert.True(t, apperr.IsNotFound(err))
	assert.NoError(t, s.DeleteSubscription(ctx, sub.Endpoint))
}

func TestGormStore_Ping(t *testing.T) {
	assert.NoError(t, newSQLiteStore(t).Ping(context.Background()))
}

func TestGormStore_SaveMachineBeginFails(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin().WillReturnError(errors.New("connection reset"))

	m, err := model.NewMachine("55W1")
	require.NoError(t, err)
	err = s.SaveMachine(context.Background(), m, nil)
	assert.ErrorContains(t, err, "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_LoadCheckpointQueryFails(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "checkpoints"`)).
		WillReturnError(errors.New("relation does not exist"))

	_, ok, err := s.LoadCheckpoint(context.Background(), "telegram")
	assert.False(t, ok)
	assert.ErrorContains(t, err, `failed to load checkpoint "telegram"`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_LoadMachinesQueryFails(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "machines"`)).
		WillReturnError(errors.New("timeout"))

	_, err := s.LoadMachines(context.Background())
	assert.ErrorContains(t, err, "failed to load machines")
	assert.NoError(t, mock.ExpectationsWereMet())
}
