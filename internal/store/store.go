package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stayuptodo-laundry/internal/apperr"
	"stayuptodo-laundry/internal/chat"
	"stayuptodo-laundry/internal/model"
)

// Store defines the interface for all database operations. It satisfies
// registry.Persister and monitor.CheckpointStore.
type Store interface {
	LoadMachines(ctx context.Context) ([]model.Machine, error)
	SaveMachine(ctx context.Context, m model.Machine, appended []model.StatusHistoryEntry) error
	DeleteMachine(ctx context.Context, id string) error

	LoadCheckpoint(ctx context.Context, name string) (chat.Checkpoint, bool, error)
	SaveCheckpoint(ctx context.Context, name string, cp chat.Checkpoint) error

	PutSubscription(ctx context.Context, sub model.PushSubscription, machineIDs []string) error
	GetSubscription(ctx context.Context, endpoint string) (model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
	SubscriptionsForMachine(ctx context.Context, machineID string) ([]model.PushSubscription, error)

	Ping(ctx context.Context) error
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// LoadMachines returns every persisted machine with its full history.
func (s *gormStore) LoadMachines(ctx context.Context) ([]model.Machine, error) {
	var records []model.MachineRecord
	if err := s.db.WithContext(ctx).Order("id").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to load machines: %w", err)
	}

	var history []model.StatusHistoryRecord
	if err := s.db.WithContext(ctx).Order("machine_id").Order("seq").Find(&history).Error; err != nil {
		return nil, fmt.Errorf("failed to load status history: %w", err)
	}

	byMachine := make(map[string][]model.StatusHistoryEntry, len(records))
	for _, h := range history {
		byMachine[h.MachineID] = append(byMachine[h.MachineID], model.StatusHistoryEntry{
			Status:    model.Status(h.Status),
			Timestamp: h.Timestamp.UTC(),
			User:      h.User,
		})
	}

	machines := make([]model.Machine, 0, len(records))
	for _, r := range records {
		machines = append(machines, machineFromRecord(r, byMachine[r.ID]))
	}
	return machines, nil
}

// SaveMachine upserts the machine row and appends the new history rows in one
// transaction.
func (s *gormStore) SaveMachine(ctx context.Context, m model.Machine, appended []model.StatusHistoryEntry) error {
	record := recordFromMachine(m)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"block_number", "status", "estimated_finish_time",
				"telegram_message", "telegram_message_url", "updated_at",
			}),
		}).Create(&record).Error; err != nil {
			return fmt.Errorf("failed to upsert machine %s: %w", m.ID, err)
		}

		if len(appended) == 0 {
			return nil
		}
		first := len(m.StatusHistory) - len(appended)
		if first < 0 {
			return fmt.Errorf("machine %s: %d appended entries exceed history length %d", m.ID, len(appended), len(m.StatusHistory))
		}
		rows := make([]model.StatusHistoryRecord, 0, len(appended))
		for i, e := range appended {
			rows = append(rows, model.StatusHistoryRecord{
				MachineID: m.ID,
				Seq:       first + i,
				Status:    string(e.Status),
				Timestamp: e.Timestamp.UTC(),
				User:      e.User,
			})
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("failed to append history for machine %s: %w", m.ID, err)
		}
		return nil
	})
}

// DeleteMachine removes the machine, its history and its subscription mappings.
func (s *gormStore) DeleteMachine(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("machine_id = ?", id).Delete(&model.StatusHistoryRecord{}).Error; err != nil {
			return fmt.Errorf("failed to delete history of machine %s: %w", id, err)
		}
		if err := tx.Where("machine_id = ?", id).Delete(&model.SubscriptionMachine{}).Error; err != nil {
			return fmt.Errorf("failed to delete subscriptions of machine %s: %w", id, err)
		}
		if err := tx.Delete(&model.MachineRecord{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to delete machine %s: %w", id, err)
		}
		return nil
	})
}

// LoadCheckpoint returns ok=false when no checkpoint was saved under name.
func (s *gormStore) LoadCheckpoint(ctx context.Context, name string) (chat.Checkpoint, bool, error) {
	var record model.CheckpointRecord
	err := s.db.WithContext(ctx).First(&record, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chat.Checkpoint{}, false, nil
	}
	if err != nil {
		return chat.Checkpoint{}, false, fmt.Errorf("failed to load checkpoint %q: %w", name, err)
	}
	return chat.Checkpoint{UpdateID: record.UpdateID, Timestamp: record.MessageTime.UTC()}, true, nil
}

func (s *gormStore) SaveCheckpoint(ctx context.Context, name string, cp chat.Checkpoint) error {
	record := model.CheckpointRecord{Name: name, UpdateID: cp.UpdateID, MessageTime: cp.Timestamp.UTC()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"update_id", "message_time", "updated_at"}),
	}).Create(&record).Error; err != nil {
		return fmt.Errorf("failed to save checkpoint %q: %w", name, err)
	}
	return nil
}

// PutSubscription creates or replaces a subscription and its machine list.
func (s *gormStore) PutSubscription(ctx context.Context, sub model.PushSubscription, machineIDs []string) error {
	sub.Machines = nil
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "endpoint"}},
			DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth"}),
		}).Create(&sub).Error; err != nil {
			return err
		}

		if err := tx.Where("endpoint = ?", sub.Endpoint).Delete(&model.SubscriptionMachine{}).Error; err != nil {
			return err
		}

		seen := make(map[string]bool, len(machineIDs))
		var mappings []model.SubscriptionMachine
		for _, id := range machineIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			mappings = append(mappings, model.SubscriptionMachine{Endpoint: sub.Endpoint, MachineID: id})
		}
		if len(mappings) == 0 {
			return nil
		}
		return tx.Create(&mappings).Error
	})
}

// GetSubscription returns the subscription with its machines, or a NotFound
// error.
func (s *gormStore) GetSubscription(ctx context.Context, endpoint string) (model.PushSubscription, error) {
	var sub model.PushSubscription
	err := s.db.WithContext(ctx).
		Preload("Machines", func(db *gorm.DB) *gorm.DB { return db.Order("machine_id") }).
		First(&sub, "endpoint = ?", endpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.PushSubscription{}, apperr.NotFound("subscription not found")
	}
	if err != nil {
		return model.PushSubscription{}, err
	}
	return sub, nil
}

// DeleteSubscription removes a subscription. Deleting an unknown endpoint is
// not an error.
func (s *gormStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("endpoint = ?", endpoint).Delete(&model.SubscriptionMachine{}).Error; err != nil {
			return err
		}
		return tx.Where("endpoint = ?", endpoint).Delete(&model.PushSubscription{}).Error
	})
}

// SubscriptionsForMachine returns every subscription watching machineID.
func (s *gormStore) SubscriptionsForMachine(ctx context.Context, machineID string) ([]model.PushSubscription, error) {
	var subscriptions []model.PushSubscription
	err := s.db.WithContext(ctx).
		Joins("JOIN subscription_machine_mapping smm ON smm.endpoint = push_subscriptions.endpoint").
		Where("smm.machine_id = ?", machineID).
		Find(&subscriptions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subscriptions for machine %s: %w", machineID, err)
	}
	return subscriptions, nil
}

func (s *gormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
