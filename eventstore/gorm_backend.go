package eventstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/aethyr/world/models"
)

// GormBackend implements Backend on a SQL table through GORM.
// The guard key must be part of the batch it guards.
type GormBackend struct {
	db *gorm.DB
}

// NewGormBackend creates the kv_entries table if needed
func NewGormBackend(db *gorm.DB) (*GormBackend, error) {
	if err := db.AutoMigrate(&models.KVEntry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate kv_entries: %w", err)
	}
	return &GormBackend{db: db}, nil
}

func (b *GormBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var entry models.KVEntry
	err := b.db.WithContext(ctx).Where("entry_key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return entry.Value, true, nil
}

func (b *GormBackend) Set(ctx context.Context, key string, value []byte) error {
	entry := models.KVEntry{Key: key, Value: value}
	err := b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"entry_value", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// SetAll runs the batch in one transaction. The guard is enforced by a
// conditional write of the guard key itself, so two writers racing on the
// same key cannot both succeed.
func (b *GormBackend) SetAll(ctx context.Context, entries []Entry, guard *Guard) error {
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rest := entries
		if guard != nil {
			var guarded *Entry
			rest = make([]Entry, 0, len(entries))
			for i := range entries {
				if entries[i].Key == guard.Key && guarded == nil {
					guarded = &entries[i]
					continue
				}
				rest = append(rest, entries[i])
			}
			if guarded == nil {
				return fmt.Errorf("guard key %s is not part of the batch", guard.Key)
			}
			if err := b.writeGuarded(tx, *guarded, guard); err != nil {
				return err
			}
		}

		for _, e := range rest {
			entry := models.KVEntry{Key: e.Key, Value: e.Value}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "entry_key"}},
				DoUpdates: clause.AssignmentColumns([]string{"entry_value", "updated_at"}),
			}).Create(&entry).Error
			if err != nil {
				return fmt.Errorf("failed to write %s: %w", e.Key, err)
			}
		}
		return nil
	})
}

func (b *GormBackend) writeGuarded(tx *gorm.DB, e Entry, guard *Guard) error {
	if guard.Expected == nil {
		entry := models.KVEntry{Key: e.Key, Value: e.Value}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
		if res.Error != nil {
			return fmt.Errorf("failed to write %s: %w", e.Key, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		return nil
	}

	res := tx.Model(&models.KVEntry{}).
		Where("entry_key = ? AND entry_value = ?", e.Key, guard.Expected).
		Update("entry_value", e.Value)
	if res.Error != nil {
		return fmt.Errorf("failed to write %s: %w", e.Key, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (b *GormBackend) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	var rows []models.KVEntry
	err := b.db.WithContext(ctx).
		Where("entry_key LIKE ?", prefix+"%").
		Order("entry_key ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", prefix, err)
	}

	result := make([]Entry, 0, len(rows))
	for _, row := range rows {
		// LIKE treats _ as a wildcard
		if !strings.HasPrefix(row.Key, prefix) {
			continue
		}
		result = append(result, Entry{Key: row.Key, Value: row.Value})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

func (b *GormBackend) Clear(ctx context.Context) error {
	err := b.db.WithContext(ctx).
		Where("entry_key LIKE ? OR entry_key LIKE ? OR entry_key LIKE ?",
			eventPrefix+"%", sequencePrefix+"%", snapshotPrefix+"%").
		Delete(&models.KVEntry{}).Error
	if err != nil {
		return fmt.Errorf("failed to clear event store: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool
func (b *GormBackend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
