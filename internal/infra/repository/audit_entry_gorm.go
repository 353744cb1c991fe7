package repository

import (
	"context"

	"app/internal/domain/model"

	"gorm.io/gorm"
)

type AuditEntryGormRepository struct {
	db *gorm.DB
}

func NewAuditEntryGormRepository(db *gorm.DB) *AuditEntryGormRepository {
	return &AuditEntryGormRepository{db: db}
}

func (r *AuditEntryGormRepository) Create(ctx context.Context, entry model.AuditEntry) error {
	return r.db.WithContext(ctx).Create(&entry).Error
}

func (r *AuditEntryGormRepository) HistoryByOrderID(ctx context.Context, orderID int64) ([]model.AuditEntry, error) {
	var entries []model.AuditEntry
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at asc, id asc").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
