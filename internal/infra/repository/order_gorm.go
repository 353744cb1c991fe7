package repository

import (
	"context"
	"errors"

	"app/internal/domain/model"
	repo "app/internal/repository"

	"gorm.io/gorm"
)

type OrderGormRepository struct {
	db *gorm.DB
}

func NewOrderGormRepository(db *gorm.DB) *OrderGormRepository {
	return &OrderGormRepository{db: db}
}

func (r *OrderGormRepository) FindByID(ctx context.Context, orderID int64) (model.Order, error) {
	var o model.Order
	err := r.db.WithContext(ctx).Where("id = ?", orderID).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Order{}, repo.ErrNotFound
	}
	if err != nil {
		return model.Order{}, err
	}
	return o, nil
}

func (r *OrderGormRepository) FindByProviderReference(ctx context.Context, ref string) (model.Order, error) {
	if ref == "" {
		return model.Order{}, repo.ErrNotFound
	}

	var o model.Order
	err := r.db.WithContext(ctx).Where("provider_reference = ?", ref).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Order{}, repo.ErrNotFound
	}
	if err != nil {
		return model.Order{}, err
	}
	return o, nil
}

func (r *OrderGormRepository) Create(ctx context.Context, order model.Order) (int64, error) {
	if err := r.db.WithContext(ctx).Create(&order).Error; err != nil {
		return 0, err
	}
	return order.ID, nil
}

// 未設定（''）の行だけ更新する。設定済みなら0行更新でErrNotFound。
func (r *OrderGormRepository) SetProviderReference(ctx context.Context, orderID int64, ref string) error {
	res := r.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND provider_reference = ''", orderID).
		Update("provider_reference", ref)

	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// version一致を条件にstateとversion+1を書く。0行更新は競合。
func (r *OrderGormRepository) UpdateStateVersioned(ctx context.Context, orderID int64, to model.OrderState, expectedVersion int64) error {
	res := r.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND version = ?", orderID, expectedVersion).
		Updates(map[string]interface{}{
			"state":   to,
			"version": expectedVersion + 1,
		})

	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repo.ErrVersionConflict
	}
	return nil
}

func (r *OrderGormRepository) IncrementRetryCount(ctx context.Context, orderID int64) error {
	res := r.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ?", orderID).
		Update("retry_count", gorm.Expr("retry_count + 1"))

	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repo.ErrNotFound
	}
	return nil
}
