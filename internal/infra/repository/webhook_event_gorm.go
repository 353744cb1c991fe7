package repository

import (
	"context"
	"errors"

	"app/internal/domain/model"
	repo "app/internal/repository"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WebhookEventGormRepository struct {
	db *gorm.DB
}

func NewWebhookEventGormRepository(db *gorm.DB) *WebhookEventGormRepository {
	return &WebhookEventGormRepository{db: db}
}

// processed_eventsへのユニークINSERTが重複排除の直列化点。
// ON CONFLICT DO NOTHINGで素のエラーを出さずに0行更新を重複と判定する
// （同一トランザクション内でabort状態を作らないため）。
func (r *WebhookEventGormRepository) Admit(ctx context.Context, eventID string) error {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(&model.ProcessedEvent{EventID: eventID})

	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return repo.ErrDuplicateEvent
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repo.ErrDuplicateEvent
	}
	return nil
}

func (r *WebhookEventGormRepository) RecordDelivery(ctx context.Context, ev model.WebhookEvent) (int64, error) {
	if err := r.db.WithContext(ctx).Create(&ev).Error; err != nil {
		return 0, err
	}
	return ev.ID, nil
}

// gormの翻訳（TranslateError）とpgconnの生エラーの両方を見る
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
