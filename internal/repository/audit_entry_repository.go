package repository

import (
	"context"

	"app/internal/domain/model"
)

type AuditEntryRepository interface {
	//監査行を1件追加（追記専用）
	Create(ctx context.Context, entry model.AuditEntry) error

	//created_at昇順、同時刻はID（挿入順）でタイブレーク
	HistoryByOrderID(ctx context.Context, orderID int64) ([]model.AuditEntry, error)
}
