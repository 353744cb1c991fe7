package repository

import (
	"context"

	"app/internal/domain/model"
)

type WebhookEventRepository interface {
	//event_idのユニークINSERT。2回目以降はErrDuplicateEvent。
	//同じトランザクション内で呼ぶこと（適用が失敗したらadmissionも巻き戻る）。
	Admit(ctx context.Context, eventID string) error

	//配送記録を1行追加する（追記専用）
	RecordDelivery(ctx context.Context, ev model.WebhookEvent) (int64, error)
}
