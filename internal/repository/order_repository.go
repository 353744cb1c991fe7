package repository

import (
	"context"
	"errors"

	"app/internal/domain/model"
)

var ErrNotFound = errors.New("not found")

// version条件付きUPDATEが空振りしたとき（他のリクエストが先にコミットした）
var ErrVersionConflict = errors.New("version conflict")

// 同じevent_idのProcessedEventがすでに入っているとき
var ErrDuplicateEvent = errors.New("duplicate event")

type OrderRepository interface {
	FindByID(ctx context.Context, orderID int64) (model.Order, error)
	FindByProviderReference(ctx context.Context, ref string) (model.Order, error)
	Create(ctx context.Context, order model.Order) (int64, error)

	//作成後に一度だけ呼ぶ。すでに設定済みならErrNotFound。
	SetProviderReference(ctx context.Context, orderID int64, ref string) error

	//楽観ロック付きの状態更新。expectedVersionが一致しなければErrVersionConflict。
	UpdateStateVersioned(ctx context.Context, orderID int64, to model.OrderState, expectedVersion int64) error

	IncrementRetryCount(ctx context.Context, orderID int64) error
}

type OrderItemRepository interface {
	CreateBulk(ctx context.Context, orderID int64, items []model.OrderItem) error
	ListByOrderID(ctx context.Context, orderID int64) ([]model.OrderItem, error)
}
