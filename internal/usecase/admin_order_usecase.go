package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"app/internal/domain/model"
	"app/internal/notify"
	repo "app/internal/repository"
)

// 管理者・内部トリガーによる遷移（cancel / fulfillment / checkout再試行）。
// どれもwebhookと同じ状態機械・監査経路を通る。
type AdminOrderUsecase struct {
	tx         repo.TransactionManager
	dispatcher notify.Dispatcher
	logger     *slog.Logger

	retryAttempts int
	notifyTimeout time.Duration

	//checkout再試行ポリシー（設定で変える）
	maxCheckoutRetries  int
	checkoutRetryWindow time.Duration
}

func NewAdminOrderUsecase(
	tx repo.TransactionManager,
	dispatcher notify.Dispatcher,
	logger *slog.Logger,
	retryAttempts int,
	notifyTimeout time.Duration,
	maxCheckoutRetries int,
	checkoutRetryWindow time.Duration,
) *AdminOrderUsecase {
	return &AdminOrderUsecase{
		tx:                  tx,
		dispatcher:          dispatcher,
		logger:              logger,
		retryAttempts:       retryAttempts,
		notifyTimeout:       notifyTimeout,
		maxCheckoutRetries:  maxCheckoutRetries,
		checkoutRetryWindow: checkoutRetryWindow,
	}
}

func adminActor(adminID int64) string {
	return fmt.Sprintf("admin:%d", adminID)
}

// 明示キャンセル。非終端ならどの状態からでも通る。
func (u *AdminOrderUsecase) Cancel(ctx context.Context, actorAdminID int64, orderID int64) error {
	if actorAdminID <= 0 {
		return NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if orderID <= 0 {
		return NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	o, err := applyWithRetry(ctx, u.tx, orderID, model.OrderStateCanceled, "", adminActor(actorAdminID), u.retryAttempts)
	if err != nil {
		return err
	}

	dispatchCommitted(u.logger, u.dispatcher, u.notifyTimeout, o.ID, o.State)
	return nil
}

// PAID→FULFILLING（出荷処理の開始）
func (u *AdminOrderUsecase) StartFulfillment(ctx context.Context, actorAdminID int64, orderID int64) error {
	if actorAdminID <= 0 {
		return NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if orderID <= 0 {
		return NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	_, err := applyWithRetry(ctx, u.tx, orderID, model.OrderStateFulfilling, "", adminActor(actorAdminID), u.retryAttempts)
	return err
}

// FULFILLING→FULFILLED（出荷完了）
func (u *AdminOrderUsecase) CompleteFulfillment(ctx context.Context, actorAdminID int64, orderID int64) error {
	if actorAdminID <= 0 {
		return NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if orderID <= 0 {
		return NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	o, err := applyWithRetry(ctx, u.tx, orderID, model.OrderStateFulfilled, "", adminActor(actorAdminID), u.retryAttempts)
	if err != nil {
		return err
	}

	dispatchCommitted(u.logger, u.dispatcher, u.notifyTimeout, o.ID, o.State)
	return nil
}

// PAYMENT_FAILED→AWAITING_PAYMENT。回数と期間のポリシーで縛る。
func (u *AdminOrderUsecase) RetryCheckout(ctx context.Context, actorAdminID int64, orderID int64) error {
	if actorAdminID <= 0 {
		return NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if orderID <= 0 {
		return NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	//ポリシーチェックは遷移と同じトランザクションで行う
	//（applyWithRetryを使わないのはRetryCountの更新も一緒にコミットするため）
	for attempt := 0; attempt < u.retryAttempts; attempt++ {
		var rejectReason string

		err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
			o, err := r.Orders().FindByID(ctx, orderID)
			if err == repo.ErrNotFound {
				return NewHTTPError(http.StatusNotFound, "not found")
			}
			if err != nil {
				return NewHTTPError(http.StatusInternalServerError, "db error")
			}

			now := time.Now()
			actor := adminActor(actorAdminID)

			if !model.CanTransition(o.State, model.OrderStateAwaitingPayment) || o.State != model.OrderStatePaymentFailed {
				rejectReason = "invalid transition"
				return auditRejected(ctx, r, o, model.OrderStateAwaitingPayment, "", actor, now)
			}
			if o.RetryCount >= u.maxCheckoutRetries {
				rejectReason = "retry limit exceeded"
				return auditRejected(ctx, r, o, model.OrderStateAwaitingPayment, "", actor, now)
			}
			if now.Sub(o.CreatedAt) > u.checkoutRetryWindow {
				rejectReason = "retry window expired"
				return auditRejected(ctx, r, o, model.OrderStateAwaitingPayment, "", actor, now)
			}

			if err := applyTransitionTx(ctx, r, o, model.OrderStateAwaitingPayment, "", actor, now); err != nil {
				return err
			}
			return r.Orders().IncrementRetryCount(ctx, o.ID)
		})

		if errors.Is(err, repo.ErrVersionConflict) {
			sleepJitter(attempt)
			continue
		}
		if err != nil {
			if _, ok := AsHTTPError(err); ok {
				return err
			}
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}
		if rejectReason != "" {
			return NewHTTPError(http.StatusBadRequest, rejectReason)
		}
		return nil
	}

	return NewHTTPError(http.StatusInternalServerError, "persistence failure")
}
