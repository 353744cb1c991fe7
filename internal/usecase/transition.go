package usecase

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"app/internal/domain/model"
	"app/internal/notify"
	repo "app/internal/repository"
)

// 通知を飛ばす状態（terminalに準ずるもの）
var notifyStates = map[model.OrderState]bool{
	model.OrderStatePaid:          true,
	model.OrderStatePaymentFailed: true,
	model.OrderStateFulfilled:     true,
	model.OrderStateRefunded:      true,
	model.OrderStateCanceled:      true,
}

// version条件付き更新と監査行を同じトランザクションで書く。
// どちらかが失敗したら両方巻き戻る（孤児の監査行・未監査の遷移を作らない）。
func applyTransitionTx(ctx context.Context, r repo.TxRepos, o model.Order, to model.OrderState, eventID string, actor string, now time.Time) error {
	if err := r.Orders().UpdateStateVersioned(ctx, o.ID, to, o.Version); err != nil {
		return err
	}

	return r.Audit().Create(ctx, model.AuditEntry{
		OrderID:   o.ID,
		FromState: o.State,
		ToState:   to,
		EventID:   eventID,
		Outcome:   model.EventOutcomeApplied,
		Actor:     actor,
		CreatedAt: now,
	})
}

// 拒否も監査に残す。呼び出し側はこのあと別途エラーを返す
// （閉包内でエラーを返すとrollbackで監査行まで消えるため）。
func auditRejected(ctx context.Context, r repo.TxRepos, o model.Order, to model.OrderState, eventID string, actor string, now time.Time) error {
	return r.Audit().Create(ctx, model.AuditEntry{
		OrderID:   o.ID,
		FromState: o.State,
		ToState:   to,
		EventID:   eventID,
		Outcome:   model.EventOutcomeRejectedState,
		Actor:     actor,
		CreatedAt: now,
	})
}

// applyWithRetryは注文を読み直しながらversion競合を上限回数まで再試行する。
// 競合以外の失敗はそのまま返す。上限に達したら500。
// 遷移できない状態になっていたらrejected_stateを監査に残して400。
func applyWithRetry(ctx context.Context, tx repo.TransactionManager, orderID int64, to model.OrderState, eventID string, actor string, attempts int) (model.Order, error) {
	var applied model.Order

	for attempt := 0; attempt < attempts; attempt++ {
		var rejected bool

		err := tx.WithinTx(ctx, func(r repo.TxRepos) error {
			o, err := r.Orders().FindByID(ctx, orderID)
			if err == repo.ErrNotFound {
				return NewHTTPError(http.StatusNotFound, "not found")
			}
			if err != nil {
				return NewHTTPError(http.StatusInternalServerError, "db error")
			}

			now := time.Now()

			if !model.CanTransition(o.State, to) {
				rejected = true
				return auditRejected(ctx, r, o, to, eventID, actor, now)
			}

			if err := applyTransitionTx(ctx, r, o, to, eventID, actor, now); err != nil {
				return err
			}

			o.State = to
			o.Version++
			applied = o
			return nil
		})

		if errors.Is(err, repo.ErrVersionConflict) {
			sleepJitter(attempt)
			continue
		}
		if err != nil {
			if _, ok := AsHTTPError(err); ok {
				return model.Order{}, err
			}
			return model.Order{}, NewHTTPError(http.StatusInternalServerError, "db error")
		}
		if rejected {
			return model.Order{}, NewHTTPError(http.StatusBadRequest, "invalid transition")
		}
		return applied, nil
	}

	return model.Order{}, NewHTTPError(http.StatusInternalServerError, "persistence failure")
}

// 再試行間隔。短いジッター付きで待つだけ（ロックは持たない）。
func sleepJitter(attempt int) {
	base := time.Duration(attempt+1) * 20 * time.Millisecond
	time.Sleep(base + time.Duration(rand.Intn(20))*time.Millisecond)
}

// コミット後の通知。失敗してもログを残すだけで遷移には影響させない。
func dispatchCommitted(logger *slog.Logger, dispatcher notify.Dispatcher, timeout time.Duration, orderID int64, state model.OrderState) {
	if !notifyStates[state] {
		return
	}

	//リクエストのctxには縛らない（コミット済みの事実の通知なので）
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := dispatcher.Dispatch(ctx, orderID, state); err != nil {
		logger.Warn("notification dispatch failed",
			"order_id", orderID,
			"state", string(state),
			"error", err,
		)
	}
}
