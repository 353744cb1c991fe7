package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"app/internal/domain/model"
	"app/internal/notify"
	"app/internal/payment"
	repo "app/internal/repository"
)

const webhookActor = "provider:webhook"

// イベント種別→遷移先。fromの正当性チェックはmodel.CanTransitionに任せる。
var eventTargets = map[model.EventType]model.OrderState{
	model.EventTypeCheckoutConfirmed: model.OrderStateAwaitingPayment,
	model.EventTypePaymentSucceeded:  model.OrderStatePaid,
	model.EventTypePaymentFailed:     model.OrderStatePaymentFailed,
	model.EventTypeRefundIssued:      model.OrderStateRefunded,
}

type WebhookUsecase struct {
	tx         repo.TransactionManager
	verifier   *payment.Verifier
	dispatcher notify.Dispatcher
	logger     *slog.Logger

	retryAttempts int
	notifyTimeout time.Duration
}

func NewWebhookUsecase(
	tx repo.TransactionManager,
	verifier *payment.Verifier,
	dispatcher notify.Dispatcher,
	logger *slog.Logger,
	retryAttempts int,
	notifyTimeout time.Duration,
) *WebhookUsecase {
	return &WebhookUsecase{
		tx:            tx,
		verifier:      verifier,
		dispatcher:    dispatcher,
		logger:        logger,
		retryAttempts: retryAttempts,
		notifyTimeout: notifyTimeout,
	}
}

// プロバイダが送ってくるペイロード
type webhookPayload struct {
	EventID           string `json:"event_id"`
	EventType         string `json:"event_type"`
	ProviderReference string `json:"provider_reference"`
}

type WebhookResult struct {
	Outcome model.EventOutcome `json:"outcome"`
	OrderID int64              `json:"order_id,omitempty"`
	Reason  string             `json:"reason,omitempty"`
}

// ProcessDeliveryはwebhook配送1回を処理する。
// 検証→重複排除→状態遷移→監査を1トランザクションで行い、
// version競合だけ読み直して再試行する。エラーを返すのはインフラ障害のときだけで、
// 拒否・重複はWebhookResultの側に出る（配送記録は必ず残る）。
func (u *WebhookUsecase) ProcessDelivery(ctx context.Context, body []byte, signatureHeader string) (WebhookResult, error) {
	receivedAt := time.Now()

	//署名検証（純粋、副作用なし）
	if err := u.verifier.Verify(body, signatureHeader); err != nil {
		reason := "invalid signature"
		if errors.Is(err, payment.ErrStaleTimestamp) {
			reason = "stale timestamp"
		}

		//攻撃か設定ミスなので高いレベルで残す。ペイロードは信用しないので記録しない。
		u.logger.Error("webhook signature rejected", "reason", reason)

		if err := u.recordRejection(ctx, model.WebhookEvent{
			Outcome:    model.EventOutcomeRejectedSignature,
			ReceivedAt: receivedAt,
		}, model.Order{}, ""); err != nil {
			return WebhookResult{}, NewHTTPError(http.StatusInternalServerError, "persistence failure")
		}

		return WebhookResult{Outcome: model.EventOutcomeRejectedSignature, Reason: reason}, nil
	}

	//署名は正しいのでペイロードを読む
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil || p.EventID == "" {
		if err := u.recordRejection(ctx, model.WebhookEvent{
			EventID:    p.EventID,
			EventType:  p.EventType,
			Outcome:    model.EventOutcomeRejectedState,
			ReceivedAt: receivedAt,
		}, model.Order{}, p.EventID); err != nil {
			return WebhookResult{}, NewHTTPError(http.StatusInternalServerError, "persistence failure")
		}
		return WebhookResult{Outcome: model.EventOutcomeRejectedState, Reason: "invalid payload"}, nil
	}

	target, known := eventTargets[model.EventType(p.EventType)]
	if !known {
		if err := u.recordRejection(ctx, model.WebhookEvent{
			EventID:    p.EventID,
			EventType:  p.EventType,
			Outcome:    model.EventOutcomeRejectedState,
			ReceivedAt: receivedAt,
		}, model.Order{}, p.EventID); err != nil {
			return WebhookResult{}, NewHTTPError(http.StatusInternalServerError, "persistence failure")
		}
		return WebhookResult{Outcome: model.EventOutcomeRejectedState, Reason: "unknown event type"}, nil
	}

	for attempt := 0; attempt < u.retryAttempts; attempt++ {
		var result WebhookResult

		err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
			now := time.Now()

			//重複排除の直列化点。適用が失敗して巻き戻ればadmissionも消える。
			admitErr := r.WebhookEvents().Admit(ctx, p.EventID)
			if admitErr == repo.ErrDuplicateEvent {
				//同じevent_idはすでに処理済み（結果を問わず）。記録だけ残す。
				o, _ := r.Orders().FindByProviderReference(ctx, p.ProviderReference)

				ev := model.WebhookEvent{
					EventID:    p.EventID,
					EventType:  p.EventType,
					OrderID:    o.ID,
					Outcome:    model.EventOutcomeDuplicate,
					ReceivedAt: receivedAt,
				}
				if _, err := r.WebhookEvents().RecordDelivery(ctx, ev); err != nil {
					return err
				}
				if err := r.Audit().Create(ctx, model.AuditEntry{
					OrderID:   o.ID,
					FromState: o.State,
					ToState:   o.State,
					EventID:   p.EventID,
					Outcome:   model.EventOutcomeDuplicate,
					Actor:     webhookActor,
					CreatedAt: now,
				}); err != nil {
					return err
				}

				result = WebhookResult{Outcome: model.EventOutcomeDuplicate, OrderID: o.ID}
				return nil
			}
			if admitErr != nil {
				return admitErr
			}

			o, err := r.Orders().FindByProviderReference(ctx, p.ProviderReference)
			if err == repo.ErrNotFound {
				ev := model.WebhookEvent{
					EventID:    p.EventID,
					EventType:  p.EventType,
					Outcome:    model.EventOutcomeRejectedState,
					ReceivedAt: receivedAt,
				}
				if _, err := r.WebhookEvents().RecordDelivery(ctx, ev); err != nil {
					return err
				}
				if err := r.Audit().Create(ctx, model.AuditEntry{
					EventID:   p.EventID,
					Outcome:   model.EventOutcomeRejectedState,
					Actor:     webhookActor,
					CreatedAt: now,
				}); err != nil {
					return err
				}

				result = WebhookResult{Outcome: model.EventOutcomeRejectedState, Reason: "unknown order"}
				return nil
			}
			if err != nil {
				return err
			}

			if !model.CanTransition(o.State, target) {
				ev := model.WebhookEvent{
					EventID:    p.EventID,
					EventType:  p.EventType,
					OrderID:    o.ID,
					Outcome:    model.EventOutcomeRejectedState,
					ReceivedAt: receivedAt,
				}
				if _, err := r.WebhookEvents().RecordDelivery(ctx, ev); err != nil {
					return err
				}
				if err := auditRejected(ctx, r, o, target, p.EventID, webhookActor, now); err != nil {
					return err
				}

				result = WebhookResult{Outcome: model.EventOutcomeRejectedState, OrderID: o.ID, Reason: "invalid transition"}
				return nil
			}

			//状態遷移＋監査（同一トランザクション）
			if err := applyTransitionTx(ctx, r, o, target, p.EventID, webhookActor, now); err != nil {
				return err
			}

			processedAt := now
			ev := model.WebhookEvent{
				EventID:     p.EventID,
				EventType:   p.EventType,
				OrderID:     o.ID,
				Outcome:     model.EventOutcomeApplied,
				ReceivedAt:  receivedAt,
				ProcessedAt: &processedAt,
			}
			if _, err := r.WebhookEvents().RecordDelivery(ctx, ev); err != nil {
				return err
			}

			result = WebhookResult{Outcome: model.EventOutcomeApplied, OrderID: o.ID}
			return nil
		})

		if errors.Is(err, repo.ErrVersionConflict) {
			//他の配送が先にコミットした。読み直してもう一度。
			sleepJitter(attempt)
			continue
		}
		if err != nil {
			u.logger.Error("webhook processing failed", "event_id", p.EventID, "error", err)
			return WebhookResult{}, NewHTTPError(http.StatusInternalServerError, "persistence failure")
		}

		//コミット後にのみ通知する（失敗しても遷移は巻き戻らない）
		if result.Outcome == model.EventOutcomeApplied {
			dispatchCommitted(u.logger, u.dispatcher, u.notifyTimeout, result.OrderID, target)
		}

		return result, nil
	}

	u.logger.Error("webhook retries exhausted", "event_id", p.EventID)
	return WebhookResult{}, NewHTTPError(http.StatusInternalServerError, "persistence failure")
}

// 拒否された配送の痕跡（配送記録＋監査行）を1トランザクションで残す
func (u *WebhookUsecase) recordRejection(ctx context.Context, ev model.WebhookEvent, o model.Order, eventID string) error {
	return u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		if _, err := r.WebhookEvents().RecordDelivery(ctx, ev); err != nil {
			return err
		}
		return r.Audit().Create(ctx, model.AuditEntry{
			OrderID:   o.ID,
			FromState: o.State,
			ToState:   o.State,
			EventID:   eventID,
			Outcome:   ev.Outcome,
			Actor:     webhookActor,
			CreatedAt: time.Now(),
		})
	})
}
