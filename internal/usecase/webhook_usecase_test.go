package usecase_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"app/internal/domain/model"
	"app/internal/payment"
	repo "app/internal/repository"
	"app/internal/usecase"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const webhookSecret = "whsec_unit_test"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newWebhookUC(tx *memTx, d *recordingDispatcher) *usecase.WebhookUsecase {
	verifier := payment.NewVerifier(webhookSecret, 5*time.Minute)
	return usecase.NewWebhookUsecase(tx, verifier, d, testLogger(), 3, time.Second)
}

// 署名付きのwebhookボディを作る
func signedEvent(t *testing.T, eventID string, eventType model.EventType, ref string) ([]byte, string) {
	t.Helper()

	body, err := json.Marshal(map[string]string{
		"event_id":           eventID,
		"event_type":         string(eventType),
		"provider_reference": ref,
	})
	require.NoError(t, err)

	return body, payment.Sign(webhookSecret, body, time.Now())
}

func TestWebhook_PaymentSucceeded_Applied(t *testing.T) {
	tx := newMemTx()
	d := &recordingDispatcher{}
	uc := newWebhookUC(tx, d)

	orderID := tx.seedOrder(model.OrderStateAwaitingPayment, 4200, "USD", "cs_1")

	body, sig := signedEvent(t, "evt_1", model.EventTypePaymentSucceeded, "cs_1")

	res, err := uc.ProcessDelivery(context.Background(), body, sig)
	require.NoError(t, err)
	assert.Equal(t, model.EventOutcomeApplied, res.Outcome)
	assert.Equal(t, orderID, res.OrderID)

	s := tx.committed()
	o := s.orders[orderID]
	assert.Equal(t, model.OrderStatePaid, o.State)
	assert.Equal(t, int64(1), o.Version)

	//配送記録（processed_at入り）と監査行が両方残る
	require.Len(t, s.deliveries, 1)
	assert.Equal(t, model.EventOutcomeApplied, s.deliveries[0].Outcome)
	assert.NotNil(t, s.deliveries[0].ProcessedAt)

	require.Len(t, s.audit, 1)
	assert.Equal(t, model.OrderStateAwaitingPayment, s.audit[0].FromState)
	assert.Equal(t, model.OrderStatePaid, s.audit[0].ToState)
	assert.Equal(t, "evt_1", s.audit[0].EventID)
	assert.Equal(t, model.EventOutcomeApplied, s.audit[0].Outcome)

	//PAIDは通知対象
	calls := d.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, dispatchCall{OrderID: orderID, State: model.OrderStatePaid}, calls[0])
}

// 同じイベントをN回送っても適用は1回、残りはduplicate。状態は変わらない。
func TestWebhook_Idempotent(t *testing.T) {
	tx := newMemTx()
	d := &recordingDispatcher{}
	uc := newWebhookUC(tx, d)

	orderID := tx.seedOrder(model.OrderStateAwaitingPayment, 4200, "USD", "cs_1")

	body, sig := signedEvent(t, "evt_1", model.EventTypePaymentSucceeded, "cs_1")

	const n = 4
	applied := 0
	duplicate := 0

	for i := 0; i < n; i++ {
		res, err := uc.ProcessDelivery(context.Background(), body, sig)
		require.NoError(t, err)
		switch res.Outcome {
		case model.EventOutcomeApplied:
			applied++
		case model.EventOutcomeDuplicate:
			duplicate++
		}
	}

	assert.Equal(t, 1, applied)
	assert.Equal(t, n-1, duplicate)

	s := tx.committed()
	assert.Equal(t, model.OrderStatePaid, s.orders[orderID].State)
	assert.Equal(t, int64(1), s.orders[orderID].Version)
	assert.Len(t, s.deliveries, n)

	//通知は適用された1回だけ
	assert.Len(t, d.Calls(), 1)
}

func TestWebhook_InvalidSignature(t *testing.T) {
	tx := newMemTx()
	d := &recordingDispatcher{}
	uc := newWebhookUC(tx, d)

	orderID := tx.seedOrder(model.OrderStateAwaitingPayment, 4200, "USD", "cs_1")

	body, sig := signedEvent(t, "evt_1", model.EventTypePaymentSucceeded, "cs_1")
	tampered := append([]byte(nil), body...)
	tampered[0] ^= 0xff

	res, err := uc.ProcessDelivery(context.Background(), tampered, sig)
	require.NoError(t, err)
	assert.Equal(t, model.EventOutcomeRejectedSignature, res.Outcome)
	assert.Equal(t, "invalid signature", res.Reason)

	s := tx.committed()
	//注文は一切動かない
	assert.Equal(t, model.OrderStateAwaitingPayment, s.orders[orderID].State)
	assert.Equal(t, int64(0), s.orders[orderID].Version)

	//痕跡は残る。ただし偽造かもしれないのでevent_idは空。
	require.Len(t, s.deliveries, 1)
	assert.Equal(t, model.EventOutcomeRejectedSignature, s.deliveries[0].Outcome)
	assert.Equal(t, "", s.deliveries[0].EventID)

	require.Len(t, s.audit, 1)
	assert.Equal(t, int64(0), s.audit[0].OrderID)
	assert.Equal(t, model.EventOutcomeRejectedSignature, s.audit[0].Outcome)

	assert.Empty(t, d.Calls())
}

func TestWebhook_StaleTimestamp(t *testing.T) {
	tx := newMemTx()
	uc := newWebhookUC(tx, &recordingDispatcher{})

	tx.seedOrder(model.OrderStateAwaitingPayment, 4200, "USD", "cs_1")

	body, err := json.Marshal(map[string]string{
		"event_id":           "evt_1",
		"event_type":         string(model.EventTypePaymentSucceeded),
		"provider_reference": "cs_1",
	})
	require.NoError(t, err)

	//10分前の署名
	sig := payment.Sign(webhookSecret, body, time.Now().Add(-10*time.Minute))

	res, err := uc.ProcessDelivery(context.Background(), body, sig)
	require.NoError(t, err)
	assert.Equal(t, model.EventOutcomeRejectedSignature, res.Outcome)
	assert.Equal(t, "stale timestamp", res.Reason)
}

func TestWebhook_UnknownOrder(t *testing.T) {
	tx := newMemTx()
	uc := newWebhookUC(tx, &recordingDispatcher{})

	body, sig := signedEvent(t, "evt_1", model.EventTypePaymentSucceeded, "cs_missing")

	res, err := uc.ProcessDelivery(context.Background(), body, sig)
	require.NoError(t, err)
	assert.Equal(t, model.EventOutcomeRejectedState, res.Outcome)
	assert.Equal(t, "unknown order", res.Reason)

	s := tx.committed()
	require.Len(t, s.deliveries, 1)
	assert.Equal(t, model.EventOutcomeRejectedState, s.deliveries[0].Outcome)
}

func TestWebhook_UnknownEventType(t *testing.T) {
	tx := newMemTx()
	uc := newWebhookUC(tx, &recordingDispatcher{})

	body, sig := signedEvent(t, "evt_1", model.EventType("payment.exploded"), "cs_1")

	res, err := uc.ProcessDelivery(context.Background(), body, sig)
	require.NoError(t, err)
	assert.Equal(t, model.EventOutcomeRejectedState, res.Outcome)
	assert.Equal(t, "unknown event type", res.Reason)
}

// 遷移表にない遷移はrejected_stateで記録され、状態は変わらない
func TestWebhook_IllegalTransition(t *testing.T) {
	tx := newMemTx()
	d := &recordingDispatcher{}
	uc := newWebhookUC(tx, d)

	//PENDINGにrefundは来ない
	orderID := tx.seedOrder(model.OrderStatePending, 4200, "USD", "cs_1")

	body, sig := signedEvent(t, "evt_1", model.EventTypeRefundIssued, "cs_1")

	res, err := uc.ProcessDelivery(context.Background(), body, sig)
	require.NoError(t, err)
	assert.Equal(t, model.EventOutcomeRejectedState, res.Outcome)
	assert.Equal(t, "invalid transition", res.Reason)

	s := tx.committed()
	assert.Equal(t, model.OrderStatePending, s.orders[orderID].State)
	assert.Equal(t, int64(0), s.orders[orderID].Version)

	require.Len(t, s.audit, 1)
	assert.Equal(t, model.EventOutcomeRejectedState, s.audit[0].Outcome)
	assert.Equal(t, model.OrderStatePending, s.audit[0].FromState)
	assert.Equal(t, model.OrderStateRefunded, s.audit[0].ToState)

	assert.Empty(t, d.Calls())
}

// version競合：先にキャンセルがコミットされたら、読み直して今度はrejectedになる。
// 二重適用は起きない。
func TestWebhook_VersionConflict_RetriedThenRejected(t *testing.T) {
	tx := newMemTx()
	d := &recordingDispatcher{}
	uc := newWebhookUC(tx, d)

	orderID := tx.seedOrder(model.OrderStateAwaitingPayment, 4200, "USD", "cs_1")

	//最初のversion付き更新の直前に、committed側へ競合するキャンセルを差し込む
	tx.updateHook = func(committed *memState) error {
		o := committed.orders[orderID]
		o.State = model.OrderStateCanceled
		o.Version++
		committed.orders[orderID] = o
		return repo.ErrVersionConflict
	}

	body, sig := signedEvent(t, "evt_1", model.EventTypePaymentSucceeded, "cs_1")

	res, err := uc.ProcessDelivery(context.Background(), body, sig)
	require.NoError(t, err)
	assert.Equal(t, model.EventOutcomeRejectedState, res.Outcome)

	s := tx.committed()
	//勝ったのはキャンセルだけ。PAIDへの遷移はコミットされていない。
	assert.Equal(t, model.OrderStateCanceled, s.orders[orderID].State)
	assert.Equal(t, int64(1), s.orders[orderID].Version)
	assert.Empty(t, d.Calls())
}

// 一連の流れ：4200 USDの注文がpending→awaiting→paid→（重複）→refundedと進み、
// 適用された監査行がちょうど3件その順で残る。
func TestWebhook_FullScenario(t *testing.T) {
	tx := newMemTx()
	d := &recordingDispatcher{}
	uc := newWebhookUC(tx, d)

	orderID := tx.seedOrder(model.OrderStatePending, 4200, "USD", "cs_42")

	deliver := func(eventID string, eventType model.EventType) usecase.WebhookResult {
		body, sig := signedEvent(t, eventID, eventType, "cs_42")
		res, err := uc.ProcessDelivery(context.Background(), body, sig)
		require.NoError(t, err)
		return res
	}

	assert.Equal(t, model.EventOutcomeApplied, deliver("evt_0", model.EventTypeCheckoutConfirmed).Outcome)
	assert.Equal(t, model.EventOutcomeApplied, deliver("evt_1", model.EventTypePaymentSucceeded).Outcome)

	//evt_1の再配送はduplicateで、状態はPAIDのまま
	assert.Equal(t, model.EventOutcomeDuplicate, deliver("evt_1", model.EventTypePaymentSucceeded).Outcome)
	assert.Equal(t, model.OrderStatePaid, tx.committed().orders[orderID].State)

	assert.Equal(t, model.EventOutcomeApplied, deliver("evt_2", model.EventTypeRefundIssued).Outcome)

	s := tx.committed()
	assert.Equal(t, model.OrderStateRefunded, s.orders[orderID].State)

	var appliedEntries []model.AuditEntry
	for _, e := range s.audit {
		if e.Outcome == model.EventOutcomeApplied {
			appliedEntries = append(appliedEntries, e)
		}
	}
	require.Len(t, appliedEntries, 3)
	assert.Equal(t, model.OrderStateAwaitingPayment, appliedEntries[0].ToState)
	assert.Equal(t, model.OrderStatePaid, appliedEntries[1].ToState)
	assert.Equal(t, model.OrderStateRefunded, appliedEntries[2].ToState)
}

// 監査ログの再生：適用行だけを順に畳み込むとOrder.stateが再構築できる。
// 正当・不正・重複が混ざっていても成り立つ。
func TestWebhook_AuditReplayReconstructsState(t *testing.T) {
	tx := newMemTx()
	uc := newWebhookUC(tx, &recordingDispatcher{})

	orderID := tx.seedOrder(model.OrderStatePending, 1000, "EUR", "cs_9")

	deliver := func(eventID string, eventType model.EventType) {
		body, sig := signedEvent(t, eventID, eventType, "cs_9")
		_, err := uc.ProcessDelivery(context.Background(), body, sig)
		require.NoError(t, err)
	}

	deliver("e1", model.EventTypeCheckoutConfirmed)
	deliver("e2", model.EventTypeRefundIssued) // 不正：awaiting→refundedは無い
	deliver("e3", model.EventTypePaymentFailed)
	deliver("e3", model.EventTypePaymentFailed) // 重複
	deliver("e4", model.EventTypePaymentSucceeded) // 不正：payment_failedからは来ない

	s := tx.committed()

	state := model.OrderStatePending
	for _, e := range s.audit {
		if e.OrderID == orderID && e.Outcome == model.EventOutcomeApplied {
			assert.Equal(t, state, e.FromState, "replay must chain")
			state = e.ToState
		}
	}
	assert.Equal(t, s.orders[orderID].State, state)
	assert.Equal(t, model.OrderStatePaymentFailed, state)
}
