package model

import "time"

type OrderState string

const (
	OrderStatePending         OrderState = "PENDING"
	OrderStateAwaitingPayment OrderState = "AWAITING_PAYMENT"
	OrderStatePaid            OrderState = "PAID"
	OrderStateFulfilling      OrderState = "FULFILLING"
	OrderStateFulfilled       OrderState = "FULFILLED"
	OrderStatePaymentFailed   OrderState = "PAYMENT_FAILED"
	OrderStateCanceled        OrderState = "CANCELED"
	OrderStateRefunded        OrderState = "REFUNDED"
)

// 正当な遷移表。ここに無い遷移はすべて拒否する。
var orderTransitions = map[OrderState][]OrderState{
	OrderStatePending:         {OrderStateAwaitingPayment},
	OrderStateAwaitingPayment: {OrderStatePaid, OrderStatePaymentFailed},
	OrderStatePaid:            {OrderStateFulfilling, OrderStateRefunded},
	OrderStateFulfilling:      {OrderStateFulfilled},
	OrderStateFulfilled:       {OrderStateRefunded},
	OrderStatePaymentFailed:   {OrderStateAwaitingPayment},
}

// CanTransitionはfrom→toが遷移表にあるかを返す。
// CANCELEDへは非終端状態からならどこからでも遷移できる。
func CanTransition(from OrderState, to OrderState) bool {
	if to == OrderStateCanceled {
		return !IsTerminal(from)
	}
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// 終端状態。FULFILLED→REFUNDEDだけが例外で遷移表側に持つ。
func IsTerminal(s OrderState) bool {
	switch s {
	case OrderStateFulfilled, OrderStateRefunded, OrderStateCanceled:
		return true
	}
	return false
}

type Order struct {
	ID int64 `gorm:"primaryKey;autoIncrement" json:"id"`

	//プロバイダ側チェックアウトセッションID。作成後に一度だけ設定する。
	ProviderReference string `gorm:"type:varchar(255);not null;default:'';index" json:"provider_reference"`

	State OrderState `gorm:"type:varchar(20);not null;index" json:"state"`

	//金額・通貨は作成後に変更しない
	Amount   int64  `gorm:"not null" json:"amount"`
	Currency string `gorm:"type:varchar(3);not null" json:"currency"`

	//楽観ロック用。コミットされた遷移ごとに+1する。
	Version int64 `gorm:"not null;default:0" json:"version"`

	//checkout再試行（PAYMENT_FAILED→AWAITING_PAYMENT）の回数
	RetryCount int `gorm:"not null;default:0" json:"retry_count"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"`
}
