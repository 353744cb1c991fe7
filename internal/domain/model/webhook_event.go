package model

import "time"

// 1回の配送（delivery）の処理結果
type EventOutcome string

const (
	EventOutcomeApplied           EventOutcome = "APPLIED"
	EventOutcomeDuplicate         EventOutcome = "DUPLICATE"
	EventOutcomeRejectedSignature EventOutcome = "REJECTED_SIGNATURE"
	EventOutcomeRejectedState     EventOutcome = "REJECTED_STATE"
)

// プロバイダが送ってくるイベント種別
type EventType string

const (
	EventTypeCheckoutConfirmed EventType = "checkout.session.confirmed"
	EventTypePaymentSucceeded  EventType = "payment.succeeded"
	EventTypePaymentFailed     EventType = "payment.failed"
	EventTypeRefundIssued      EventType = "refund.issued"
)

// WebhookEventは配送1回につき1行。書いたら更新しない（再配送は新しい行になる）。
// 署名不正のときはevent_id/order_idが空のまま残る（偽造ペイロードは信用しない）。
type WebhookEvent struct {
	ID          int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID     string       `gorm:"type:varchar(255);not null;default:'';index" json:"event_id"`
	EventType   string       `gorm:"type:varchar(100);not null;default:''" json:"event_type"`
	OrderID     int64        `gorm:"not null;default:0;index" json:"order_id"`
	Outcome     EventOutcome `gorm:"type:varchar(30);not null;index" json:"outcome"`
	ReceivedAt  time.Time    `gorm:"not null" json:"received_at"`
	ProcessedAt *time.Time   `json:"processed_at,omitempty"`
}

// ProcessedEventはevent_idごとに1行だけ入る。
// このINSERTのユニーク制約が重複排除の直列化点になる。
type ProcessedEvent struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID   string    `gorm:"type:varchar(255);not null;uniqueIndex" json:"event_id"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
}
