package model

import "time"

// 遷移の試行を「誰が」「どの注文に」「どの状態からどの状態へ」「どの結果で」残す。
// 追記専用で更新・削除しない。Order.stateはこのログのキャッシュにすぎない。
type AuditEntry struct {
	//IDはそのまま挿入順のタイブレークに使う
	ID int64 `gorm:"primaryKey;autoIncrement" json:"id"`

	//署名不正で注文が特定できないときは0
	OrderID int64 `gorm:"not null;default:0;index" json:"order_id"`

	FromState OrderState `gorm:"type:varchar(20);not null;default:''" json:"from_state"`
	ToState   OrderState `gorm:"type:varchar(20);not null;default:''" json:"to_state"`

	//起因イベント。内部トリガー（fulfillment、admin操作）のときは空
	EventID string `gorm:"type:varchar(255);not null;default:''" json:"event_id"`

	Outcome EventOutcome `gorm:"type:varchar(30);not null;index" json:"outcome"`

	//"provider:webhook" / "system:checkout" / "admin:<id>" など
	Actor string `gorm:"type:varchar(100);not null" json:"actor"`

	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
}
