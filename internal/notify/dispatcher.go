package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"app/internal/domain/model"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// コミット済みの遷移を通知する先。fire-and-forgetで、
// ここの失敗が遷移を巻き戻すことは絶対にない（呼び出し側はログだけ残す）。
type Dispatcher interface {
	Dispatch(ctx context.Context, orderID int64, state model.OrderState) error
	Close() error
}

type stateChangedMessage struct {
	OrderID    int64     `json:"order_id"`
	NewState   string    `json:"new_state"`
	OccurredAt time.Time `json:"occurred_at"`
}

type RabbitDispatcher struct {
	conn     *amqp091.Connection
	exchange string
}

func NewRabbitDispatcher(url string, exchange string) (*RabbitDispatcher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(
		exchange,
		"fanout",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &RabbitDispatcher{conn: conn, exchange: exchange}, nil
}

func (d *RabbitDispatcher) Dispatch(ctx context.Context, orderID int64, state model.OrderState) error {
	payload, err := json.Marshal(stateChangedMessage{
		OrderID:    orderID,
		NewState:   string(state),
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	ch, err := d.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	//MessageIdは購読側の重複排除用
	return ch.PublishWithContext(ctx, d.exchange, "orders.state_changed", false, false, amqp091.Publishing{
		ContentType: "application/json",
		MessageId:   uuid.NewString(),
		Body:        payload,
	})
}

func (d *RabbitDispatcher) Close() error {
	return d.conn.Close()
}

// ブローカーなしの構成やテストで使う
type NopDispatcher struct{}

func (NopDispatcher) Dispatch(ctx context.Context, orderID int64, state model.OrderState) error {
	return nil
}

func (NopDispatcher) Close() error { return nil }
