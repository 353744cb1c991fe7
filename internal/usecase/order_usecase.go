package usecase

import (
	"context"
	"net/http"
	"time"

	"app/internal/domain/model"
	repo "app/internal/repository"
)

type OrderUsecase struct {
	tx repo.TransactionManager
}

func NewOrderUsecase(tx repo.TransactionManager) *OrderUsecase {
	return &OrderUsecase{tx: tx}
}

type OrderItemOutput struct {
	ProductID int64  `json:"product_id"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int64  `json:"quantity"`
}

type OrderOutput struct {
	ID                int64             `json:"id"`
	State             string            `json:"state"`
	Amount            int64             `json:"amount"`
	Currency          string            `json:"currency"`
	ProviderReference string            `json:"provider_reference"`
	Version           int64             `json:"version"`
	CreatedAt         time.Time         `json:"created_at"`
	Items             []OrderItemOutput `json:"items"`
}

type AuditEntryOutput struct {
	OrderID   int64     `json:"order_id"`
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	EventID   string    `json:"event_id,omitempty"`
	Outcome   string    `json:"outcome"`
	Actor     string    `json:"actor"`
	CreatedAt time.Time `json:"created_at"`
}

func (u *OrderUsecase) GetOrder(ctx context.Context, orderID int64) (OrderOutput, error) {
	if orderID <= 0 {
		return OrderOutput{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	var out OrderOutput

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		o, err := r.Orders().FindByID(ctx, orderID)
		if err == repo.ErrNotFound {
			return NewHTTPError(http.StatusNotFound, "not found")
		}
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		items, err := r.OrderItems().ListByOrderID(ctx, orderID)
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		out = toOrderOutput(o, items)
		return nil
	})

	if err != nil {
		return OrderOutput{}, err
	}
	return out, nil
}

// 監査ログの全履歴。照合・争議対応・テストでの状態再構築に使う。
func (u *OrderUsecase) History(ctx context.Context, orderID int64) ([]AuditEntryOutput, error) {
	if orderID <= 0 {
		return nil, NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	var outs []AuditEntryOutput

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		if _, err := r.Orders().FindByID(ctx, orderID); err != nil {
			if err == repo.ErrNotFound {
				return NewHTTPError(http.StatusNotFound, "not found")
			}
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		entries, err := r.Audit().HistoryByOrderID(ctx, orderID)
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		outs = make([]AuditEntryOutput, 0, len(entries))
		for _, e := range entries {
			outs = append(outs, AuditEntryOutput{
				OrderID:   e.OrderID,
				FromState: string(e.FromState),
				ToState:   string(e.ToState),
				EventID:   e.EventID,
				Outcome:   string(e.Outcome),
				Actor:     e.Actor,
				CreatedAt: e.CreatedAt,
			})
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	return outs, nil
}

func toOrderOutput(o model.Order, items []model.OrderItem) OrderOutput {
	outItems := make([]OrderItemOutput, 0, len(items))
	for _, it := range items {
		outItems = append(outItems, OrderItemOutput{
			ProductID: it.ProductID,
			Name:      it.ProductNameSnapshot,
			UnitPrice: it.UnitPriceSnapshot,
			Quantity:  it.Quantity,
		})
	}

	return OrderOutput{
		ID:                o.ID,
		State:             string(o.State),
		Amount:            o.Amount,
		Currency:          o.Currency,
		ProviderReference: o.ProviderReference,
		Version:           o.Version,
		CreatedAt:         o.CreatedAt,
		Items:             outItems,
	}
}
