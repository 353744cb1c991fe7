package usecase

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"app/internal/domain/model"
	"app/internal/payment"
	repo "app/internal/repository"
)

const checkoutActor = "system:checkout"

type CheckoutUsecase struct {
	tx       repo.TransactionManager
	provider payment.Provider
	logger   *slog.Logger

	providerTimeout time.Duration
	retryAttempts   int
}

func NewCheckoutUsecase(
	tx repo.TransactionManager,
	provider payment.Provider,
	logger *slog.Logger,
	providerTimeout time.Duration,
	retryAttempts int,
) *CheckoutUsecase {
	return &CheckoutUsecase{
		tx:              tx,
		provider:        provider,
		logger:          logger,
		providerTimeout: providerTimeout,
		retryAttempts:   retryAttempts,
	}
}

type CheckoutItemInput struct {
	ProductID   int64  `json:"product_id"`
	ProductName string `json:"product_name"`
	UnitPrice   int64  `json:"unit_price"`
	Quantity    int64  `json:"quantity"`
}

type CheckoutInput struct {
	Currency string              `json:"currency"`
	Items    []CheckoutItemInput `json:"items"`
}

type CheckoutOutput struct {
	OrderID           int64  `json:"order_id"`
	State             string `json:"state"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	ProviderReference string `json:"provider_reference"`
	CheckoutURL       string `json:"checkout_url"`
}

// CreateSessionはPENDINGの注文を作り、プロバイダにセッションを要求して、
// 確認が取れたらAWAITING_PAYMENTへ遷移させる。
// 遷移はwebhook経由と同じ状態機械を通るので監査も同じ形で残る。
// プロバイダ呼び出しが失敗したら注文はPENDINGのまま502を返す。
func (u *CheckoutUsecase) CreateSession(ctx context.Context, in CheckoutInput) (CheckoutOutput, error) {
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if len(currency) != 3 {
		return CheckoutOutput{}, NewHTTPError(http.StatusBadRequest, "invalid currency")
	}
	if len(in.Items) == 0 {
		return CheckoutOutput{}, NewHTTPError(http.StatusBadRequest, "empty items")
	}

	//スナップショット（以後カタログ価格が変わっても明細は動かない）
	items := make([]model.OrderItem, 0, len(in.Items))
	var total int64 = 0
	now := time.Now()

	for _, it := range in.Items {
		if it.ProductID <= 0 || it.Quantity <= 0 || it.UnitPrice < 0 {
			return CheckoutOutput{}, NewHTTPError(http.StatusBadRequest, "invalid item")
		}
		items = append(items, model.OrderItem{
			ProductID:           it.ProductID,
			ProductNameSnapshot: it.ProductName,
			UnitPriceSnapshot:   it.UnitPrice,
			Quantity:            it.Quantity,
			CreatedAt:           now,
		})
		total += it.UnitPrice * it.Quantity
	}

	//PENDINGで注文を作る
	var orderID int64
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		id, err := r.Orders().Create(ctx, model.Order{
			State:     model.OrderStatePending,
			Amount:    total,
			Currency:  currency,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return err
		}
		orderID = id
		return r.OrderItems().CreateBulk(ctx, id, items)
	})
	if err != nil {
		return CheckoutOutput{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	//プロバイダ呼び出し（外部I/Oはここだけ、タイムアウト必須）
	provCtx, cancel := context.WithTimeout(ctx, u.providerTimeout)
	defer cancel()

	session, err := u.provider.CreateCheckoutSession(provCtx, payment.CreateSessionRequest{
		OrderID:  orderID,
		Amount:   total,
		Currency: currency,
	})
	if err != nil {
		u.logger.Error("checkout session creation failed", "order_id", orderID, "error", err)
		return CheckoutOutput{}, NewHTTPError(http.StatusBadGateway, "provider unavailable")
	}

	//参照を一度だけ保存
	err = u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		return r.Orders().SetProviderReference(ctx, orderID, session.Reference)
	})
	if err != nil {
		return CheckoutOutput{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	//プロバイダがセッション作成を確認したのでAWAITING_PAYMENTへ
	o, err := applyWithRetry(ctx, u.tx, orderID, model.OrderStateAwaitingPayment, "", checkoutActor, u.retryAttempts)
	if err != nil {
		return CheckoutOutput{}, err
	}

	return CheckoutOutput{
		OrderID:           o.ID,
		State:             string(o.State),
		Amount:            total,
		Currency:          currency,
		ProviderReference: session.Reference,
		CheckoutURL:       session.URL,
	}, nil
}
