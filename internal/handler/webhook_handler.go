package handler

import (
	"io"
	"net/http"

	"app/internal/domain/model"
	"app/internal/usecase"

	"github.com/labstack/echo/v4"
)

// 署名ヘッダ。形式は "t=<unix秒>,v1=<hex>"
const SignatureHeader = "Payment-Signature"

type WebhookHandler struct {
	uc *usecase.WebhookUsecase
}

func NewWebhookHandler(uc *usecase.WebhookUsecase) *WebhookHandler {
	return &WebhookHandler{uc: uc}
}

func (h *WebhookHandler) RegisterRoutes(e *echo.Echo) {
	e.POST("/webhooks/payment", h.receive)
}

type WebhookResponse struct {
	Outcome string `json:"outcome"`
	OrderID int64  `json:"order_id,omitempty"`
}

func (h *WebhookHandler) receive(c echo.Context) error {
	//署名はbodyの生バイトに対して検証するのでBindは使わない
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid body"})
	}

	sig := c.Request().Header.Get(SignatureHeader)

	result, err := h.uc.ProcessDelivery(c.Request().Context(), body, sig)
	if err != nil {
		//5xxだけがプロバイダに再送を促す
		return writeError(c, err)
	}

	switch result.Outcome {
	case model.EventOutcomeApplied, model.EventOutcomeDuplicate:
		//再送不要
		return c.JSON(http.StatusOK, WebhookResponse{
			Outcome: string(result.Outcome),
			OrderID: result.OrderID,
		})
	default:
		//rejected_signature / rejected_state
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: result.Reason})
	}
}
