package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// プロバイダに到達できない／5xxを返した
var ErrProviderUnavailable = errors.New("provider unavailable")

type CreateSessionRequest struct {
	OrderID  int64  `json:"order_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type CheckoutSession struct {
	//この値がOrder.ProviderReferenceになる
	Reference string `json:"reference"`
	//顧客を遷移させるプロバイダホストのURL
	URL string `json:"url"`
}

// プロバイダ側にチェックアウトセッションを作る約束。
// ネットワークを触るのはここだけなので実装はタイムアウトを必ず持つこと。
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req CreateSessionRequest) (CheckoutSession, error)
}

type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPProvider(baseURL string, apiKey string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) CreateCheckoutSession(ctx context.Context, req CreateSessionRequest) (CheckoutSession, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return CheckoutSession{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/checkout/sessions", bytes.NewReader(body))
	if err != nil {
		return CheckoutSession{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return CheckoutSession{}, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return CheckoutSession{}, fmt.Errorf("create session: status %d", resp.StatusCode)
	}

	var session CheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return CheckoutSession{}, err
	}
	if session.Reference == "" {
		return CheckoutSession{}, errors.New("create session: empty reference")
	}

	return session, nil
}
