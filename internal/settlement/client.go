// Package settlement предоставляет клиент внешнего расчётного слоя.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmeshcher/edcred-system/internal/model"
)

// Client инкапсулирует HTTP-взаимодействие с расчётным слоем.
// Перевод не ретраится: повтор мог бы привести к двойной выплате,
// решение о повторе принимает вызывающая сторона после отката операции.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type transferRequest struct {
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

// NewClient создаёт HTTP-клиент расчётного слоя по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Transfer выполняет исходящий перевод указанной суммы на адрес получателя.
// Любой ответ, кроме 200, считается неудачей перевода.
func (c *Client) Transfer(ctx context.Context, to model.Address, amount int64) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("settlement client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(transferRequest{
		To:     string(to),
		Amount: amount,
	})
	if err != nil {
		return fmt.Errorf("marshal transfer: %w", err)
	}

	url := base + "/api/transfers"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
