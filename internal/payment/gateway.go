// Package payment 支付网关抽象与 HTTP 客户端
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Huitrn/Compareware-sub002/pkg/tracing"
)

// ChargeRequest 扣款请求。TransactionID 兼作幂等键，一个 saga 运行一次尝试。
type ChargeRequest struct {
	TransactionID string `json:"transactionId"`
	OrderID       int64  `json:"orderId"`
	UserID        int64  `json:"userId"`
	AmountCents   int64  `json:"amount"`
	Method        string `json:"method"` // CARD / WALLET / COD
}

// ChargeResult 扣款结果
type ChargeResult struct {
	Approved    bool   `json:"approved"`
	PaymentID   string `json:"paymentId,omitempty"`
	DeclineCode string `json:"declineCode,omitempty"`
}

// Gateway 支付网关。Charge 是不可回滚的外部副作用，
// 编排时必须放在 saga 的最后一步。
type Gateway interface {
	Charge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error)
}

const defaultChargeTimeout = 3 * time.Second

// HTTPGateway 经由 HTTP 调用外部支付服务
type HTTPGateway struct {
	baseURL string
	client  *http.Client
}

// NewHTTPGateway 创建网关客户端。timeout 为单次扣款调用的超时，
// 比 saga 整体超时更短（外部调用最可能卡死）。
func NewHTTPGateway(baseURL string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = defaultChargeTimeout
	}
	return &HTTPGateway{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Charge 调用支付服务扣款
func (g *HTTPGateway) Charge(ctx context.Context, chargeReq *ChargeRequest) (*ChargeResult, error) {
	jsonBody, err := json.Marshal(chargeReq)
	if err != nil {
		return nil, fmt.Errorf("marshal charge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/internal/charge", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectHTTP(ctx, req)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("payment service status %d: %s", resp.StatusCode, string(body))
	}

	var result ChargeResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

// StaticGateway 本地开发/测试用网关：按金额尾数决定批准或拒绝
type StaticGateway struct {
	DeclineOver int64 // 金额超过该值即拒绝，0 表示全部批准
}

// Charge 决定性扣款结果
func (g *StaticGateway) Charge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if g.DeclineOver > 0 && req.AmountCents > g.DeclineOver {
		return &ChargeResult{Approved: false, DeclineCode: "AMOUNT_LIMIT"}, nil
	}
	return &ChargeResult{
		Approved:  true,
		PaymentID: fmt.Sprintf("pay-%s", req.TransactionID),
	}, nil
}
