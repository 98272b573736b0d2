package cryptomus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"proxyhub/pkg/metrics"

	"github.com/sony/gobreaker/v2"
)

var ErrUnconfigured = errors.New("cryptomus 未配置 api_key 或 merchant_uuid")

const defaultBaseURL = "https://api.cryptomus.com/v1"

// APIError HTTP 非 200 或业务 state 非 0
type APIError struct {
	StatusCode int
	State      int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cryptomus api error: http=%d state=%d message=%s", e.StatusCode, e.State, e.Message)
}

type Config struct {
	APIKey       string
	MerchantUUID string
	BaseURL      string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// Client Cryptomus 商户 API 客户端
type Client struct {
	apiKey       string
	merchantUUID string
	baseURL      string
	httpClient   *http.Client
	breaker      *gobreaker.CircuitBreaker[[]byte]
}

// New 缺少密钥时返回 ErrUnconfigured，服务可以在没有网关的情况下启动
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" || cfg.MerchantUUID == "" {
		return nil, ErrUnconfigured
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "cryptomus",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		// 4xx 和业务错误说明上游是健康的，不计入熔断
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode < http.StatusInternalServerError
			}
			return err == nil
		},
	})

	return &Client{
		apiKey:       cfg.APIKey,
		merchantUUID: cfg.MerchantUUID,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:   httpClient,
		breaker:      breaker,
	}, nil
}

func (c *Client) MerchantUUID() string {
	return c.merchantUUID
}

// VerifyWebhook 使用本商户的 api key 校验通知
func (c *Client) VerifyWebhook(raw []byte) (*WebhookPayload, error) {
	return VerifyWebhook(raw, c.apiKey)
}

// CreatePayment 创建支付单
func (c *Client) CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*Invoice, error) {
	var invoice Invoice
	if err := c.call(ctx, "payment", req, &invoice); err != nil {
		return nil, err
	}
	return &invoice, nil
}

// PaymentInfo 查询支付单，uuid 和 orderID 至少提供一个
func (c *Client) PaymentInfo(ctx context.Context, uuid, orderID string) (*Invoice, error) {
	body := map[string]string{}
	switch {
	case uuid != "":
		body["uuid"] = uuid
	case orderID != "":
		body["order_id"] = orderID
	default:
		return nil, errors.New("uuid 和 order_id 不能同时为空")
	}

	var invoice Invoice
	if err := c.call(ctx, "payment/info", body, &invoice); err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (c *Client) call(ctx context.Context, endpoint string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	raw, err := c.breaker.Execute(func() ([]byte, error) {
		return c.send(ctx, endpoint, body)
	})
	if err != nil {
		result := "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			result = "open"
		}
		metrics.UpstreamCallTotal.WithLabelValues(endpoint, result).Inc()
		return fmt.Errorf("cryptomus %s: %w", endpoint, err)
	}
	metrics.UpstreamCallTotal.WithLabelValues(endpoint, "ok").Inc()

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("cryptomus %s: 解析响应失败: %w", endpoint, err)
	}
	if env.State != 0 {
		return &APIError{StatusCode: http.StatusOK, State: env.State, Message: env.Message}
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("cryptomus %s: 解析 result 失败: %w", endpoint, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("merchant", c.merchantUUID)
	req.Header.Set("sign", Sign(body, c.apiKey))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var env envelope
		if json.Unmarshal(raw, &env) == nil && env.Message != "" {
			apiErr.State = env.State
			apiErr.Message = env.Message
		}
		return nil, apiErr
	}
	return raw, nil
}
