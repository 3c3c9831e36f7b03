package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"trades-automation/internal/config"
	"trades-automation/internal/provider"
)

const maxErrorBody = 4 << 10

// Client 为通用 JSON over HTTP 的跨链路由适配器。
//
// 约定接口：
//
//	POST {base}/quote                       -> Quote
//	POST {base}/routes/{route_id}/steps/{i} -> StepResult（带 Idempotency-Key）
//	GET  {base}/steps/{ref}                 -> StepStatus
type Client struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

var _ provider.Router = (*Client)(nil)

// NewClient 根据路由配置创建客户端。RateLimit 为 0 时不限流。
func NewClient(cfg config.RouterConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		return nil, errors.New("bridge: name 不能为空")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("bridge: %s base_url 非法: %q", cfg.Name, cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		if burst <= 0 {
			burst = 1
		}
	}

	return &Client{
		name:       cfg.Name,
		baseURL:    base.String(),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger.With(zap.String("router", cfg.Name)),
	}, nil
}

func (c *Client) Name() string {
	return c.name
}

type quoteBody struct {
	FromChain string `json:"from_chain"`
	ToChain   string `json:"to_chain"`
	FromAsset string `json:"from_asset"`
	ToAsset   string `json:"to_asset"`
	Amount    string `json:"amount"`
	Recipient string `json:"recipient,omitempty"`
	Slippage  string `json:"slippage,omitempty"`
}

// GetQuote 请求报价。EVM 格式的收款地址会先做校验。
func (c *Client) GetQuote(ctx context.Context, req provider.QuoteRequest) (provider.Quote, error) {
	if !req.Amount.IsPositive() {
		return provider.Quote{}, provider.Rejected(c.name, "amount must be positive", nil)
	}
	if strings.HasPrefix(req.Recipient, "0x") && !common.IsHexAddress(req.Recipient) {
		return provider.Quote{}, provider.Rejected(c.name, fmt.Sprintf("invalid recipient %q", req.Recipient), nil)
	}

	body := quoteBody{
		FromChain: req.FromChain,
		ToChain:   req.ToChain,
		FromAsset: req.FromAsset,
		ToAsset:   req.ToAsset,
		Amount:    req.Amount.String(),
		Recipient: req.Recipient,
	}
	if req.Slippage.IsPositive() {
		body.Slippage = req.Slippage.String()
	}

	var quote provider.Quote
	if err := c.do(ctx, http.MethodPost, "/quote", "", body, &quote); err != nil {
		return provider.Quote{}, err
	}
	if quote.RouteID == "" {
		return provider.Quote{}, provider.Transient(c.name, "quote without route_id", nil)
	}
	quote.Provider = c.name
	if quote.AmountIn.IsZero() {
		quote.AmountIn = req.Amount
	}
	return quote, nil
}

// ExecuteStep 提交第 stepIndex 步（从0开始）。幂等键由路由ID与步骤序号确定，重复提交不会产生新的链上交易。
func (c *Client) ExecuteStep(ctx context.Context, quote provider.Quote, stepIndex int) (provider.StepResult, error) {
	if stepIndex < 0 {
		return provider.StepResult{}, provider.Rejected(c.name, fmt.Sprintf("invalid step index %d", stepIndex), nil)
	}
	path := fmt.Sprintf("/routes/%s/steps/%d", url.PathEscape(quote.RouteID), stepIndex)
	key := fmt.Sprintf("%s:%d", quote.RouteID, stepIndex)

	var result provider.StepResult
	if err := c.do(ctx, http.MethodPost, path, key, struct{}{}, &result); err != nil {
		return provider.StepResult{}, err
	}
	if result.Ref == "" {
		return provider.StepResult{}, provider.Transient(c.name, "step result without ref", nil)
	}
	if result.State == "" {
		result.State = provider.StepPending
	}
	if err := c.checkTxHash(result.TxHash); err != nil {
		return provider.StepResult{}, err
	}
	return result, nil
}

// GetStepStatus 查询步骤状态。
func (c *Client) GetStepStatus(ctx context.Context, stepRef string) (provider.StepStatus, error) {
	var status provider.StepStatus
	if err := c.do(ctx, http.MethodGet, "/steps/"+url.PathEscape(stepRef), "", nil, &status); err != nil {
		return provider.StepStatus{}, err
	}
	if status.Ref == "" {
		status.Ref = stepRef
	}
	switch status.State {
	case provider.StepPending, provider.StepSucceeded, provider.StepFailed:
	case "":
		status.State = provider.StepPending
	default:
		return provider.StepStatus{}, provider.Transient(c.name, fmt.Sprintf("unknown step state %q", status.State), nil)
	}
	if err := c.checkTxHash(status.TxHash); err != nil {
		return provider.StepStatus{}, err
	}
	return status, nil
}

func (c *Client) checkTxHash(hash string) error {
	if hash == "" || !strings.HasPrefix(hash, "0x") {
		return nil
	}
	raw, err := hexutil.Decode(hash)
	if err != nil || len(raw) != common.HashLength {
		return provider.Transient(c.name, fmt.Sprintf("malformed tx hash %q", hash), err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, in, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return c.classifyTransport(ctxErr)
		}
		return provider.Transient(c.name, "rate limited", err)
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return provider.Fatal(c.name, "encode request", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return provider.Fatal(c.name, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := classifyStatus(c.name, resp.StatusCode, strings.TrimSpace(string(snippet)))
		c.logger.Warn("路由请求失败",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.Error(err),
		)
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return provider.Transient(c.name, "decode response", err)
	}
	return nil
}

func (c *Client) classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return provider.Transient(c.name, "request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return provider.Transient(c.name, "network error", err)
	}
	return provider.Transient(c.name, "transport error", err)
}

// classifyStatus 将 HTTP 状态码映射为错误分类。
func classifyStatus(name string, status int, body string) error {
	msg := fmt.Sprintf("http %d", status)
	if body != "" {
		msg += ": " + body
	}
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return provider.Transient(name, msg, nil)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return provider.Fatal(name, msg, nil)
	default:
		return provider.Rejected(name, msg, nil)
	}
}
