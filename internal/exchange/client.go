package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trades-automation/internal/config"
	"trades-automation/internal/provider"
)

type ccxtClient interface {
	FetchTicker(symbol string, options ...ccxt.FetchTickerOptions) (ccxt.Ticker, error)
	FetchOHLCV(symbol string, options ...ccxt.FetchOHLCVOptions) ([]ccxt.OHLCV, error)
	CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error)
	FetchOrder(id string, options ...ccxt.FetchOrderOptions) (ccxt.Order, error)
	FetchBalance(params ...interface{}) (ccxt.Balances, error)
	FetchPositions(options ...ccxt.FetchPositionsOptions) ([]ccxt.Position, error)
}

// Client 基于 ccxt 实现交易场所与行情接口。下单不在此层重试，只读请求按配置重试。
type Client struct {
	name        string
	cfg         config.VenueConfig
	logger      *zap.Logger
	exchange    ccxtClient
	loadMarkets func() error

	marketsMu     sync.Mutex
	marketsLoaded bool
}

var (
	_ provider.Venue      = (*Client)(nil)
	_ provider.MarketData = (*Client)(nil)
)

// NewClient 按 venue.name 构造 binanceusdm 或 hyperliquid 客户端。
func NewClient(cfg config.VenueConfig, logger *zap.Logger) (*Client, error) {
	userConfig := map[string]interface{}{
		"enableRateLimit": true,
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	switch strings.ToLower(cfg.Name) {
	case "binanceusdm":
		userConfig["options"] = map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		}
		ex := ccxt.NewBinanceusdm(userConfig)
		if cfg.UseSandbox {
			ex.SetSandboxMode(true)
		}
		return newClient("binanceusdm", cfg, ex, func() error {
			_, err := ex.LoadMarkets()
			return err
		}, logger), nil
	case "hyperliquid":
		if cfg.Wallet != "" {
			userConfig["walletAddress"] = cfg.Wallet
		}
		if cfg.PrivateKey != "" {
			userConfig["privateKey"] = cfg.PrivateKey
		}
		ex := ccxt.NewHyperliquid(userConfig)
		if cfg.UseSandbox {
			ex.SetSandboxMode(true)
		}
		return newClient("hyperliquid", cfg, ex, func() error {
			_, err := ex.LoadMarkets()
			return err
		}, logger), nil
	default:
		return nil, fmt.Errorf("exchange: 不支持的交易所 %q", cfg.Name)
	}
}

func newClient(name string, cfg config.VenueConfig, ex ccxtClient, loadMarkets func() error, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ClientIDParam == "" {
		cfg.ClientIDParam = "clientOrderId"
	}
	return &Client{
		name:        name,
		cfg:         cfg,
		logger:      logger,
		exchange:    ex,
		loadMarkets: loadMarkets,
	}
}

// Name 返回交易所名称，同时作为熔断器键。
func (c *Client) Name() string {
	return c.name
}

// LastPrice 返回最新成交价。
func (c *Client) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var ticker ccxt.Ticker
	err := c.callWithRetry(ctx, "fetch_ticker", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		return do(ctx, func() error {
			var err error
			ticker, err = c.exchange.FetchTicker(symbol)
			return err
		})
	})
	if err != nil {
		return decimal.Zero, err
	}

	price := ticker.Last
	if price == nil || *price <= 0 {
		price = ticker.Close
	}
	if price == nil || *price <= 0 {
		return decimal.Zero, provider.Transient(c.name, fmt.Sprintf("no last price for %s", symbol), nil)
	}
	return decimal.NewFromFloat(*price), nil
}

// Candles 获取指定周期的K线数据。
func (c *Client) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]provider.Candle, error) {
	if limit <= 0 {
		limit = 1
	}

	var raw []ccxt.OHLCV
	err := c.callWithRetry(ctx, fmt.Sprintf("fetch_ohlcv_%s", timeframe), func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		return do(ctx, func() error {
			result, err := c.exchange.FetchOHLCV(
				symbol,
				ccxt.WithFetchOHLCVTimeframe(timeframe),
				ccxt.WithFetchOHLCVLimit(int64(limit)),
			)
			if err != nil {
				return err
			}
			raw = result
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return convertCandles(raw), nil
}

// PlaceOrder 以计价金额下市价单，幂等键作为客户端订单号提交。
func (c *Client) PlaceOrder(ctx context.Context, spec provider.OrderSpec, idempotencyKey string) (provider.Order, error) {
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return provider.Order{}, err
	}

	price, err := c.LastPrice(ctx, spec.Symbol)
	if err != nil {
		return provider.Order{}, err
	}
	amount := spec.QuoteAmount.Div(price).InexactFloat64()
	if amount <= 0 {
		return provider.Order{}, provider.Rejected(c.name, fmt.Sprintf("order size rounds to zero for %s", spec.QuoteAmount), nil)
	}

	params := map[string]interface{}{
		"clientOrderId": idempotencyKey,
	}
	if spec.Slippage.IsPositive() {
		params["slippage"] = spec.Slippage.StringFixed(6)
	}

	var raw ccxt.Order
	err = do(ctx, func() error {
		var err error
		raw, err = c.exchange.CreateMarketOrder(spec.Symbol, string(spec.Side), amount,
			ccxt.WithCreateMarketOrderParams(params))
		return err
	})
	if err != nil {
		err = classify(c.name, err)
		c.logger.Error("下单失败",
			zap.String("symbol", spec.Symbol),
			zap.String("side", string(spec.Side)),
			zap.Float64("amount", amount),
			zap.String("client_id", idempotencyKey),
			zap.Error(err),
		)
		return provider.Order{}, err
	}

	order := convertOrder(raw)
	if order.ClientID == "" {
		order.ClientID = idempotencyKey
	}
	return order, nil
}

// GetOrderStatus 查询订单状态。
func (c *Client) GetOrderStatus(ctx context.Context, orderID, symbol string) (provider.Order, error) {
	var raw ccxt.Order
	err := c.callWithRetry(ctx, "fetch_order", func() error {
		return do(ctx, func() error {
			var err error
			raw, err = c.exchange.FetchOrder(orderID, ccxt.WithFetchOrderSymbol(symbol))
			return err
		})
	})
	if err != nil {
		return provider.Order{}, err
	}
	return convertOrder(raw), nil
}

// LookupOrder 按客户端订单号查询，订单不存在时返回 found=false。
func (c *Client) LookupOrder(ctx context.Context, idempotencyKey, symbol string) (provider.Order, bool, error) {
	var raw ccxt.Order
	err := do(ctx, func() error {
		var err error
		raw, err = c.exchange.FetchOrder("",
			ccxt.WithFetchOrderSymbol(symbol),
			ccxt.WithFetchOrderParams(map[string]interface{}{c.cfg.ClientIDParam: idempotencyKey}),
		)
		return err
	})
	if isOrderNotFound(err) {
		return provider.Order{}, false, nil
	}
	if err != nil {
		return provider.Order{}, false, classify(c.name, err)
	}
	return convertOrder(raw), true, nil
}

// FetchBalance 透传账户余额查询，供仓位统计使用。
func (c *Client) FetchBalance(params ...interface{}) (ccxt.Balances, error) {
	return c.exchange.FetchBalance(params...)
}

// FetchPositions 透传持仓查询，供仓位统计使用。
func (c *Client) FetchPositions(options ...ccxt.FetchPositionsOptions) ([]ccxt.Position, error) {
	return c.exchange.FetchPositions(options...)
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded || c.loadMarkets == nil {
		return nil
	}

	loadErr := c.callWithRetry(ctx, "load_markets", func() error {
		return do(ctx, c.loadMarkets)
	})
	if loadErr != nil {
		return loadErr
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载", zap.String("venue", c.name))
	return nil
}

// callWithRetry 仅用于只读请求，返回的错误已完成分类。
func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := classify(c.name, fn())
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		if !provider.IsRetryable(err) || attempt >= maxAttempts || ctx.Err() != nil {
			c.logger.Warn("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(err),
			)
			return err
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// do 在独立 goroutine 中执行阻塞的 ccxt 调用，使调用方的超时与取消生效。
func do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
