package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"

	"trades-automation/internal/provider"
)

var (
	// ErrMaintenance 表示交易所处于维护状态，按可重试处理。
	ErrMaintenance = errors.New("exchange on maintenance")
)

// classify 将 ccxt 及网络错误映射为统一的提供方错误分类。
func classify(venue string, err error) error {
	if err == nil {
		return nil
	}

	var pe *provider.Error
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return provider.Transient(venue, "request timed out", err)
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		msg := strings.TrimSpace(ccxtErr.Message)
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return provider.Transient(venue, msg, err)
		case ccxt.OnMaintenanceErrType:
			if msg == "" {
				msg = "exchange under maintenance"
			}
			return provider.Transient(venue, msg, fmt.Errorf("%w: %v", ErrMaintenance, err))
		case ccxt.AuthenticationErrorErrType,
			ccxt.PermissionDeniedErrType,
			ccxt.AccountSuspendedErrType,
			ccxt.NotSupportedErrType:
			return provider.Fatal(venue, msg, err)
		default:
			// 其余交易所业务错误（资金不足、非法订单、未知交易对等）均视为拒绝。
			return provider.Rejected(venue, msg, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return provider.Transient(venue, "network error", err)
	}

	return provider.Fatal(venue, "unclassified exchange error", err)
}

// isOrderNotFound 判断查询结果是否为订单不存在。
func isOrderNotFound(err error) bool {
	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		return ccxtErr.Type == ccxt.OrderNotFoundErrType
	}
	return false
}

// IsRetryable 判断错误是否可重试。
func IsRetryable(err error) bool {
	return provider.IsRetryable(classify("", err))
}
