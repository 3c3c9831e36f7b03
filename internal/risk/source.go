package risk

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"trades-automation/internal/config"
)

// ExposureProvider 提供当前持仓敞口。
type ExposureProvider interface {
	FetchExposure(ctx context.Context) (Exposure, error)
}

// LimitSource 提供只读的风控上限与敞口快照，敞口最长缓存 maxStale。
type LimitSource struct {
	limits   Limits
	provider ExposureProvider
	maxStale time.Duration
	now      func() time.Time
	logger   *zap.Logger

	refresh singleflight.Group

	mu        sync.Mutex
	cached    Exposure
	fetchedAt time.Time
	gen       uint64
}

// NewLimitSource 创建 LimitSource；provider 为空时敞口恒为零。
func NewLimitSource(cfg config.RiskConfig, provider ExposureProvider, logger *zap.Logger) *LimitSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LimitSource{
		limits:   LimitsFromConfig(cfg),
		provider: provider,
		maxStale: cfg.MaxStaleness,
		now:      time.Now,
		logger:   logger,
	}
}

// LimitsFromConfig 将配置转换为 Limits。
func LimitsFromConfig(cfg config.RiskConfig) Limits {
	return Limits{
		MaxNotional:         decimal.NewFromFloat(cfg.MaxNotional),
		MaxExposurePerAsset: decimal.NewFromFloat(cfg.MaxExposurePerAsset),
		MaxLeverage:         decimal.NewFromFloat(cfg.MaxLeverage),
	}
}

// Snapshot 返回上限及不超过 maxStale 的敞口。刷新失败时不回退到过期数据。
// 刷新期间不持锁，同一时刻只有一个外部请求，其余调用方共享其结果。
func (s *LimitSource) Snapshot(ctx context.Context) (Limits, Exposure, error) {
	if s.provider == nil {
		return s.limits, Exposure{}, nil
	}

	s.mu.Lock()
	if !s.fetchedAt.IsZero() && s.now().Sub(s.fetchedAt) < s.maxStale {
		exp := s.cached
		s.mu.Unlock()
		return s.limits, exp, nil
	}
	gen := s.gen
	s.mu.Unlock()

	v, err, _ := s.refresh.Do(strconv.FormatUint(gen, 10), func() (interface{}, error) {
		return s.fetch(ctx, gen)
	})
	if err != nil {
		return s.limits, Exposure{}, err
	}
	return s.limits, v.(Exposure), nil
}

func (s *LimitSource) fetch(ctx context.Context, gen uint64) (Exposure, error) {
	exp, err := s.provider.FetchExposure(ctx)
	if err != nil {
		s.logger.Warn("刷新持仓敞口失败", zap.Error(err))
		return Exposure{}, fmt.Errorf("risk: 刷新持仓敞口失败: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if exp.AsOf.IsZero() {
		exp.AsOf = now
	}
	// 刷新期间发生过 Invalidate 时结果可能已过期，不写入缓存。
	if s.gen == gen {
		s.cached = exp
		s.fetchedAt = now
	}
	return exp, nil
}

// Invalidate 使缓存失效，成交后调用以便下一次校验看到最新敞口。
func (s *LimitSource) Invalidate() {
	s.mu.Lock()
	s.gen++
	s.fetchedAt = time.Time{}
	s.mu.Unlock()
}
