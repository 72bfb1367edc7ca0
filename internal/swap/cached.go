package swap

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"FlowACP-Chain/internal/chain"
	xerrors "FlowACP-Chain/internal/errors"
	"FlowACP-Chain/pkg/logger"
)

// CachedPrice 在后台周期刷新上游报价，调用方只读取最近一次成功的结果，
// 运行时持有顺序锁时不会等待网络请求。
type CachedPrice struct {
	upstream PriceSource
	interval time.Duration
	maxAge   time.Duration
	now      func() time.Time
	group    singleflight.Group

	mu        sync.RWMutex
	value     *big.Int
	updatedAt time.Time
	lastErr   error
}

// NewCachedPrice 创建缓存报价。maxAge 为 0 时报价不会过期。
func NewCachedPrice(upstream PriceSource, interval, maxAge time.Duration) *CachedPrice {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &CachedPrice{upstream: upstream, interval: interval, maxAge: maxAge, now: time.Now}
}

// Refresh 立即向上游拉取一次报价，并发的刷新共享同一次上游请求。
func (c *CachedPrice) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("price", func() (any, error) {
		return nil, c.refresh(ctx)
	})
	return err
}

func (c *CachedPrice) refresh(ctx context.Context) error {
	value, err := c.upstream.Price(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.lastErr = err
		return err
	}
	if !chain.IsPositive(value) {
		c.lastErr = xerrors.New(xerrors.CodeInvalidArgument, "上游报价必须为正")
		return c.lastErr
	}
	c.value = chain.Copy(value)
	c.updatedAt = c.now()
	c.lastErr = nil
	return nil
}

// Run 周期刷新报价直到 ctx 取消。
func (c *CachedPrice) Run(ctx context.Context) error {
	log := logger.Named("price")
	if err := c.Refresh(ctx); err != nil {
		log.Warn("首次获取报价失败", slog.Any("error", err))
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				log.Warn("刷新报价失败", slog.Any("error", err))
			}
		}
	}
}

// Price 实现 PriceSource。
func (c *CachedPrice) Price(context.Context) (*big.Int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.value == nil {
		if c.lastErr != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, c.lastErr, "报价尚未就绪")
		}
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "报价尚未就绪")
	}
	if c.maxAge > 0 && c.now().Sub(c.updatedAt) > c.maxAge {
		return nil, xerrors.Newf(xerrors.CodeTimeout, "报价已过期，最近更新于 %s", c.updatedAt.Format(time.RFC3339))
	}
	return chain.Copy(c.value), nil
}
