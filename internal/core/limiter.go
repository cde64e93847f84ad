package core

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// SiteLimiter 按站点限速,每个站点一个令牌桶,首次使用时创建
type SiteLimiter struct {
	rate  rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewSiteLimiter 创建站点限速器, perSecond<=0 表示不限速
func NewSiteLimiter(perSecond float64, burst int) *SiteLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &SiteLimiter{
		rate:     limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *SiteLimiter) limiter(site string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[site]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[site] = lim
	}
	return lim
}

// Wait 等待站点的下一个令牌
func (l *SiteLimiter) Wait(ctx context.Context, site string) error {
	if l == nil {
		return ctx.Err()
	}
	return l.limiter(site).Wait(ctx)
}

// Sites 已创建限速器的站点数
func (l *SiteLimiter) Sites() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
