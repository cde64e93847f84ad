package crawlers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RecoveryAshes/eventharvest/internal/models"
)

type fakePage struct {
	closed atomic.Int32
}

func (p *fakePage) Navigate(ctx context.Context, url string) (NavResult, error) {
	return NavResult{StatusCode: 200, URL: url}, nil
}
func (p *fakePage) HTML(ctx context.Context) (string, error) { return "<html></html>", nil }
func (p *fakePage) Eval(ctx context.Context, js string, args ...interface{}) error {
	return nil
}
func (p *fakePage) Close() error {
	p.closed.Add(1)
	return nil
}

type fakeFactory struct {
	mu    sync.Mutex
	specs []SessionSpec
	pages []*fakePage
	err   error
}

func (f *fakeFactory) Open(ctx context.Context, spec SessionSpec) (Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePage{}
	f.specs = append(f.specs, spec)
	f.pages = append(f.pages, p)
	return p, nil
}

func (f *fakeFactory) opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pages)
}

type fakeDisguise struct {
	proxy *models.ProxyRecord
}

func (d fakeDisguise) BuildFingerprint() models.Fingerprint {
	return models.Fingerprint{Name: "test", UserAgent: "UA/1.0", Locale: "en-GB"}
}

func (d fakeDisguise) NextProxy(ctx context.Context) *models.ProxyRecord {
	return d.proxy
}

type fakeGate struct {
	maxTabs int
	allow   atomic.Bool
}

func (g *fakeGate) CalculateMaxTabs() int { return g.maxTabs }
func (g *fakeGate) CheckResourceAvailability() (bool, string) {
	if g.allow.Load() {
		return true, ""
	}
	return false, "内存不足"
}

func newTestPool(t *testing.T, cfg PoolConfig, factory *fakeFactory) *SessionPool {
	t.Helper()
	pool, err := NewSessionPool(cfg, PoolDeps{Factory: factory, Disguise: fakeDisguise{}})
	if err != nil {
		t.Fatalf("NewSessionPool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestSessionPool_ReuseIdle(t *testing.T) {
	factory := &fakeFactory{}
	pool := newTestPool(t, PoolConfig{Capacity: 2, AcquireTimeout: time.Second, MaxRequests: 10}, factory)
	ctx := context.Background()

	s1, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pool.Release(s1)

	s2, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if s2 != s1 {
		t.Error("空闲会话应被复用")
	}
	if factory.opened() != 1 {
		t.Errorf("只应创建1个会话, 实际%d", factory.opened())
	}
	pool.Release(s2)
}

func TestSessionPool_ExhaustedAfterTimeout(t *testing.T) {
	pool := newTestPool(t, PoolConfig{Capacity: 1, AcquireTimeout: 50 * time.Millisecond}, &fakeFactory{})
	ctx := context.Background()

	s, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	start := time.Now()
	_, err = pool.Acquire(ctx)
	if !errors.Is(err, models.ErrPoolExhausted) {
		t.Fatalf("期望ErrPoolExhausted, 实际%v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("应等待AcquireTimeout后才返回")
	}

	pool.Release(s)
	if _, err := pool.Acquire(ctx); err != nil {
		t.Errorf("归还后应能再次借出: %v", err)
	}
}

func TestSessionPool_InUseNeverExceedsCapacity(t *testing.T) {
	const capacity = 3
	pool := newTestPool(t, PoolConfig{Capacity: capacity, AcquireTimeout: 5 * time.Second, MaxRequests: 4}, &fakeFactory{})

	var inUse, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := pool.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			n := inUse.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			s.Navigate(context.Background(), "https://example.com")
			time.Sleep(5 * time.Millisecond)
			inUse.Add(-1)
			if i%5 == 0 {
				pool.Retire(s, RetireError)
			} else {
				pool.Release(s)
			}
		}(i)
	}
	wg.Wait()

	if peak.Load() > capacity {
		t.Errorf("并发会话峰值%d超过容量%d", peak.Load(), capacity)
	}
	if stats := pool.Stats(); stats.InUse != 0 {
		t.Errorf("全部归还后InUse应为0, 实际%d", stats.InUse)
	}
}

func TestSessionPool_RotateOnLimits(t *testing.T) {
	tests := []struct {
		name   string
		cfg    PoolConfig
		use    func(s *Session)
		reason string
	}{
		{
			name: "达到请求上限",
			cfg:  PoolConfig{Capacity: 1, AcquireTimeout: time.Second, MaxRequests: 2},
			use: func(s *Session) {
				s.Navigate(context.Background(), "https://a.example")
				s.Navigate(context.Background(), "https://b.example")
			},
		},
		{
			name: "达到存活上限",
			cfg:  PoolConfig{Capacity: 1, AcquireTimeout: time.Second, MaxAge: time.Millisecond},
			use: func(s *Session) {
				time.Sleep(5 * time.Millisecond)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factory := &fakeFactory{}
			pool := newTestPool(t, tt.cfg, factory)

			s1, err := pool.Acquire(context.Background())
			if err != nil {
				t.Fatalf("Acquire: %v", err)
			}
			tt.use(s1)
			pool.Release(s1)

			if !s1.Retired() {
				t.Error("超限会话归还时应退役")
			}
			if factory.pages[0].closed.Load() != 1 {
				t.Error("退役会话的页面应被关闭")
			}

			s2, err := pool.Acquire(context.Background())
			if err != nil {
				t.Fatalf("Acquire: %v", err)
			}
			if s2 == s1 {
				t.Error("不应借出已退役的会话")
			}
		})
	}
}

func TestSessionPool_RetireIsFinal(t *testing.T) {
	factory := &fakeFactory{}
	pool := newTestPool(t, PoolConfig{Capacity: 1, AcquireTimeout: 100 * time.Millisecond}, factory)
	ctx := context.Background()

	s, _ := pool.Acquire(ctx)
	pool.Retire(s, RetireCaptcha)

	// 退役后的重复归还/退役不应重复释放令牌
	pool.Release(s)
	pool.Retire(s, RetireCaptcha)

	if _, err := s.Navigate(ctx, "https://example.com"); !errors.Is(err, models.ErrSessionRetired) {
		t.Errorf("退役会话不应再被使用, err=%v", err)
	}
	if n := factory.pages[0].closed.Load(); n != 1 {
		t.Errorf("页面应只关闭一次, 实际%d", n)
	}

	stats := pool.Stats()
	if stats.InUse != 0 || stats.Retired != 1 {
		t.Errorf("stats = %+v", stats)
	}

	// 令牌只释放一次: 借出一个后再借应超时
	s2, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := pool.Acquire(ctx); !errors.Is(err, models.ErrPoolExhausted) {
		t.Errorf("容量为1时第二次借出应耗尽, err=%v", err)
	}
	pool.Release(s2)
}

func TestSessionPool_FactoryError(t *testing.T) {
	factory := &fakeFactory{err: errors.New("net::ERR_PROXY_CONNECTION_FAILED")}
	pool := newTestPool(t, PoolConfig{Capacity: 1, AcquireTimeout: 100 * time.Millisecond}, factory)

	_, err := pool.Acquire(context.Background())
	if !errors.Is(err, models.ErrNavigationFailed) {
		t.Fatalf("期望ErrNavigationFailed, 实际%v", err)
	}
	if stats := pool.Stats(); stats.InUse != 0 {
		t.Errorf("创建失败后应释放令牌, InUse=%d", stats.InUse)
	}
}

func TestSessionPool_ResourceGate(t *testing.T) {
	gate := &fakeGate{maxTabs: 2}
	factory := &fakeFactory{}
	pool, err := NewSessionPool(
		PoolConfig{Capacity: 8, AcquireTimeout: time.Second},
		PoolDeps{Factory: factory, Disguise: fakeDisguise{}, Monitor: gate},
	)
	if err != nil {
		t.Fatalf("NewSessionPool: %v", err)
	}
	defer pool.Close()

	if pool.Capacity() != 2 {
		t.Errorf("容量应被资源上限下调为2, 实际%d", pool.Capacity())
	}

	ctx := context.Background()
	// 没有存活会话时即使资源不足也会创建
	s1, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	done := make(chan *Session, 1)
	go func() {
		s, err := pool.Acquire(ctx)
		if err != nil {
			t.Errorf("Acquire: %v", err)
		}
		done <- s
	}()

	select {
	case <-done:
		t.Fatal("资源不足时应等待空闲会话")
	case <-time.After(50 * time.Millisecond):
	}

	pool.Release(s1)
	select {
	case s2 := <-done:
		if s2 != s1 {
			t.Error("应复用归还的会话")
		}
	case <-time.After(time.Second):
		t.Fatal("归还后等待者应被唤醒")
	}
	if factory.opened() != 1 {
		t.Errorf("资源不足时不应新建会话, 实际创建%d", factory.opened())
	}
}

func TestSessionPool_SessionSpec(t *testing.T) {
	proxy := models.NewProxyRecord("http", "10.0.0.1", 3128)
	factory := &fakeFactory{}
	pool, _ := NewSessionPool(PoolConfig{Capacity: 1}, PoolDeps{Factory: factory, Disguise: fakeDisguise{proxy: &proxy}})
	defer pool.Close()

	s, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer pool.Release(s)

	spec := factory.specs[0]
	if spec.ID != s.ID || spec.Proxy.ID != proxy.ID || spec.Fingerprint.Name != "test" {
		t.Errorf("会话参数不一致: %+v", spec)
	}
	if s.ProxyID() != "http://10.0.0.1:3128" {
		t.Errorf("ProxyID = %q", s.ProxyID())
	}
}

func TestSessionPool_Close(t *testing.T) {
	factory := &fakeFactory{}
	pool, _ := NewSessionPool(PoolConfig{Capacity: 2}, PoolDeps{Factory: factory, Disguise: fakeDisguise{}})
	ctx := context.Background()

	a, _ := pool.Acquire(ctx)
	b, _ := pool.Acquire(ctx)
	pool.Release(a)

	if err := pool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for i, p := range factory.pages {
		if p.closed.Load() != 1 {
			t.Errorf("第%d个页面未关闭", i)
		}
	}
	if !b.Retired() {
		t.Error("关闭后借出中的会话也应退役")
	}
	pool.Release(b)

	if _, err := pool.Acquire(ctx); err == nil {
		t.Error("关闭后借出应失败")
	}
}
