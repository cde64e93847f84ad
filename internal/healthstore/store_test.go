package healthstore

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/RecoveryAshes/eventharvest/internal/models"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_750_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMiniRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	return redis.NewClient(&redis.Options{Addr: s.Addr()}), s
}

func closeRedis(t *testing.T, rdb *redis.Client) {
	t.Helper()
	if err := rdb.Close(); err != nil {
		t.Fatalf("close redis: %v", err)
	}
}

type backendFactory func(t *testing.T, policy Policy) Store

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"memory": func(t *testing.T, policy Policy) Store {
			return NewMemoryStore(policy)
		},
		"redis": func(t *testing.T, policy Policy) Store {
			rdb, _ := newMiniRedis(t)
			t.Cleanup(func() { closeRedis(t, rdb) })
			return NewRedisStoreWithClient(rdb, "test", time.Second, policy)
		},
		"sqlite": func(t *testing.T, policy Policy) Store {
			path := filepath.Join(t.TempDir(), "health.db")
			store, err := NewSQLiteStore(context.Background(), path, time.Second, policy)
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}
}

func testPolicy(clock *fakeClock) Policy {
	p := DefaultPolicy()
	p.Now = clock.Now
	return p
}

func mustRecord(t *testing.T, store Store, id string, success bool) models.ProxyRecord {
	t.Helper()
	rec, err := store.RecordProxyResult(context.Background(), id, success, 120*time.Millisecond)
	if err != nil {
		t.Fatalf("RecordProxyResult(%s): %v", id, err)
	}
	return rec
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestStore_RegisterProxiesIdempotent(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t, testPolicy(newFakeClock()))

			rec := models.NewProxyRecord("http", "10.0.0.1", 8080)
			rec.Username, rec.Password = "u", "p"

			added, err := store.RegisterProxies(ctx, []models.ProxyRecord{rec, models.NewProxyRecord("socks5", "10.0.0.2", 1080)})
			if err != nil || added != 2 {
				t.Fatalf("首次注册: added=%d err=%v", added, err)
			}

			mustRecord(t, store, rec.ID, true)

			rec.Password = "rotated"
			added, err = store.RegisterProxies(ctx, []models.ProxyRecord{rec})
			if err != nil || added != 0 {
				t.Fatalf("重复注册: added=%d err=%v", added, err)
			}

			list, err := store.ListProxies(ctx)
			if err != nil {
				t.Fatalf("ListProxies: %v", err)
			}
			if len(list) != 2 {
				t.Fatalf("期望2个代理, 实际%d", len(list))
			}
			var got models.ProxyRecord
			for _, p := range list {
				if p.ID == rec.ID {
					got = p
				}
			}
			if got.Successes != 1 {
				t.Errorf("重复注册不应重置计数: %+v", got)
			}
			if got.Password != "rotated" || got.Username != "u" {
				t.Errorf("凭据应被更新: %+v", got)
			}
		})
	}
}

func TestStore_ProxyHealthEWMA(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			store := factory(t, testPolicy(newFakeClock()))
			id := models.ProxyID("http", "10.0.0.9", 3128)

			want := []float64{0.7, 0.49, 0.343}
			for i, w := range want {
				rec := mustRecord(t, store, id, false)
				if !approx(rec.Health, w) {
					t.Fatalf("第%d次失败后健康度=%v, 期望%v", i+1, rec.Health, w)
				}
			}

			rec := mustRecord(t, store, id, true)
			if !approx(rec.Health, 0.3+0.7*0.343) {
				t.Errorf("成功后健康度=%v", rec.Health)
			}
			if rec.Successes != 1 || rec.Failures != 3 {
				t.Errorf("计数错误: s=%d f=%d", rec.Successes, rec.Failures)
			}
			if rec.LastLatency != 120*time.Millisecond {
				t.Errorf("延迟未记录: %v", rec.LastLatency)
			}
		})
	}
}

func TestStore_CooldownExclusion(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			policy := testPolicy(clock)
			store := factory(t, policy)

			bad := models.NewProxyRecord("http", "10.0.0.1", 8080)
			good := models.NewProxyRecord("http", "10.0.0.2", 8080)
			if _, err := store.RegisterProxies(ctx, []models.ProxyRecord{bad, good}); err != nil {
				t.Fatalf("RegisterProxies: %v", err)
			}

			// 0.7^5 ≈ 0.168 < 0.2 进入冷却
			var rec models.ProxyRecord
			for i := 0; i < 5; i++ {
				rec = mustRecord(t, store, bad.ID, false)
			}
			if !rec.InCooldown(clock.Now()) {
				t.Fatalf("健康度%v低于下限应进入冷却", rec.Health)
			}

			assertCandidates := func(minHealth float64, wantIDs ...string) {
				t.Helper()
				got, err := store.ProxyCandidates(ctx, minHealth)
				if err != nil {
					t.Fatalf("ProxyCandidates: %v", err)
				}
				if len(got) != len(wantIDs) {
					t.Fatalf("候选=%v, 期望%v", ids(got), wantIDs)
				}
				for i := range wantIDs {
					if got[i].ID != wantIDs[i] {
						t.Fatalf("候选=%v, 期望%v", ids(got), wantIDs)
					}
				}
			}

			assertCandidates(0, good.ID)

			clock.Advance(policy.Cooldown - time.Second)
			assertCandidates(0, good.ID)

			// 冷却结束进入试用期,即使健康度仍低于下限
			clock.Advance(2 * time.Second)
			assertCandidates(0.2, good.ID, bad.ID)

			// 试用期再次失败,重新冷却
			mustRecord(t, store, bad.ID, false)
			assertCandidates(0.2, good.ID)

			// 冷却结束后成功,健康度回升
			clock.Advance(policy.Cooldown + time.Second)
			rec = mustRecord(t, store, bad.ID, true)
			if rec.InCooldown(clock.Now()) {
				t.Errorf("成功后不应处于冷却: %+v", rec)
			}
		})
	}
}

func TestStore_ConcurrentUpdatesNotLost(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t, testPolicy(newFakeClock()))

			id := models.ProxyID("http", "10.0.0.5", 8000)
			pattern := models.CSSPattern{Selector: "h1.event-title"}

			const workers, perWorker = 16, 25
			var wg sync.WaitGroup
			errCh := make(chan error, workers*perWorker*2)
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < perWorker; i++ {
						success := (w+i)%2 == 0
						if _, err := store.RecordProxyResult(ctx, id, success, time.Millisecond); err != nil {
							errCh <- err
						}
						if _, err := store.RecordSelectorResult(ctx, "ra.co", "title", pattern, success); err != nil {
							errCh <- err
						}
					}
				}(w)
			}
			wg.Wait()
			close(errCh)
			for err := range errCh {
				t.Fatalf("并发更新失败: %v", err)
			}

			list, err := store.ListProxies(ctx)
			if err != nil || len(list) != 1 {
				t.Fatalf("ListProxies: %v %v", list, err)
			}
			if total := list[0].Successes + list[0].Failures; total != workers*perWorker {
				t.Errorf("代理计数丢失: %d != %d", total, workers*perWorker)
			}

			sels, err := store.SelectorCandidates(ctx, "ra.co", "title")
			if err != nil || len(sels) != 1 {
				t.Fatalf("SelectorCandidates: %v %v", sels, err)
			}
			if sels[0].Trials() != workers*perWorker {
				t.Errorf("选择器计数丢失: %d != %d", sels[0].Trials(), workers*perWorker)
			}
		})
	}
}

func TestStore_SelectorRanking(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			store := factory(t, testPolicy(clock))

			strong := models.CSSPattern{Selector: "h1"}
			weak := models.XPathPattern{Expr: "//title"}
			attr := models.AttributeRule{Selector: `meta[property="og:title"]`, Attribute: "content"}

			record := func(p models.Pattern, success bool, n int) {
				for i := 0; i < n; i++ {
					sp, err := store.RecordSelectorResult(ctx, "ra.co", "title", p, success)
					if err != nil {
						t.Fatalf("RecordSelectorResult: %v", err)
					}
					if sp.Confidence < 0 || sp.Confidence > 1 {
						t.Fatalf("置信度越界: %v", sp.Confidence)
					}
				}
			}
			record(strong, true, 9)
			record(weak, false, 4)
			record(weak, true, 1)
			record(attr, true, 3)

			got, err := store.SelectorCandidates(ctx, "ra.co", "title")
			if err != nil {
				t.Fatalf("SelectorCandidates: %v", err)
			}
			wantOrder := []string{strong.Key(), attr.Key(), weak.Key()}
			if len(got) != len(wantOrder) {
				t.Fatalf("候选数量=%d, 期望%d", len(got), len(wantOrder))
			}
			for i, key := range wantOrder {
				if got[i].Key() != key {
					t.Errorf("第%d位=%s, 期望%s", i, got[i].Key(), key)
				}
			}
			if !approx(got[0].Confidence, 0.9) {
				t.Errorf("9次成功置信度=%v, 期望0.9", got[0].Confidence)
			}
			if got[0].Source != models.SourceLearned {
				t.Errorf("来源=%v", got[0].Source)
			}
			if !got[0].LastVerified.Equal(clock.Now()) {
				t.Errorf("LastVerified=%v", got[0].LastVerified)
			}

			other, err := store.SelectorCandidates(ctx, "ra.co", "venue")
			if err != nil || len(other) != 0 {
				t.Errorf("其他字段应为空: %v %v", other, err)
			}
		})
	}
}

func TestStore_InvalidArgs(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			store := factory(t, testPolicy(newFakeClock()))
			if _, err := store.RecordSelectorResult(context.Background(), "", "title", models.CSSPattern{Selector: "h1"}, true); err == nil {
				t.Error("空站点应返回错误")
			}
			if _, err := store.RecordProxyResult(context.Background(), "not-a-proxy", true, 0); err == nil {
				t.Error("无效代理标识应返回错误")
			}
		})
	}
}

func TestRedisStore_UnavailableIsTyped(t *testing.T) {
	rdb, server := newMiniRedis(t)
	defer closeRedis(t, rdb)
	store := NewRedisStoreWithClient(rdb, "test", 200*time.Millisecond, DefaultPolicy())

	server.Close()

	_, err := store.ProxyCandidates(context.Background(), 0.2)
	if !errors.Is(err, models.ErrHealthStoreUnavailable) {
		t.Fatalf("期望ErrHealthStoreUnavailable, 实际%v", err)
	}
	_, err = store.RecordSelectorResult(context.Background(), "ra.co", "title", models.CSSPattern{Selector: "h1"}, true)
	if !errors.Is(err, models.ErrHealthStoreUnavailable) {
		t.Fatalf("期望ErrHealthStoreUnavailable, 实际%v", err)
	}
}

func TestOpen(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"默认内存", Options{}, false},
		{"sqlite", Options{Backend: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "h.db")}, false},
		{"未知后端", Options{Backend: "mongo"}, true},
		{"sqlite缺少路径", Options{Backend: "sqlite"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := Open(context.Background(), tt.opts, DefaultPolicy())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Open() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && store != nil {
				t.Fatalf("出错时应返回nil存储, 实际%T", store)
			}
			if store != nil {
				_ = store.Close()
			}
		})
	}

	t.Run("redis", func(t *testing.T) {
		_, server := newMiniRedis(t)
		store, err := Open(context.Background(), Options{Backend: "redis", RedisAddr: server.Addr()}, DefaultPolicy())
		if err != nil {
			t.Fatalf("Open(redis): %v", err)
		}
		_ = store.Close()
	})

	t.Run("redis不可达", func(t *testing.T) {
		_, server := newMiniRedis(t)
		addr := server.Addr()
		server.Close()
		store, err := Open(context.Background(), Options{Backend: "redis", RedisAddr: addr, OpTimeout: 200 * time.Millisecond}, DefaultPolicy())
		if err == nil {
			t.Fatal("期望连接错误")
		}
		if store != nil {
			t.Fatalf("出错时应返回nil存储, 实际%T", store)
		}
	})
}

func ids(records []models.ProxyRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
