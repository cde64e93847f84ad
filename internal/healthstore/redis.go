package healthstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/RecoveryAshes/eventharvest/internal/models"
	"github.com/redis/go-redis/v9"
)

// 代理结果更新: 读取健康度、EWMA、计数、冷却,一次脚本内完成
// Lua数字返回给客户端会被截断为整数,所有数值以字符串形式写入和返回
const recordProxyLua = `
local key = KEYS[1]
local rank = KEYS[2]
local id = ARGV[1]
local outcome = tonumber(ARGV[2])
local latency = ARGV[3]
local now = tonumber(ARGV[4])
local alpha = tonumber(ARGV[5])
local floor = tonumber(ARGV[6])
local cooldown = tonumber(ARGV[7])

local health = tonumber(redis.call("HGET", key, "health"))
if health == nil then
  health = 1.0
  redis.call("HSET", key, "scheme", ARGV[8], "host", ARGV[9], "port", ARGV[10],
    "successes", "0", "failures", "0", "disabled", "0")
end

health = alpha * outcome + (1 - alpha) * health
if health < 0 then health = 0 end
if health > 1 then health = 1 end

if outcome == 1 then
  redis.call("HINCRBY", key, "successes", "1")
else
  redis.call("HINCRBY", key, "failures", "1")
end

local until_ms = 0
if health < floor then
  until_ms = now + cooldown
end

redis.call("HSET", key, "health", tostring(health), "latency_ns", latency,
  "last_used", tostring(now), "cooldown_until", tostring(until_ms))
redis.call("ZADD", rank, tostring(health), id)

return redis.call("HGETALL", key)
`

// 代理注册: 不存在则创建,存在则只更新凭据
const registerProxyLua = `
local key = KEYS[1]
local rank = KEYS[2]
if redis.call("EXISTS", key) == 1 then
  redis.call("HSET", key, "username", ARGV[5], "password", ARGV[6])
  return "0"
end
redis.call("HSET", key, "scheme", ARGV[2], "host", ARGV[3], "port", ARGV[4],
  "username", ARGV[5], "password", ARGV[6], "successes", "0", "failures", "0",
  "health", "1", "cooldown_until", "0", "last_used", "0", "latency_ns", "0", "disabled", ARGV[7])
redis.call("ZADD", rank, "1", ARGV[1])
return "1"
`

// 选择器结果更新: 计数自增并同步排名
const recordSelectorLua = `
local key = KEYS[1]
local rank = KEYS[2]
local pattern = ARGV[1]
local s = redis.call("HINCRBY", key, "s:" .. pattern, ARGV[2])
local f = redis.call("HINCRBY", key, "f:" .. pattern, ARGV[3])
redis.call("HSET", key, "t:" .. pattern, ARGV[4])
local k = tonumber(ARGV[5])
local c = s / (s + f + k)
redis.call("ZADD", rank, tostring(c), pattern)
return {tostring(s), tostring(f), ARGV[4]}
`

// RedisOptions Redis后端连接参数
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	OpTimeout time.Duration
}

// RedisStore Redis健康存储
//
// 键布局:
//
//	<prefix>:proxy:<id>                 代理哈希
//	<prefix>:proxies                    代理健康度有序集合
//	<prefix>:sel:<site>:<field>         选择器计数哈希 (s:/f:/t: + 模式键)
//	<prefix>:selrank:<site>:<field>     选择器置信度有序集合
type RedisStore struct {
	rdb       redis.UniversalClient
	prefix    string
	opTimeout time.Duration
	policy    Policy
	ownClient bool

	recordProxy    *redis.Script
	registerProxy  *redis.Script
	recordSelector *redis.Script
}

// NewRedisStore 连接Redis并创建存储
func NewRedisStore(ctx context.Context, opts RedisOptions, policy Policy) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := withTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, unavailable("redis ping", err)
	}

	store := NewRedisStoreWithClient(rdb, opts.KeyPrefix, opts.OpTimeout, policy)
	store.ownClient = true
	return store, nil
}

// NewRedisStoreWithClient 使用已有客户端创建存储,Close不会关闭该客户端
func NewRedisStoreWithClient(rdb redis.UniversalClient, prefix string, opTimeout time.Duration, policy Policy) *RedisStore {
	if prefix == "" {
		prefix = "eventharvest"
	}
	return &RedisStore{
		rdb:            rdb,
		prefix:         prefix,
		opTimeout:      opTimeout,
		policy:         policy,
		recordProxy:    redis.NewScript(recordProxyLua),
		registerProxy:  redis.NewScript(registerProxyLua),
		recordSelector: redis.NewScript(recordSelectorLua),
	}
}

func (s *RedisStore) proxyKey(id string) string { return s.prefix + ":proxy:" + id }
func (s *RedisStore) proxyRankKey() string     { return s.prefix + ":proxies" }

func (s *RedisStore) selectorKey(site, field string) string {
	return s.prefix + ":sel:" + site + ":" + field
}

func (s *RedisStore) selectorRankKey(site, field string) string {
	return s.prefix + ":selrank:" + site + ":" + field
}

// ProxyCandidates 实现Store
func (s *RedisStore) ProxyCandidates(ctx context.Context, minHealth float64) ([]models.ProxyRecord, error) {
	records, err := s.ListProxies(ctx)
	if err != nil {
		return nil, err
	}
	return s.policy.filterCandidates(records, minHealth), nil
}

// ListProxies 实现Store
func (s *RedisStore) ListProxies(ctx context.Context) ([]models.ProxyRecord, error) {
	ctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()

	ids, err := s.rdb.ZRevRange(ctx, s.proxyRankKey(), 0, -1).Result()
	if err != nil {
		return nil, unavailable("redis list proxies", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.proxyKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("redis load proxies", err)
	}

	out := make([]models.ProxyRecord, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := proxyFromHash(ids[i], fields)
		if err != nil {
			return nil, unavailable("redis decode proxy", err)
		}
		out = append(out, rec)
	}
	sortProxies(out)
	return out, nil
}

// RecordProxyResult 实现Store
func (s *RedisStore) RecordProxyResult(ctx context.Context, id string, success bool, latency time.Duration) (models.ProxyRecord, error) {
	base, err := models.ParseProxyID(id)
	if err != nil {
		return models.ProxyRecord{}, err
	}

	ctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()

	outcome := "0"
	if success {
		outcome = "1"
	}
	res, err := s.recordProxy.Run(ctx, s.rdb,
		[]string{s.proxyKey(id), s.proxyRankKey()},
		id,
		outcome,
		strconv.FormatInt(int64(latency), 10),
		strconv.FormatInt(s.policy.now().UnixMilli(), 10),
		strconv.FormatFloat(s.policy.alpha(), 'f', -1, 64),
		strconv.FormatFloat(s.policy.HealthFloor, 'f', -1, 64),
		strconv.FormatInt(s.policy.Cooldown.Milliseconds(), 10),
		base.Scheme,
		base.Host,
		strconv.Itoa(base.Port),
	).Result()
	if err != nil {
		return models.ProxyRecord{}, unavailable("redis record proxy", err)
	}

	fields, err := flatToMap(res)
	if err != nil {
		return models.ProxyRecord{}, unavailable("redis record proxy", err)
	}
	rec, err := proxyFromHash(id, fields)
	if err != nil {
		return models.ProxyRecord{}, unavailable("redis decode proxy", err)
	}
	return rec, nil
}

// RegisterProxies 实现Store
func (s *RedisStore) RegisterProxies(ctx context.Context, records []models.ProxyRecord) (int, error) {
	ctx, cancel := withTimeout(ctx, s.opTimeout*time.Duration(len(records)+1))
	defer cancel()

	added := 0
	for _, rec := range records {
		id := rec.ID
		if id == "" {
			id = models.ProxyID(rec.Scheme, rec.Host, rec.Port)
		}
		disabled := "0"
		if rec.Disabled {
			disabled = "1"
		}
		res, err := s.registerProxy.Run(ctx, s.rdb,
			[]string{s.proxyKey(id), s.proxyRankKey()},
			id, strings.ToLower(rec.Scheme), rec.Host, strconv.Itoa(rec.Port),
			rec.Username, rec.Password, disabled,
		).Text()
		if err != nil {
			return added, unavailable("redis register proxy", err)
		}
		if res == "1" {
			added++
		}
	}
	return added, nil
}

// SelectorCandidates 实现Store
func (s *RedisStore) SelectorCandidates(ctx context.Context, site, field string) ([]models.SelectorPattern, error) {
	ctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()

	keys, err := s.rdb.ZRevRange(ctx, s.selectorRankKey(site, field), 0, -1).Result()
	if err != nil {
		return nil, unavailable("redis selector rank", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	fields, err := s.rdb.HGetAll(ctx, s.selectorKey(site, field)).Result()
	if err != nil {
		return nil, unavailable("redis selector stats", err)
	}

	out := make([]models.SelectorPattern, 0, len(keys))
	for _, key := range keys {
		pattern, err := models.ParsePattern(key)
		if err != nil {
			// 无法解析的旧键不影响其他模式
			continue
		}
		sp := models.SelectorPattern{
			Site:      site,
			Field:     field,
			Pattern:   pattern,
			Successes: parseInt(fields["s:"+key]),
			Failures:  parseInt(fields["f:"+key]),
			Source:    models.SourceLearned,
		}
		sp.Confidence = s.policy.confidence(sp.Successes, sp.Failures)
		sp.LastVerified = fromUnixMilli(parseInt(fields["t:"+key]))
		out = append(out, sp)
	}
	sortSelectors(out)
	return out, nil
}

// RecordSelectorResult 实现Store
func (s *RedisStore) RecordSelectorResult(ctx context.Context, site, field string, pattern models.Pattern, success bool) (models.SelectorPattern, error) {
	if err := validateSelectorArgs(site, field, pattern); err != nil {
		return models.SelectorPattern{}, err
	}

	ctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()

	ds, df := "0", "1"
	if success {
		ds, df = "1", "0"
	}
	smoothing := s.policy.Smoothing
	if smoothing <= 0 {
		smoothing = 1
	}
	now := s.policy.now()

	res, err := s.recordSelector.Run(ctx, s.rdb,
		[]string{s.selectorKey(site, field), s.selectorRankKey(site, field)},
		pattern.Key(), ds, df,
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatFloat(smoothing, 'f', -1, 64),
	).StringSlice()
	if err != nil {
		return models.SelectorPattern{}, unavailable("redis record selector", err)
	}
	if len(res) < 3 {
		return models.SelectorPattern{}, unavailable("redis record selector", fmt.Errorf("脚本返回值不完整: %v", res))
	}

	sp := models.SelectorPattern{
		Site:         site,
		Field:        field,
		Pattern:      pattern,
		Successes:    parseInt(res[0]),
		Failures:     parseInt(res[1]),
		LastVerified: fromUnixMilli(parseInt(res[2])),
		Source:       models.SourceLearned,
	}
	sp.Confidence = s.policy.confidence(sp.Successes, sp.Failures)
	return sp, nil
}

// Close 关闭自己创建的客户端
func (s *RedisStore) Close() error {
	if s.ownClient {
		return s.rdb.Close()
	}
	return nil
}

func flatToMap(res interface{}) (map[string]string, error) {
	values, ok := res.([]interface{})
	if !ok || len(values)%2 != 0 {
		return nil, fmt.Errorf("脚本返回值格式错误: %T", res)
	}
	out := make(map[string]string, len(values)/2)
	for i := 0; i < len(values); i += 2 {
		k, _ := values[i].(string)
		v, _ := values[i+1].(string)
		out[k] = v
	}
	return out, nil
}

func proxyFromHash(id string, fields map[string]string) (models.ProxyRecord, error) {
	port, err := strconv.Atoi(fields["port"])
	if err != nil {
		return models.ProxyRecord{}, fmt.Errorf("代理 %s 端口无效: %w", id, err)
	}
	health, err := strconv.ParseFloat(fields["health"], 64)
	if err != nil {
		health = 1
	}
	return models.ProxyRecord{
		ID:            id,
		Scheme:        fields["scheme"],
		Host:          fields["host"],
		Port:          port,
		Username:      fields["username"],
		Password:      fields["password"],
		Successes:     parseInt(fields["successes"]),
		Failures:      parseInt(fields["failures"]),
		Health:        models.Clamp01(health),
		LastLatency:   time.Duration(parseInt(fields["latency_ns"])),
		LastUsed:      fromUnixMilli(parseInt(fields["last_used"])),
		CooldownUntil: fromUnixMilli(parseInt(fields["cooldown_until"])),
		Disabled:      fields["disabled"] == "1",
	}, nil
}

func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v
	}
	// Lua tostring 可能产生 "1e+15" 形式
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f)
	}
	return 0
}

func fromUnixMilli(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
