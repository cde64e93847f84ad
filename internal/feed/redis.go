// Package feed 爬取目标的输入与结果的输出
//
// RedisFeed 基于Redis列表实现可靠队列:
// 目标LPUSH进入队列,工作进程BRPOPLPUSH取出并放入处理中列表,
// 处理完成后Ack删除;进程崩溃时处理中列表里的目标可由RecoverProcessing放回队列。
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/RecoveryAshes/eventharvest/internal/models"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNoTarget     = errors.New("队列中没有目标")
	ErrTargetExists = errors.New("目标已在队列中")
)

// Keys Redis键名
type Keys struct {
	Targets    string
	Processing string
	Pending    string // 去重集合,成员为目标的自然键
	Dead       string // 无法解析的报文
	Outcomes   string
}

// DefaultKeys 默认键名
func DefaultKeys() Keys {
	return Keys{
		Targets:    "eventharvest:targets",
		Processing: "eventharvest:targets:processing",
		Pending:    "eventharvest:targets:pending",
		Dead:       "eventharvest:targets:dead",
		Outcomes:   "eventharvest:outcomes",
	}
}

// pushScript 原子执行 SADD + LPUSH
// KEYS[1] = pending set, KEYS[2] = target queue
// ARGV[1] = natural key, ARGV[2] = target JSON
// 返回: 1 = 成功推送, 0 = 目标已存在
var pushScript = redis.NewScript(`
	local added = redis.call('SADD', KEYS[1], ARGV[1])
	if added == 0 then
		return 0
	end
	redis.call('LPUSH', KEYS[2], ARGV[2])
	return 1
`)

// ackScript 从处理中列表删除目标并释放去重键
// KEYS[1] = processing queue, KEYS[2] = pending set
// ARGV[1] = raw JSON, ARGV[2] = natural key
var ackScript = redis.NewScript(`
	local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
	redis.call('SREM', KEYS[2], ARGV[2])
	return removed
`)

// requeueScript 只有成功从处理中列表移除时才重新入队,避免重复
// KEYS[1] = processing queue, KEYS[2] = target queue
// ARGV[1] = raw JSON
var requeueScript = redis.NewScript(`
	local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
	if removed > 0 then
		redis.call('LPUSH', KEYS[2], ARGV[1])
		return 1
	end
	return 0
`)

// deadScript 把无法解析的报文移入死信列表并释放去重键
// KEYS[1] = processing queue, KEYS[2] = dead list, KEYS[3] = pending set
// ARGV[1] = raw payload, ARGV[2] = natural key (可为空)
var deadScript = redis.NewScript(`
	local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
	if removed > 0 then
		redis.call('LPUSH', KEYS[2], ARGV[1])
	end
	if ARGV[2] ~= '' then
		redis.call('SREM', KEYS[3], ARGV[2])
	end
	return removed
`)

// Delivery 取出的目标,Ack/Requeue需要原始报文
type Delivery struct {
	Target models.CrawlTarget
	raw    string
}

// RedisFeed Redis目标队列
type RedisFeed struct {
	rdb  redis.UniversalClient
	keys Keys
}

// NewRedisFeed 使用已有客户端创建队列
func NewRedisFeed(rdb redis.UniversalClient, keys Keys) (*RedisFeed, error) {
	if rdb == nil {
		return nil, errors.New("redis客户端为空")
	}
	defaults := DefaultKeys()
	if keys.Targets == "" {
		keys.Targets = defaults.Targets
	}
	if keys.Processing == "" {
		keys.Processing = keys.Targets + ":processing"
	}
	if keys.Pending == "" {
		keys.Pending = keys.Targets + ":pending"
	}
	if keys.Dead == "" {
		keys.Dead = keys.Targets + ":dead"
	}
	if keys.Outcomes == "" {
		keys.Outcomes = defaults.Outcomes
	}
	return &RedisFeed{rdb: rdb, keys: keys}, nil
}

// Push 推送目标,同一URL未处理完之前重复推送返回ErrTargetExists
func (f *RedisFeed) Push(ctx context.Context, target models.CrawlTarget) error {
	if err := target.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("序列化目标失败: %w", err)
	}

	added, err := pushScript.Run(ctx, f.rdb,
		[]string{f.keys.Pending, f.keys.Targets},
		models.NaturalKey(target.URL), string(data),
	).Int()
	if err != nil {
		return fmt.Errorf("推送目标失败: %w", err)
	}
	if added == 0 {
		return ErrTargetExists
	}
	return nil
}

// Pop 阻塞等待目标,超时返回ErrNoTarget
// 无法解析的报文移入死信列表并返回错误
func (f *RedisFeed) Pop(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	raw, err := f.rdb.BRPopLPush(ctx, f.keys.Targets, f.keys.Processing, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoTarget
	}
	if err != nil {
		return nil, fmt.Errorf("取出目标失败: %w", err)
	}

	var target models.CrawlTarget
	if err := json.Unmarshal([]byte(raw), &target); err != nil {
		if _, deadErr := deadScript.Run(ctx, f.rdb,
			[]string{f.keys.Processing, f.keys.Dead, f.keys.Pending},
			raw, payloadKey(raw),
		).Result(); deadErr != nil {
			return nil, fmt.Errorf("解析目标失败: %w (移入死信列表失败: %v)", err, deadErr)
		}
		return nil, fmt.Errorf("解析目标失败: %w", err)
	}
	return &Delivery{Target: target, raw: raw}, nil
}

// payloadKey 宽松地只取url字段计算自然键,取不到时返回空串
func payloadKey(raw string) string {
	var partial struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal([]byte(raw), &partial); err != nil || partial.URL == "" {
		return ""
	}
	return models.NaturalKey(partial.URL)
}

// Ack 确认目标处理完成
func (f *RedisFeed) Ack(ctx context.Context, d *Delivery) error {
	if d == nil {
		return errors.New("delivery为空")
	}
	if _, err := ackScript.Run(ctx, f.rdb,
		[]string{f.keys.Processing, f.keys.Pending},
		d.raw, models.NaturalKey(d.Target.URL),
	).Int(); err != nil {
		return fmt.Errorf("确认目标失败: %w", err)
	}
	return nil
}

// Requeue 把目标放回队列尾部,例如会话池耗尽时
func (f *RedisFeed) Requeue(ctx context.Context, d *Delivery) error {
	if d == nil {
		return errors.New("delivery为空")
	}
	if _, err := requeueScript.Run(ctx, f.rdb,
		[]string{f.keys.Processing, f.keys.Targets},
		d.raw,
	).Int(); err != nil {
		return fmt.Errorf("目标重新入队失败: %w", err)
	}
	return nil
}

// RecoverProcessing 把处理中列表的全部目标放回队列,进程启动时调用
func (f *RedisFeed) RecoverProcessing(ctx context.Context) (int, error) {
	n := 0
	for {
		_, err := f.rdb.RPopLPush(ctx, f.keys.Processing, f.keys.Targets).Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("恢复处理中目标失败: %w", err)
		}
		n++
	}
}

// PublishOutcome 把结果JSON推入结果列表
func (f *RedisFeed) PublishOutcome(ctx context.Context, outcome models.ExtractionOutcome) error {
	data, err := outcome.ToJSON()
	if err != nil {
		return fmt.Errorf("序列化结果失败: %w", err)
	}
	if err := f.rdb.LPush(ctx, f.keys.Outcomes, data).Err(); err != nil {
		return fmt.Errorf("发布结果失败: %w", err)
	}
	return nil
}

// Depth 队列与处理中列表长度
func (f *RedisFeed) Depth(ctx context.Context) (queued, processing int64, err error) {
	queued, err = f.rdb.LLen(ctx, f.keys.Targets).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("llen targets: %w", err)
	}
	processing, err = f.rdb.LLen(ctx, f.keys.Processing).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("llen processing: %w", err)
	}
	return queued, processing, nil
}
