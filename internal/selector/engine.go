package selector

import (
	"context"
	"sort"
	"time"

	"github.com/RecoveryAshes/eventharvest/internal/healthstore"
	"github.com/RecoveryAshes/eventharvest/internal/metrics"
	"github.com/RecoveryAshes/eventharvest/internal/models"
	"github.com/RecoveryAshes/eventharvest/internal/utils"
	"github.com/rs/zerolog"
)

// Options 引擎参数
type Options struct {
	// MinTrials 尝试次数达到此值后才应用置信度下限
	MinTrials int64

	// ConfidenceFloor 低于此置信度的已学习模式不再尝试
	ConfidenceFloor float64

	// Smoothing 置信度平滑常数,存储不可用时本地估算使用
	Smoothing float64

	// Seeds 种子集合,为nil时使用内置种子
	Seeds *SeedSet

	Metrics *metrics.Recorder
}

// Extraction 字段提取结果
type Extraction struct {
	Value      string
	Pattern    models.Pattern
	Source     models.PatternSource
	Confidence float64
}

// Engine 选择器学习引擎,并发安全
type Engine struct {
	store   healthstore.Store
	opts    Options
	seeds   *SeedSet
	metrics *metrics.Recorder
	logger  zerolog.Logger
}

// NewEngine 创建引擎,store为nil时只使用覆盖与种子
func NewEngine(store healthstore.Store, opts Options) *Engine {
	seeds := opts.Seeds
	if seeds == nil {
		seeds = DefaultSeeds()
	}
	return &Engine{
		store:   store,
		opts:    opts,
		seeds:   seeds,
		metrics: opts.Metrics,
		logger:  utils.Component("selector"),
	}
}

// CandidatesFor 站点字段的候选模式,按尝试顺序排列
// 覆盖模式 > 已学习模式(置信度降序) > 未学习过的种子,按键去重
func (e *Engine) CandidatesFor(ctx context.Context, site, field string, overrides []models.Pattern) []models.SelectorPattern {
	var out []models.SelectorPattern
	seen := make(map[string]bool)
	add := func(sp models.SelectorPattern) {
		key := sp.Key()
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, sp)
	}

	for _, p := range overrides {
		add(models.SelectorPattern{Site: site, Field: field, Pattern: p, Source: models.SourceOverride})
	}

	learned, err := e.learned(ctx, site, field)
	if err != nil {
		e.logger.Warn().Err(err).Str("site", site).Str("field", field).Msg("读取选择器排名失败,使用种子")
	}
	for _, sp := range learned {
		if sp.Trials() >= e.opts.MinTrials && sp.Confidence < e.opts.ConfidenceFloor {
			// 已学习过的模式即使置信度过低也不再作为种子重新加入
			seen[sp.Key()] = true
			continue
		}
		sp.Source = models.SourceLearned
		add(sp)
	}

	for _, p := range e.seeds.For(site, field) {
		add(models.SelectorPattern{Site: site, Field: field, Pattern: p, Source: models.SourceSeed})
	}
	return out
}

func (e *Engine) learned(ctx context.Context, site, field string) ([]models.SelectorPattern, error) {
	if e.store == nil {
		return nil, nil
	}
	patterns, err := e.store.SelectorCandidates(ctx, site, field)
	if err != nil {
		e.metrics.StoreError("selector_candidates")
		return nil, err
	}
	return patterns, nil
}

// TryExtract 按排名依次尝试候选模式,第一个有效值胜出
// 每个被尝试的模式都会记录结果: 胜出者记成功,之前的记失败
func (e *Engine) TryExtract(ctx context.Context, doc *Document, site, field string, candidates []models.SelectorPattern) (Extraction, bool) {
	spec := FieldFor(field)
	ordered := rankOrder(candidates)

	for i, c := range ordered {
		if ctx.Err() != nil {
			return Extraction{}, false
		}

		values, err := doc.Eval(c.Pattern)
		if err != nil {
			e.logger.Debug().Err(err).Str("site", site).Str("field", field).Str("pattern", c.Key()).Msg("模式求值失败")
		}
		value, ok := spec.Accept(values)
		if !ok {
			e.record(ctx, site, field, c, false)
			continue
		}

		confidence := e.record(ctx, site, field, c, true)
		e.logger.Debug().
			Str("site", site).
			Str("field", field).
			Str("pattern", c.Key()).
			Int("attempt", i+1).
			Msg("字段提取成功")
		return Extraction{Value: value, Pattern: c.Pattern, Source: c.Source, Confidence: confidence}, true
	}
	return Extraction{}, false
}

// rankOrder 覆盖模式在前,其余按置信度降序,同置信度保持原顺序
func rankOrder(candidates []models.SelectorPattern) []models.SelectorPattern {
	ordered := append([]models.SelectorPattern(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		oi := ordered[i].Source == models.SourceOverride
		oj := ordered[j].Source == models.SourceOverride
		if oi != oj {
			return oi
		}
		if oi {
			return false
		}
		return ordered[i].Confidence > ordered[j].Confidence
	})
	return ordered
}

// record 记录一次尝试结果,返回更新后的置信度
// 存储故障只记录日志,返回本地估算值
func (e *Engine) record(ctx context.Context, site, field string, c models.SelectorPattern, success bool) float64 {
	e.metrics.SelectorAttempt(field, success)

	s, f := c.Successes, c.Failures
	if success {
		s++
	} else {
		f++
	}
	local := models.Confidence(s, f, e.opts.Smoothing)

	if e.store == nil {
		return local
	}
	updated, err := e.store.RecordSelectorResult(ctx, site, field, c.Pattern, success)
	if err != nil {
		e.metrics.StoreError("record_selector")
		e.logger.Warn().Err(err).Str("site", site).Str("field", field).Str("pattern", c.Key()).Msg("记录选择器结果失败")
		return local
	}
	return updated.Confidence
}

// Ranking 已学习模式的当前排名
func (e *Engine) Ranking(ctx context.Context, site, field string) ([]models.SelectorPattern, error) {
	patterns, err := e.learned(ctx, site, field)
	if err != nil {
		return nil, err
	}
	for i := range patterns {
		patterns[i].Source = models.SourceLearned
	}
	return patterns, nil
}

// Seeds 站点字段的种子模式
func (e *Engine) Seeds(site, field string) []models.Pattern {
	return e.seeds.For(site, field)
}

// ExtractAll 依次提取所有字段,每个字段受fieldTimeout限制
// 返回成功提取的字段
func (e *Engine) ExtractAll(ctx context.Context, doc *Document, target models.CrawlTarget, fieldTimeout time.Duration) map[string]models.FieldValue {
	fields := make(map[string]models.FieldValue, len(target.Fields))
	for _, field := range target.Fields {
		if ctx.Err() != nil {
			break
		}
		fieldCtx, cancel := ctx, context.CancelFunc(func() {})
		if fieldTimeout > 0 {
			fieldCtx, cancel = context.WithTimeout(ctx, fieldTimeout)
		}

		candidates := e.CandidatesFor(fieldCtx, target.SiteID, field, target.Overrides[field])
		ext, ok := e.TryExtract(fieldCtx, doc, target.SiteID, field, candidates)
		cancel()

		if ok {
			fields[field] = models.FieldValue{
				Value:       ext.Value,
				PatternUsed: ext.Pattern.Key(),
				Confidence:  ext.Confidence,
			}
		}
	}
	return fields
}
