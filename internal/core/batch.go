package core

import (
	"context"
	"sync"
	"time"

	"github.com/RecoveryAshes/eventharvest/internal/models"
	"github.com/RecoveryAshes/eventharvest/internal/utils"
	"golang.org/x/sync/errgroup"
)

// TargetCrawler 单目标爬取器, Orchestrator 满足此接口
type TargetCrawler interface {
	Crawl(ctx context.Context, target models.CrawlTarget) models.ExtractionOutcome
}

// BatchCrawler 批量爬取器
type BatchCrawler struct {
	crawler     TargetCrawler
	concurrency int
}

// BatchSummary 批量爬取摘要
type BatchSummary struct {
	Total         int
	Succeeded     int
	Partial       int
	Failed        int
	ByReason      map[models.FailureReason]int
	TotalDuration time.Duration
}

// NewBatchCrawler 创建批量爬取器, concurrency通常与会话池容量一致
func NewBatchCrawler(crawler TargetCrawler, concurrency int) *BatchCrawler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &BatchCrawler{crawler: crawler, concurrency: concurrency}
}

// Run 并发爬取全部目标
// onOutcome 在每个目标完成后调用,调用是串行的;ctx取消后不再启动新目标
func (bc *BatchCrawler) Run(ctx context.Context, targets []models.CrawlTarget, onOutcome func(models.ExtractionOutcome)) (*BatchSummary, error) {
	utils.Infof("开始批量爬取: %d个目标, 并发%d", len(targets), bc.concurrency)

	summary := &BatchSummary{
		Total:    len(targets),
		ByReason: make(map[models.FailureReason]int),
	}
	startTime := time.Now()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bc.concurrency)

	for _, target := range targets {
		if gctx.Err() != nil {
			break
		}
		target := target
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcome := bc.crawler.Crawl(gctx, target)

			mu.Lock()
			defer mu.Unlock()
			summary.add(outcome)
			if onOutcome != nil {
				onOutcome(outcome)
			}
			return nil
		})
	}

	err := g.Wait()
	summary.TotalDuration = time.Since(startTime)
	bc.printSummary(summary)
	if err == nil {
		err = ctx.Err()
	}
	return summary, err
}

func (s *BatchSummary) add(outcome models.ExtractionOutcome) {
	switch outcome.Status() {
	case "success":
		s.Succeeded++
	case "partial":
		s.Partial++
		s.ByReason[outcome.FailureReason]++
	default:
		s.Failed++
		s.ByReason[outcome.FailureReason]++
	}
}

// Processed 已完成的目标数
func (s *BatchSummary) Processed() int {
	return s.Succeeded + s.Partial + s.Failed
}

// printSummary 打印批量爬取摘要
func (bc *BatchCrawler) printSummary(summary *BatchSummary) {
	utils.Info("==================================================")
	utils.Info("批量爬取摘要")
	utils.Info("==================================================")
	utils.Infof("目标总数: %d (已处理 %d)", summary.Total, summary.Processed())
	utils.Infof("成功: %d", summary.Succeeded)
	utils.Infof("部分成功: %d", summary.Partial)
	utils.Infof("失败: %d", summary.Failed)
	utils.Infof("总耗时: %.2f秒", summary.TotalDuration.Seconds())
	for reason, n := range summary.ByReason {
		utils.Infof("  - %s: %d", reason, n)
	}
	utils.Info("==================================================")
}
