package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RecoveryAshes/eventharvest/internal/models"
)

// fakeCrawler 按URL返回预设结果
type fakeCrawler struct {
	inFlight, peak atomic.Int32
	results        map[string]func(o *models.ExtractionOutcome)
}

func (c *fakeCrawler) Crawl(ctx context.Context, target models.CrawlTarget) models.ExtractionOutcome {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		old := c.peak.Load()
		if n <= old || c.peak.CompareAndSwap(old, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	outcome := models.NewOutcome(target)
	if set, ok := c.results[target.URL]; ok {
		set(&outcome)
	} else {
		outcome.Fields["title"] = models.FieldValue{Value: "ok"}
		outcome.Finalize()
	}
	return outcome
}

func TestBatchCrawler_Run(t *testing.T) {
	var targets []models.CrawlTarget
	for i := 0; i < 10; i++ {
		target, err := models.NewCrawlTarget(models.TargetSpec{
			URL:    fmt.Sprintf("https://example.com/events/%d", i),
			Fields: []string{"title"},
		})
		if err != nil {
			t.Fatal(err)
		}
		targets = append(targets, target)
	}

	crawler := &fakeCrawler{results: map[string]func(o *models.ExtractionOutcome){
		"https://example.com/events/3": func(o *models.ExtractionOutcome) { o.Fail(models.ErrCaptchaUnsolvable) },
		"https://example.com/events/7": func(o *models.ExtractionOutcome) { o.Fail(models.ErrPoolExhausted) },
	}}

	var mu sync.Mutex
	var seen []string
	summary, err := NewBatchCrawler(crawler, 3).Run(context.Background(), targets, func(o models.ExtractionOutcome) {
		mu.Lock()
		seen = append(seen, o.Target.URL)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Total != 10 || summary.Succeeded != 8 || summary.Failed != 2 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.ByReason[models.ReasonCaptchaUnsolvable] != 1 || summary.ByReason[models.ReasonPoolExhausted] != 1 {
		t.Errorf("ByReason = %v", summary.ByReason)
	}
	if len(seen) != 10 {
		t.Errorf("回调次数 = %d", len(seen))
	}
	if crawler.peak.Load() > 3 {
		t.Errorf("并发峰值%d超过上限3", crawler.peak.Load())
	}
}

func TestBatchCrawler_Canceled(t *testing.T) {
	target, _ := models.NewCrawlTarget(models.TargetSpec{URL: "https://example.com/e", Fields: []string{"title"}})
	targets := []models.CrawlTarget{target, target, target}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := NewBatchCrawler(&fakeCrawler{}, 1).Run(ctx, targets, nil)
	if err == nil {
		t.Error("取消后应返回错误")
	}
	if summary.Processed() != 0 {
		t.Errorf("取消后不应处理目标, 已处理%d", summary.Processed())
	}
}
