package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/RecoveryAshes/eventharvest/internal/feed"
	"github.com/RecoveryAshes/eventharvest/internal/models"
	"github.com/rs/zerolog"
)

type fakeFeed struct {
	mu         sync.Mutex
	queue      []*feed.Delivery
	acked      int
	requeued   int
	published  []models.ExtractionOutcome
	publishErr error
}

func (f *fakeFeed) Pop(ctx context.Context, timeout time.Duration) (*feed.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, feed.ErrNoTarget
	}
	d := f.queue[0]
	f.queue = f.queue[1:]
	return d, nil
}

func (f *fakeFeed) Ack(ctx context.Context, d *feed.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked++
	return nil
}

func (f *fakeFeed) Requeue(ctx context.Context, d *feed.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued++
	return nil
}

func (f *fakeFeed) PublishOutcome(ctx context.Context, outcome models.ExtractionOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, outcome)
	return nil
}

type stubCrawler struct {
	reason models.FailureReason
}

func (c stubCrawler) Crawl(ctx context.Context, target models.CrawlTarget) models.ExtractionOutcome {
	outcome := models.NewOutcome(target)
	if c.reason != models.ReasonNone {
		outcome.Fail(errors.New(string(c.reason)))
		outcome.FailureReason = c.reason
		return outcome
	}
	outcome.Fields["title"] = models.FieldValue{Value: "Night"}
	outcome.Finalize()
	return outcome
}

func delivery(t *testing.T) *feed.Delivery {
	t.Helper()
	target, err := models.NewCrawlTarget(models.TargetSpec{URL: "https://ra.co/events/1", Fields: []string{"title"}})
	if err != nil {
		t.Fatal(err)
	}
	return &feed.Delivery{Target: target}
}

func TestFeedWorker_Handle(t *testing.T) {
	tests := []struct {
		name          string
		reason        models.FailureReason
		publishErr    error
		wantPublished int
		wantAcked     int
		wantRequeued  int
	}{
		{"成功发布并确认", models.ReasonNone, nil, 1, 1, 0},
		{"失败结果同样发布", models.ReasonBlocked, nil, 1, 1, 0},
		{"会话池耗尽重新入队", models.ReasonPoolExhausted, nil, 0, 0, 1},
		{"发布失败不确认", models.ReasonNone, errors.New("redis down"), 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFeed{publishErr: tt.publishErr}
			w := &feedWorker{feed: f, crawler: stubCrawler{reason: tt.reason}, logger: zerolog.Nop()}
			w.handle(context.Background(), delivery(t))

			if len(f.published) != tt.wantPublished || f.acked != tt.wantAcked || f.requeued != tt.wantRequeued {
				t.Errorf("published=%d acked=%d requeued=%d, want %d/%d/%d",
					len(f.published), f.acked, f.requeued, tt.wantPublished, tt.wantAcked, tt.wantRequeued)
			}
		})
	}
}

func TestFeedWorker_RequeueOnShutdown(t *testing.T) {
	f := &fakeFeed{}
	w := &feedWorker{feed: f, crawler: stubCrawler{}, logger: zerolog.Nop()}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.handle(ctx, delivery(t))

	if f.requeued != 1 || f.acked != 0 || len(f.published) != 0 {
		t.Errorf("关闭中的目标应放回队列: requeued=%d acked=%d", f.requeued, f.acked)
	}
}

func TestFeedWorker_RunStopsOnCancel(t *testing.T) {
	f := &fakeFeed{queue: []*feed.Delivery{delivery(t), delivery(t)}}
	w := &feedWorker{feed: f, crawler: stubCrawler{}, popTimeout: time.Millisecond, logger: zerolog.Nop()}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := w.run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acked != 2 {
		t.Errorf("应处理完队列中的2个目标, 实际%d", f.acked)
	}
}
