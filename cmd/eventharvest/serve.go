package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/RecoveryAshes/eventharvest/internal/core"
	"github.com/RecoveryAshes/eventharvest/internal/feed"
	"github.com/RecoveryAshes/eventharvest/internal/models"
	"github.com/RecoveryAshes/eventharvest/internal/utils"
	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workers int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "常驻运行: 从Redis队列消费目标并发布结果,同时导出/metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		rt, err := core.NewRuntime(ctx, appConfig, headers)
		if err != nil {
			return fmt.Errorf("初始化失败: %w", err)
		}
		defer rt.Close()

		rdb := redis.NewClient(&redis.Options{Addr: appConfig.Feed.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("连接目标队列失败 [%s]: %w", appConfig.Feed.RedisAddr, err)
		}

		q, err := feed.NewRedisFeed(rdb, feed.Keys{
			Targets:    appConfig.Feed.TargetKey,
			Processing: appConfig.Feed.ProcessingKey,
			Outcomes:   appConfig.Feed.OutcomeKey,
		})
		if err != nil {
			return err
		}
		// 上次异常退出时遗留在处理中列表的目标
		if n, err := q.RecoverProcessing(ctx); err != nil {
			utils.Warnf("恢复处理中目标失败: %v", err)
		} else if n > 0 {
			utils.Infof("已将%d个未完成目标放回队列", n)
		}

		n := workers
		if n <= 0 {
			n = rt.Concurrency()
		}

		g, gctx := errgroup.WithContext(ctx)
		srv := newMetricsServer(appConfig.Metrics.ListenAddr, rt)
		g.Go(func() error {
			utils.Infof("指标服务监听 %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("指标服务异常: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			return srv.Shutdown(shutdownCtx)
		})

		for i := 0; i < n; i++ {
			w := &feedWorker{
				id:         i,
				feed:       q,
				crawler:    rt.Orchestrator,
				popTimeout: appConfig.Feed.PopTimeout,
				logger:     utils.Component("worker").With().Int("worker", i).Logger(),
			}
			g.Go(func() error { return w.run(gctx) })
		}
		utils.Infof("常驻模式已启动: %d个worker, 队列 %s", n, appConfig.Feed.TargetKey)

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		utils.Info("常驻模式已停止")
		return nil
	},
}

func newMetricsServer(addr string, rt *core.Runtime) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.Metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		stats := rt.Pool.Stats()
		fmt.Fprintf(w, "ok in_use=%d idle=%d capacity=%d\n", stats.InUse, stats.Idle, stats.Capacity)
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// targetFeed feedWorker依赖的队列操作
type targetFeed interface {
	Pop(ctx context.Context, timeout time.Duration) (*feed.Delivery, error)
	Ack(ctx context.Context, d *feed.Delivery) error
	Requeue(ctx context.Context, d *feed.Delivery) error
	PublishOutcome(ctx context.Context, outcome models.ExtractionOutcome) error
}

// feedWorker 循环取目标、爬取、发布结果
type feedWorker struct {
	id         int
	feed       targetFeed
	crawler    core.TargetCrawler
	popTimeout time.Duration
	logger     zerolog.Logger
}

func (w *feedWorker) run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		d, err := w.feed.Pop(ctx, w.popTimeout)
		switch {
		case errors.Is(err, feed.ErrNoTarget):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			wait := bo.NextBackOff()
			w.logger.Warn().Err(err).Dur("retry_in", wait).Msg("取目标失败")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		w.handle(ctx, d)
	}
}

func (w *feedWorker) handle(ctx context.Context, d *feed.Delivery) {
	outcome := w.crawler.Crawl(ctx, d.Target)
	// 关闭过程中的目标放回队列,确认与发布不受取消影响
	bg := context.WithoutCancel(ctx)

	if ctx.Err() != nil || outcome.FailureReason == models.ReasonPoolExhausted {
		if err := w.feed.Requeue(bg, d); err != nil {
			w.logger.Error().Err(err).Str("url", d.Target.URL).Msg("目标重新入队失败")
		}
		return
	}

	if err := w.feed.PublishOutcome(bg, outcome); err != nil {
		// 不确认,目标留在处理中列表,重启后恢复
		w.logger.Error().Err(err).Str("url", d.Target.URL).Msg("发布结果失败")
		return
	}
	if err := w.feed.Ack(bg, d); err != nil {
		w.logger.Error().Err(err).Str("url", d.Target.URL).Msg("确认目标失败")
	}
}

func init() {
	serveCmd.Flags().IntVar(&workers, "workers", 0, "worker数量,默认与会话池容量一致")
}
