package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/RecoveryAshes/eventharvest/internal/core"
	"github.com/RecoveryAshes/eventharvest/internal/feed"
	"github.com/RecoveryAshes/eventharvest/internal/models"
	"github.com/RecoveryAshes/eventharvest/internal/utils"
	"github.com/spf13/cobra"
)

// crawl 参数
var (
	targetURL  string
	targetFile string
	siteID     string
	fieldList  []string
	noProgress bool
)

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "爬取单个或批量目标,结果以JSON Lines输出到stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		if targetURL == "" && targetFile == "" {
			return cmd.Help()
		}
		if targetURL != "" && targetFile != "" {
			return errors.New("--url 与 --file 不能同时使用")
		}

		targets, err := loadCrawlTargets()
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		rt, err := core.NewRuntime(ctx, appConfig, headers)
		if err != nil {
			return fmt.Errorf("初始化失败: %w", err)
		}
		defer rt.Close()

		out := utils.NewOutcomeWriter(os.Stdout)
		bar := utils.NewProgressBar(len(targets), "爬取中")
		if noProgress || len(targets) == 1 {
			bar = nil
		}

		batch := core.NewBatchCrawler(rt.Orchestrator, rt.Concurrency())
		summary, err := batch.Run(ctx, targets, func(outcome models.ExtractionOutcome) {
			if werr := out.Write(outcome); werr != nil {
				utils.Error(werr, "输出结果失败")
			}
			if bar != nil {
				bar.Add(1)
			}
		})
		if bar != nil {
			bar.Finish()
		}
		if err != nil {
			return fmt.Errorf("批量爬取中断: %w", err)
		}
		if summary.Failed == summary.Total {
			return fmt.Errorf("全部%d个目标失败", summary.Total)
		}
		return nil
	},
}

func loadCrawlTargets() ([]models.CrawlTarget, error) {
	if targetFile != "" {
		targets, err := feed.LoadTargetsFile(targetFile, fieldList)
		if err != nil {
			return nil, fmt.Errorf("读取目标文件失败: %w", err)
		}
		return targets, nil
	}

	target, err := models.NewCrawlTarget(models.TargetSpec{
		URL:    strings.TrimSpace(targetURL),
		SiteID: siteID,
		Fields: fieldList,
	})
	if err != nil {
		return nil, fmt.Errorf("无效的目标: %w", err)
	}
	return []models.CrawlTarget{target}, nil
}

func init() {
	f := crawlCmd.Flags()
	f.StringVarP(&targetURL, "url", "u", "", "目标URL")
	f.StringVarP(&targetFile, "file", "f", "", "目标文件 (yaml|json|每行一个URL的文本)")
	f.StringVar(&siteID, "site", "", "站点标识,默认取主机名")
	f.StringSliceVar(&fieldList, "fields", []string{"title", "date", "venue"}, "要提取的字段,逗号分隔")
	f.BoolVar(&noProgress, "no-progress", false, "不显示进度条")
}
