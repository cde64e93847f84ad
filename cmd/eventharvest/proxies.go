package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/RecoveryAshes/eventharvest/internal/core"
	"github.com/RecoveryAshes/eventharvest/internal/healthstore"
	"github.com/RecoveryAshes/eventharvest/internal/metrics"
	"github.com/RecoveryAshes/eventharvest/internal/models"
	"github.com/RecoveryAshes/eventharvest/internal/proxy"
	"github.com/spf13/cobra"
)

var proxiesCmd = &cobra.Command{
	Use:   "proxies",
	Short: "管理代理列表与健康度",
}

var proxiesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "导入代理列表到健康存储",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store := core.OpenStore(ctx, appConfig)
		defer store.Close()

		added, total, err := proxy.Import(ctx, store, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("导入%d个代理, 新增%d个\n", total, added)
		return nil
	},
}

var proxiesCheckCmd = &cobra.Command{
	Use:   "check [file]",
	Short: "探测代理可用性并记录结果",
	Long:  "未指定文件时探测健康存储中的全部代理",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		store := core.OpenStore(ctx, appConfig)
		defer store.Close()

		records, err := proxiesToCheck(ctx, store, args)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("没有可探测的代理")
			return nil
		}

		prober := core.NewProber(appConfig, store, metrics.NewRecorder())
		results, err := prober.Check(ctx, records)
		if err != nil {
			return fmt.Errorf("探测中断: %w", err)
		}

		ok, sorted := proxy.Summarize(results)
		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "PROXY\tOK\tSTATUS\tLATENCY\tHEALTH\tERROR")
		for _, r := range sorted {
			errText := ""
			if r.Err != nil {
				errText = r.Err.Error()
			}
			fmt.Fprintf(w, "%s\t%v\t%d\t%s\t%.2f\t%s\n",
				r.Proxy.ID, r.OK, r.StatusCode, r.Latency.Round(time.Millisecond), r.Proxy.Health, errText)
		}
		w.Flush()
		fmt.Printf("\n可用 %d / %d\n", ok, len(results))
		return nil
	},
}

// proxiesToCheck 指定文件时先注册再探测
func proxiesToCheck(ctx context.Context, store healthstore.Store, args []string) ([]models.ProxyRecord, error) {
	if len(args) == 0 {
		return store.ListProxies(ctx)
	}
	records, err := proxy.LoadProxyFile(args[0])
	if err != nil {
		return nil, err
	}
	if _, err := store.RegisterProxies(ctx, records); err != nil {
		return nil, fmt.Errorf("注册代理失败: %w", err)
	}
	return records, nil
}

var proxiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "按健康度列出代理",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store := core.OpenStore(ctx, appConfig)
		defer store.Close()

		records, err := store.ListProxies(ctx)
		if err != nil {
			return err
		}

		now := time.Now()
		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "PROXY\tHEALTH\tSUCCESS\tFAIL\tLATENCY\tSTATE")
		for _, p := range records {
			state := "ok"
			switch {
			case p.Disabled:
				state = "disabled"
			case p.InCooldown(now):
				state = "cooldown " + p.CooldownUntil.Sub(now).Round(time.Second).String()
			case p.Health < appConfig.Proxy.HealthFloor:
				state = "below floor"
			}
			fmt.Fprintf(w, "%s\t%.3f\t%d\t%d\t%s\t%s\n",
				p.ID, p.Health, p.Successes, p.Failures, p.LastLatency.Round(time.Millisecond), state)
		}
		return w.Flush()
	},
}

func init() {
	proxiesCmd.AddCommand(proxiesImportCmd, proxiesCheckCmd, proxiesListCmd)
}
