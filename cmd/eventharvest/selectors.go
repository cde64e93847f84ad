package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/RecoveryAshes/eventharvest/internal/core"
	"github.com/spf13/cobra"
)

var (
	rankSite  string
	rankField string
)

var selectorsCmd = &cobra.Command{
	Use:   "selectors",
	Short: "查看选择器学习结果",
}

var selectorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出站点字段的选择器排名",
	RunE: func(cmd *cobra.Command, args []string) error {
		if rankSite == "" || rankField == "" {
			return fmt.Errorf("--site 与 --field 必须指定")
		}
		ctx := cmd.Context()
		store := core.OpenStore(ctx, appConfig)
		defer store.Close()

		engine, err := core.NewEngine(appConfig, store, nil)
		if err != nil {
			return err
		}
		field := strings.ToLower(rankField)

		ranking, err := engine.Ranking(ctx, rankSite, field)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "PATTERN\tCONFIDENCE\tSUCCESS\tFAIL\tLAST VERIFIED")
		for _, sp := range ranking {
			fmt.Fprintf(w, "%s\t%.3f\t%d\t%d\t%s\n",
				sp.Key(), sp.Confidence, sp.Successes, sp.Failures, sp.LastVerified.Format("2006-01-02 15:04"))
		}
		w.Flush()

		seeds := engine.Seeds(rankSite, field)
		if len(seeds) > 0 {
			fmt.Printf("\n种子模式 (%d个):\n", len(seeds))
			for _, p := range seeds {
				fmt.Printf("  %s\n", p.Key())
			}
		}
		return nil
	},
}

func init() {
	selectorsListCmd.Flags().StringVar(&rankSite, "site", "", "站点标识")
	selectorsListCmd.Flags().StringVar(&rankField, "field", "", "字段名")
	selectorsCmd.AddCommand(selectorsListCmd)
}
