package main

import (
	"fmt"
	"sort"

	"github.com/RecoveryAshes/eventharvest/internal/antidetect"
	"github.com/RecoveryAshes/eventharvest/internal/core"
	"github.com/RecoveryAshes/eventharvest/internal/utils"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "验证配置文件和HTTP头部配置",
	RunE: func(cmd *cobra.Command, args []string) error {
		utils.Info("🔍 验证配置...")

		// 配置本身已在PersistentPreRunE中校验
		headerManager, err := core.NewHeaderManager(appConfig.Headers.File, appConfig.Headers.Extra, headers)
		if err != nil {
			return fmt.Errorf("创建HTTP头部管理器失败: %w", err)
		}
		if err := headerManager.LoadConfig(); err != nil {
			return fmt.Errorf("加载头部配置失败: %w", err)
		}
		if err := headerManager.Validate(); err != nil {
			return fmt.Errorf("头部配置验证失败: %w", err)
		}

		if appConfig.Selector.SeedsFile != "" {
			if _, err := core.NewEngine(appConfig, nil, nil); err != nil {
				return fmt.Errorf("选择器种子文件无效: %w", err)
			}
		}

		utils.Info("✅ 配置验证通过!")
		fmt.Printf("会话池容量: %d, 并发: %d\n", appConfig.Pool.Capacity, appConfig.Concurrency())
		fmt.Printf("健康存储: %s, 验证码求解: %s\n", appConfig.HealthStore.Backend, appConfig.Captcha.Solver)
		fmt.Printf("单目标超时(3个字段): %s\n", appConfig.TargetTimeout(3))

		// 显示合并后的头部(脱敏),以第一个指纹为例
		safeHeaders := headerManager.SafeHeaders(antidetect.DefaultProfiles[0])
		names := make([]string, 0, len(safeHeaders))
		for name := range safeHeaders {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Printf("当前有效的HTTP头部 (%d个):\n", len(names))
		for _, name := range names {
			fmt.Printf("  %s: %s\n", name, safeHeaders[name])
		}
		return nil
	},
}
