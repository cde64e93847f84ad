package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/RecoveryAshes/eventharvest/internal/core"
	"github.com/RecoveryAshes/eventharvest/internal/utils"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

// 全局参数
var (
	configFile   string
	verbose      bool
	logLevel     string
	headers      []string // 自定义HTTP请求头
	capacity     int
	headless     bool
	proxyFile    string
	storeBackend string
	solverName   string

	// appConfig 由PersistentPreRunE加载,子命令共用
	appConfig *core.Config
)

var rootCmd = &cobra.Command{
	Use:   "eventharvest",
	Short: "活动页面字段提取工具",
	Long: `eventharvest - 基于真实浏览器的活动页面字段提取工具

通过有界的浏览器会话池访问活动页面,提取标题、日期、场地等字段:
  • 会话绑定指纹和代理,按健康度轮换代理
  • 选择器按站点学习成功率,失效后自动换用备选
  • 识别验证码和拦截页,换新会话重试
  • 结果以JSON Lines输出,或通过Redis队列常驻运行

示例:
  # 单个目标
  eventharvest crawl -u https://ra.co/events/123 --fields title,date,venue

  # 批量目标
  eventharvest crawl -f targets.yaml

  # 常驻模式,从Redis消费目标
  eventharvest serve

  # 验证配置
  eventharvest validate-config -H "X-Team: events"

版本: ` + Version + `
构建时间: ` + BuildTime,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 加载配置
		config, err := core.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}

		// 命令行参数覆盖配置文件
		overrides := core.CLIOverrides{
			Capacity:     capacity,
			ProxyFile:    proxyFile,
			StoreBackend: storeBackend,
			LogLevel:     logLevel,
			SolverName:   solverName,
		}
		if cmd.Flags().Changed("headless") {
			overrides.Headless = &headless
		}
		if err := config.MergeCLIFlags(overrides); err != nil {
			return err
		}

		// 初始化日志系统
		if err := utils.InitLogger(config.LogConfig()); err != nil {
			return fmt.Errorf("初始化日志系统失败: %w", err)
		}
		if verbose {
			utils.Info("详细模式已启用")
		}

		appConfig = config
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	// 不需要加载配置
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("eventharvest %s\n", Version)
		fmt.Printf("构建时间: %s\n", BuildTime)
	},
}

// signalContext 收到Ctrl+C或SIGTERM时取消的ctx
// 第二次收到信号时直接退出
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			utils.Warnf("收到中断信号: %v, 正在优雅关闭...", sig)
			cancel()
		case <-ctx.Done():
			signal.Stop(sigChan)
			return
		}
		<-sigChan
		utils.Warn("再次收到中断信号, 立即退出")
		os.Exit(130)
	}()
	return ctx, cancel
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", "", "配置文件路径")
	pf.BoolVarP(&verbose, "verbose", "v", false, "详细输出模式")
	pf.StringVar(&logLevel, "log-level", "", "日志级别 (trace|debug|info|warn|error)")
	pf.StringArrayVarP(&headers, "header", "H", []string{}, "自定义HTTP头部,格式: 'Name: Value',可多次指定")
	pf.IntVar(&capacity, "capacity", 0, "会话池容量 (覆盖配置)")
	pf.BoolVar(&headless, "headless", true, "无头浏览器模式")
	pf.StringVar(&proxyFile, "proxy-file", "", "代理列表文件")
	pf.StringVar(&storeBackend, "store", "", "健康存储后端 (memory|redis|sqlite)")
	pf.StringVar(&solverName, "solver", "", "验证码求解服务 (none|http)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(crawlCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(proxiesCmd)
	rootCmd.AddCommand(selectorsCmd)
	rootCmd.AddCommand(validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}
