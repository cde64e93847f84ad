package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/redis/go-redis/v9"
)

func main() {
	redisAddr := flag.String("redis", "", "检查Redis连通性,例如 127.0.0.1:6379")
	sqlitePath := flag.String("sqlite", "", "检查SQLite数据库目录是否可写")
	flag.Parse()

	fmt.Println("==============================================")
	fmt.Println("  eventharvest 环境验证")
	fmt.Println("==============================================")
	fmt.Println()

	allOK := true

	fmt.Printf("✅ Go版本: %s\n", runtime.Version())
	fmt.Printf("✅ 操作系统: %s/%s, CPU %d核\n", runtime.GOOS, runtime.GOARCH, runtime.NumCPU())

	// 浏览器
	if bin, ok := launcher.LookPath(); ok {
		fmt.Printf("✅ 浏览器: %s\n", bin)
	} else {
		fmt.Println("⚠️  未找到本地Chrome/Chromium - 首次运行时rod会自动下载")
	}

	if *redisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		err := rdb.Ping(ctx).Err()
		cancel()
		rdb.Close()
		if err != nil {
			fmt.Printf("❌ Redis [%s] 不可达: %v\n", *redisAddr, err)
			allOK = false
		} else {
			fmt.Printf("✅ Redis [%s] 可达\n", *redisAddr)
		}
	}

	if *sqlitePath != "" {
		if err := checkWritable(filepath.Dir(*sqlitePath)); err != nil {
			fmt.Printf("❌ SQLite目录不可写: %v\n", err)
			allOK = false
		} else {
			fmt.Printf("✅ SQLite目录可写: %s\n", filepath.Dir(*sqlitePath))
		}
	}

	// 检查项目结构
	fmt.Println()
	fmt.Println("检查项目结构...")
	requiredDirs := []string{
		"cmd/eventharvest",
		"internal/core",
		"internal/crawlers",
		"internal/healthstore",
		"internal/selector",
		"configs",
	}
	for _, dir := range requiredDirs {
		if _, err := os.Stat(dir); err == nil {
			fmt.Printf("✅ %s/\n", dir)
		} else {
			fmt.Printf("❌ %s/ 不存在\n", dir)
			allOK = false
		}
	}

	fmt.Println()
	fmt.Println("==============================================")
	if allOK {
		fmt.Println("✅ 环境验证通过!")
		fmt.Println()
		fmt.Println("下一步:")
		fmt.Println("  1. 运行 'go build ./cmd/eventharvest' 构建项目")
		fmt.Println("  2. 运行 './eventharvest validate-config' 检查配置")
		os.Exit(0)
	}
	fmt.Println("❌ 环境验证失败,请解决上述问题。")
	os.Exit(1)
}

// checkWritable 在目录中创建并删除临时文件
func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".verify-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
