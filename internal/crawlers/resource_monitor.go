package crawlers

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/RecoveryAshes/eventharvest/internal/utils"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const mb = 1024 * 1024

// ResourceMonitor 系统资源监控器
// 职责: 采样可用内存和CPU负载,计算会话池容量上限,资源紧张时否决新建会话
type ResourceMonitor struct {
	config ResourceMonitorConfig

	// 采样函数,测试时可替换
	memSampler func() (total, available uint64, err error)
	cpuSampler func() (float64, error)

	mu            sync.RWMutex
	totalMemory   uint64
	availMemory   uint64
	lastCPUUsage  float64
	lastSampledAt time.Time

	cancelFunc context.CancelFunc
	isRunning  bool

	logger zerolog.Logger
}

// ResourceMonitorConfig 资源监控器配置,内存单位均为MB
type ResourceMonitorConfig struct {
	SafetyReserveMemory int64   // 留给系统的内存
	SafetyThreshold     int64   // 可用内存低于此值时不再新建会话
	CPULoadThreshold    float64 // CPU使用率阈值(%), >=100视为不检查
	MaxTabsLimit        int     // 绝对上限
	TabMemoryUsage      int64   // 单个浏览器上下文的平均内存消耗
}

// MemoryStatus 内存状态
type MemoryStatus struct {
	TotalMemory     uint64 `json:"total_memory"`
	AvailableMemory uint64 `json:"available_memory"`
	Budget          int64  `json:"budget"` // 扣除保留量后可供会话使用的内存
	MemoryPressure  string `json:"memory_pressure"`
}

// NewResourceMonitor 创建资源监控器,并立即采样一次
func NewResourceMonitor(config ResourceMonitorConfig) *ResourceMonitor {
	if config.TabMemoryUsage <= 0 {
		config.TabMemoryUsage = 150
	}
	if config.MaxTabsLimit <= 0 {
		config.MaxTabsLimit = 16
	}

	rm := &ResourceMonitor{
		config:     config,
		memSampler: sampleMemory,
		cpuSampler: sampleCPU,
		logger:     utils.Component("resource_monitor"),
	}
	rm.Sample()

	rm.logger.Info().
		Float64("total_gb", float64(rm.totalMemory)/(1024*mb)).
		Int("max_sessions", rm.CalculateMaxTabs()).
		Msg("资源监控已初始化")
	return rm
}

func sampleMemory() (uint64, uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return vm.Total, vm.Available, nil
}

func sampleCPU() (float64, error) {
	// perCPU=false 返回所有核心的平均值
	percentages, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		return 0, err
	}
	if len(percentages) == 0 {
		return 0, fmt.Errorf("CPU使用率数据为空")
	}
	return percentages[0], nil
}

// Sample 采样一次内存和CPU
// 采样失败时保留上一次的值,首次失败按4GB总内存处理
func (rm *ResourceMonitor) Sample() {
	total, avail, memErr := rm.memSampler()
	usage, cpuErr := rm.cpuSampler()

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if memErr != nil {
		rm.logger.Warn().Err(memErr).Msg("获取系统内存失败")
		if rm.totalMemory == 0 {
			rm.totalMemory = 4 * 1024 * mb
			rm.availMemory = rm.totalMemory / 2
		}
	} else {
		rm.totalMemory = total
		rm.availMemory = avail
	}

	if cpuErr != nil {
		rm.logger.Debug().Err(cpuErr).Msg("获取CPU使用率失败")
	} else {
		rm.lastCPUUsage = usage
	}
	rm.lastSampledAt = time.Now()
}

// StartMonitoring 启动周期采样,重复调用是空操作
func (rm *ResourceMonitor) StartMonitoring(interval time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.isRunning {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	rm.cancelFunc = cancel
	rm.isRunning = true

	go rm.monitoringLoop(ctx, interval)
}

func (rm *ResourceMonitor) monitoringLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rm.Sample()
		}
	}
}

// StopMonitoring 停止周期采样
func (rm *ResourceMonitor) StopMonitoring() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.isRunning && rm.cancelFunc != nil {
		rm.cancelFunc()
		rm.isRunning = false
		rm.cancelFunc = nil
	}
}

// budgetLocked 可供会话使用的内存(字节)
func (rm *ResourceMonitor) budgetLocked() int64 {
	return int64(rm.availMemory) - rm.config.SafetyReserveMemory*mb
}

// CalculateMaxTabs 当前资源允许的最大会话数,至少为1
// 取 内存预算/单会话内存、CPU核数、绝对上限 三者的最小值
func (rm *ResourceMonitor) CalculateMaxTabs() int {
	rm.mu.RLock()
	budget := rm.budgetLocked()
	rm.mu.RUnlock()

	byMemory := 1
	if surplus := budget - rm.config.SafetyThreshold*mb; surplus > 0 {
		byMemory = int(surplus / (rm.config.TabMemoryUsage * mb))
	}

	result := min(byMemory, runtime.NumCPU(), rm.config.MaxTabsLimit)
	if result < 1 {
		result = 1
	}
	return result
}

// CheckResourceAvailability 当前资源是否允许新建会话
func (rm *ResourceMonitor) CheckResourceAvailability() (canCreate bool, reason string) {
	rm.mu.RLock()
	budget := rm.budgetLocked()
	usage := rm.lastCPUUsage
	rm.mu.RUnlock()

	if budget < rm.config.SafetyThreshold*mb {
		return false, fmt.Sprintf("内存不足(可用%dMB)", budget/mb)
	}
	if rm.config.CPULoadThreshold > 0 && rm.config.CPULoadThreshold < 100 && usage > rm.config.CPULoadThreshold {
		return false, fmt.Sprintf("CPU负载过高(当前%.1f%%)", usage)
	}
	return true, ""
}

// GetMemoryStatus 当前内存状态
func (rm *ResourceMonitor) GetMemoryStatus() MemoryStatus {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	budget := rm.budgetLocked()
	var pressure string
	switch budgetMB := budget / mb; {
	case budgetMB < 200:
		pressure = "emergency"
	case budgetMB < 300:
		pressure = "critical"
	case budgetMB < 500:
		pressure = "warning"
	default:
		pressure = "normal"
	}

	return MemoryStatus{
		TotalMemory:     rm.totalMemory,
		AvailableMemory: rm.availMemory,
		Budget:          budget,
		MemoryPressure:  pressure,
	}
}
