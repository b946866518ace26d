package metrics

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"quantguard/logger"
)

// SystemMetrics 进程资源占用
type SystemMetrics struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	RSSBytes      uint64    `json:"rss_bytes"`
	MemoryPercent float64   `json:"memory_percent"` // 占系统内存的比例
}

// CollectSystemMetrics 采集当前进程的 CPU 和内存
func CollectSystemMetrics() (*SystemMetrics, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("获取进程失败: %w", err)
	}
	cpuPercent, err := p.CPUPercent()
	if err != nil {
		return nil, fmt.Errorf("获取CPU占用率失败: %w", err)
	}
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("获取内存信息失败: %w", err)
	}

	var memoryPercent float64
	if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		memoryPercent = float64(memInfo.RSS) / float64(vm.Total) * 100
	}

	return &SystemMetrics{
		Timestamp:     time.Now(),
		CPUPercent:    cpuPercent,
		RSSBytes:      memInfo.RSS,
		MemoryPercent: memoryPercent,
	}, nil
}

// SystemCollector 定期把进程资源写入指标
type SystemCollector struct {
	pm       *PrometheusMetrics
	interval time.Duration
}

// NewSystemCollector 创建采集器
func NewSystemCollector(pm *PrometheusMetrics, interval time.Duration) *SystemCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &SystemCollector{pm: pm, interval: interval}
}

// Run 阻塞采集直到 ctx 结束
func (sc *SystemCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	sc.collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sc.collect()
		}
	}
}

func (sc *SystemCollector) collect() {
	m, err := CollectSystemMetrics()
	if err != nil {
		logger.Debug("⚠️ [Metrics] 采集系统指标失败: %v", err)
		return
	}
	sc.pm.SetProcessStats(m.CPUPercent, m.RSSBytes)
}
