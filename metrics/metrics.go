package metrics

import (
	"sync"
	"time"
)

// Snapshot 进程内统计快照
type Snapshot struct {
	Cycles            int64            `json:"cycles"`
	LastCycleAt       time.Time        `json:"last_cycle_at"`
	LastCycleDuration string           `json:"last_cycle_duration"`
	LastCycleActions  int              `json:"last_cycle_actions"`
	Orders            map[string]int64 `json:"orders"`
	RiskHalted        bool             `json:"risk_halted"`
	StartedAt         time.Time        `json:"started_at"`
}

// Stats 进程内统计，Prometheus 之外给状态接口一个直接可读的视图
type Stats struct {
	mu       sync.RWMutex
	snapshot Snapshot
}

// NewStats 创建统计
func NewStats() *Stats {
	return &Stats{snapshot: Snapshot{Orders: make(map[string]int64), StartedAt: time.Now()}}
}

func (s *Stats) recordOrder(action string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.Orders[action]++
}

func (s *Stats) recordCycle(d time.Duration, actions int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.Cycles++
	s.snapshot.LastCycleAt = time.Now()
	s.snapshot.LastCycleDuration = d.String()
	s.snapshot.LastCycleActions = actions
}

func (s *Stats) setHalted(halted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.RiskHalted = halted
}

// Snapshot 返回副本
func (s *Stats) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := s.snapshot
	cp.Orders = make(map[string]int64, len(s.snapshot.Orders))
	for k, v := range s.snapshot.Orders {
		cp.Orders[k] = v
	}
	return cp
}
