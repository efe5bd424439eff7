package memory

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Level 内存压力级别。
type Level int

const (
	LevelSafe Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

var levelNames = [...]string{"safe", "low", "medium", "high", "critical"}

func (l Level) String() string {
	if int(l) >= 0 && int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "unknown"
}

// Strategy 清理策略。
type Strategy string

const (
	// StrategyAggressive 单次 GC，开销最小，在 medium 触发。
	StrategyAggressive Strategy = "aggressive"
	// StrategyBalanced 多轮 GC 并归还空闲页，在 high 触发。
	StrategyBalanced Strategy = "balanced"
	// StrategyConservative 多轮 GC、归还空闲页、清空辅助缓存并回收显存，在 critical 触发。
	StrategyConservative Strategy = "conservative"
)

// StrategyFor 返回级别对应的清理策略，safe 与 low 不清理。
func StrategyFor(l Level) (Strategy, bool) {
	switch l {
	case LevelMedium:
		return StrategyAggressive, true
	case LevelHigh:
		return StrategyBalanced, true
	case LevelCritical:
		return StrategyConservative, true
	}
	return "", false
}

// 任务开始时按可用显存选择任务内清理策略的界限。
const (
	conservativeBelow = 4 << 30
	balancedBelow     = 8 << 30
)

// StrategyForFree 按任务开始时的可用显存（cpu 为可用内存）选择任务内的清理策略。
func StrategyForFree(free uint64) Strategy {
	switch {
	case free < conservativeBelow:
		return StrategyConservative
	case free < balancedBelow:
		return StrategyBalanced
	}
	return StrategyAggressive
}

// TidyInterval 返回任务内两次主动回收之间的句子数，0 表示不主动回收。
func (s Strategy) TidyInterval() int {
	switch s {
	case StrategyConservative:
		return 1
	case StrategyBalanced:
		return 10
	}
	return 0
}

// Tidy 执行一次任务内回收：强制 GC，conservative 时额外归还空闲页。
func Tidy(s Strategy) {
	runtime.GC()
	if s == StrategyConservative {
		debug.FreeOSMemory()
	}
}

// Thresholds 各级别的占用比例下限。
type Thresholds struct {
	Low      float64 `yaml:"low" toml:"low"`
	Medium   float64 `yaml:"medium" toml:"medium"`
	High     float64 `yaml:"high" toml:"high"`
	Critical float64 `yaml:"critical" toml:"critical"`
}

// DefaultThresholds 默认阈值。
var DefaultThresholds = Thresholds{Low: 0.65, Medium: 0.75, High: 0.85, Critical: 0.95}

// Validate 阈值必须在 (0,1] 内严格递增。
func (t Thresholds) Validate() error {
	seq := []float64{t.Low, t.Medium, t.High, t.Critical}
	prev := 0.0
	for i, v := range seq {
		if v <= prev || v > 1 {
			return fmt.Errorf("[memory] 阈值 %s=%.2f 无效，必须在 (%.2f, 1] 内", Level(i+1), v, prev)
		}
		prev = v
	}
	return nil
}

// Classify 将占用比例映射到压力级别。
func (t Thresholds) Classify(ratio float64) Level {
	switch {
	case ratio >= t.Critical:
		return LevelCritical
	case ratio >= t.High:
		return LevelHigh
	case ratio >= t.Medium:
		return LevelMedium
	case ratio >= t.Low:
		return LevelLow
	}
	return LevelSafe
}
