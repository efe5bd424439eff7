package pipeline

import (
	"sync"

	"github.com/iabetor/narrator/internal/logger"
)

// Stage 表示单句转换所处的阶段。
type Stage int

const (
	// StageIdle 等待下一句。
	StageIdle Stage = iota
	// StageValidate 检查输入。
	StageValidate
	// StageSpecial 处理停顿标记，不调用后端。
	StageSpecial
	// StageNormalize 规范化句尾。
	StageNormalize
	// StageSynthesize 调用合成后端。
	StageSynthesize
	// StagePostProcess 重采样与裁剪。
	StagePostProcess
	// StageAccumulate 追加到待写出列表。
	StageAccumulate
	// StageFlush 写出音频文件与字幕。
	StageFlush
	// StageDone 本句完成。
	StageDone
	// StageFailed 本句失败，待写出列表已回滚。
	StageFailed
)

var stageNames = [...]string{
	"Idle",
	"Validate",
	"Special",
	"Normalize",
	"Synthesize",
	"PostProcess",
	"Accumulate",
	"Flush",
	"Done",
	"Failed",
}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return "Unknown"
}

// StateMachine 管理线程安全的阶段转换。
type StateMachine struct {
	mu       sync.RWMutex
	current  Stage
	onChange func(from, to Stage)
}

// NewStateMachine 创建一个初始阶段为 Idle 的状态机。
func NewStateMachine() *StateMachine {
	return &StateMachine{current: StageIdle}
}

// SetOnChange 注册阶段变化时的回调函数。
func (sm *StateMachine) SetOnChange(fn func(from, to Stage)) {
	sm.mu.Lock()
	sm.onChange = fn
	sm.mu.Unlock()
}

// Current 返回当前阶段。
func (sm *StateMachine) Current() Stage {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// Transition 尝试切换阶段。只有合法的转换才会生效：
//
//	Idle/Done/Failed → Validate
//	Validate    → Special | Normalize
//	Special     → Done
//	Normalize   → Synthesize
//	Synthesize  → PostProcess
//	PostProcess → Accumulate
//	Accumulate  → Flush
//	Flush       → Done
//
// Validate 到 Flush 之间的任何阶段都可以转换到 Failed。
func (sm *StateMachine) Transition(to Stage) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !validTransition(sm.current, to) {
		logger.Warnf("[pipeline] 非法转换 %s → %s", sm.current, to)
		return false
	}

	from := sm.current
	sm.current = to
	logger.Debugf("[pipeline] %s → %s", from, to)

	if sm.onChange != nil {
		sm.onChange(from, to)
	}
	return true
}

// Reset 无条件重置为 Idle。
func (sm *StateMachine) Reset() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	from := sm.current
	sm.current = StageIdle
	if from != StageIdle && sm.onChange != nil {
		sm.onChange(from, StageIdle)
	}
}

func validTransition(from, to Stage) bool {
	if to == StageFailed {
		return from >= StageValidate && from <= StageFlush
	}
	switch from {
	case StageIdle, StageDone, StageFailed:
		return to == StageValidate
	case StageValidate:
		return to == StageSpecial || to == StageNormalize
	case StageSpecial:
		return to == StageDone
	case StageNormalize:
		return to == StageSynthesize
	case StageSynthesize:
		return to == StagePostProcess
	case StagePostProcess:
		return to == StageAccumulate
	case StageAccumulate:
		return to == StageFlush
	case StageFlush:
		return to == StageDone
	}
	return false
}
