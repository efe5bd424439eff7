// Package memory 实现后台内存治理：周期采样主机与加速卡内存，
// 按压力级别执行不同强度的清理，并向外发出压力信号。
//
// 治理器与朗读任务并发运行，只通过注册的清理回调接触其他组件，
// 不会中断正在进行的合成。
package memory

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/iabetor/narrator/internal/logger"
)

// State 治理器运行状态。
type State int

const (
	StateIdle State = iota
	StateMonitoring
	StateCleanupTriggered
	StateStopped
)

var stateNames = [...]string{"Idle", "Monitoring", "CleanupTriggered", "Stopped"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// Signal 内存压力信号，只用于通知，不会中止任务。
type Signal struct {
	Level  Level
	Source string // system 或 gpuN
	Usage  float64
	At     time.Time
}

// Sample 历史中的一次采样。
type Sample struct {
	At       time.Time
	Usage    float64
	Level    Level
	Strategy Strategy
}

// Observer 接收采样与清理事件，通常由指标模块实现。
type Observer interface {
	ObserveUsage(source string, ratio float64)
	ObserveCleanup(strategy string)
	ObservePressure(level string)
}

// Reclaimer 释放指定加速卡（nil 表示全部）上可回收的缓存。
type Reclaimer func(device *int) error

// Config 治理器配置。
type Config struct {
	Interval      time.Duration
	Thresholds    Thresholds
	GCMinInterval time.Duration // 两次强制 GC 的最小间隔
	HistorySize   int
}

// ErrAlreadyStarted 重复启动。
var ErrAlreadyStarted = errors.New("[memory] 治理器已启动")

// ErrStopTimeout 停止超时，后台协程仍在运行。
var ErrStopTimeout = errors.New("[memory] 等待治理器退出超时")

// Governor 内存治理器。
type Governor struct {
	cfg      Config
	system   SystemSampler
	devices  DeviceProbe
	observer Observer
	limiter  *rate.Limiter

	// 以下两项在测试中替换
	collect func()
	freeOS  func()

	mu         sync.Mutex
	state      State
	clearers   []func()
	reclaimers []Reclaimer
	onPressure func(Signal)
	history    []Sample
	cleanups   map[Strategy]int

	stop chan struct{}
	done chan struct{}
}

// NewGovernor 创建治理器。devices 与 observer 可以为 nil。
func NewGovernor(cfg Config, system SystemSampler, devices DeviceProbe, observer Observer) *Governor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds
	}
	if cfg.GCMinInterval <= 0 {
		cfg.GCMinInterval = 2 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}
	if devices == nil {
		devices = NoDevices{}
	}
	return &Governor{
		cfg:      cfg,
		system:   system,
		devices:  devices,
		observer: observer,
		limiter:  rate.NewLimiter(rate.Every(cfg.GCMinInterval), 1),
		collect:  runtime.GC,
		freeOS:   debug.FreeOSMemory,
		cleanups: make(map[Strategy]int),
	}
}

// State 返回当前状态。
func (g *Governor) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Governor) setState(s State) {
	g.mu.Lock()
	from := g.state
	g.state = s
	g.mu.Unlock()
	if from != s {
		logger.Debugf("[memory] %s → %s", from, s)
	}
}

// RegisterClearer 注册辅助缓存清理回调，critical 时调用。
func (g *Governor) RegisterClearer(fn func()) {
	g.mu.Lock()
	g.clearers = append(g.clearers, fn)
	g.mu.Unlock()
}

// RegisterReclaimer 注册显存回收回调。
func (g *Governor) RegisterReclaimer(fn Reclaimer) {
	g.mu.Lock()
	g.reclaimers = append(g.reclaimers, fn)
	g.mu.Unlock()
}

// OnPressure 设置压力信号回调。回调在治理器协程中同步执行，应尽快返回。
func (g *Governor) OnPressure(fn func(Signal)) {
	g.mu.Lock()
	g.onPressure = fn
	g.mu.Unlock()
}

// Start 启动后台监控协程。
func (g *Governor) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.state == StateMonitoring || g.state == StateCleanupTriggered {
		g.mu.Unlock()
		return ErrAlreadyStarted
	}
	g.state = StateMonitoring
	g.stop = make(chan struct{})
	g.done = make(chan struct{})
	stop, done := g.stop, g.done
	g.mu.Unlock()

	logger.Infof("[memory] 治理器已启动 (interval=%s, thresholds=%+v)", g.cfg.Interval, g.cfg.Thresholds)
	go g.loop(ctx, stop, done)
	return nil
}

func (g *Governor) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()

	for {
		g.safeTick(ctx)
		select {
		case <-ctx.Done():
			g.setState(StateStopped)
			return
		case <-stop:
			g.setState(StateStopped)
			return
		case <-ticker.C:
		}
	}
}

// safeTick 单次采样失败或 panic 只记录日志，下一个周期继续。
func (g *Governor) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[memory] 监控周期异常: %v", r)
			g.setState(StateMonitoring)
		}
	}()
	if err := g.Tick(ctx); err != nil {
		logger.Warnf("[memory] 监控周期失败: %v", err)
	}
}

// Stop 发出停止信号并在 timeout 内等待后台协程退出。
func (g *Governor) Stop(timeout time.Duration) error {
	g.mu.Lock()
	stop, done := g.stop, g.done
	g.stop = nil
	g.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)

	select {
	case <-done:
		logger.Info("[memory] 治理器已停止")
		return nil
	case <-time.After(timeout):
		return ErrStopTimeout
	}
}

// Tick 执行一次采样与清理。
func (g *Governor) Tick(ctx context.Context) error {
	stats, err := g.system.Sample(ctx)
	if err != nil {
		return err
	}
	usage := stats.Usage()
	level := g.cfg.Thresholds.Classify(usage)
	if g.observer != nil {
		g.observer.ObserveUsage("system", usage)
		if stats.Total > 0 {
			g.observer.ObserveUsage("process", float64(stats.ProcessRSS)/float64(stats.Total))
		}
	}

	var tickErr error
	devices, err := g.devices.Devices(ctx)
	if err != nil {
		tickErr = multierr.Append(tickErr, err)
	}
	for _, d := range devices {
		du := d.Usage()
		source := fmt.Sprintf("gpu%d", d.Index)
		if g.observer != nil {
			g.observer.ObserveUsage(source, du)
		}
		dl := g.cfg.Thresholds.Classify(du)
		if dl >= LevelHigh {
			idx := d.Index
			if err := g.ReclaimAccelerator(&idx); err != nil {
				tickErr = multierr.Append(tickErr, err)
			}
			g.emit(Signal{Level: dl, Source: source, Usage: du, At: time.Now()})
		}
	}

	strategy, needed := StrategyFor(level)
	if needed {
		logger.Warnf("[memory] 内存压力 %s (%.1f%%)，执行 %s 清理", level, usage*100, strategy)
		g.setState(StateCleanupTriggered)
		if err := g.cleanup(strategy); err != nil {
			tickErr = multierr.Append(tickErr, err)
		}
		g.setState(StateMonitoring)
		g.emit(Signal{Level: level, Source: "system", Usage: usage, At: time.Now()})
	}

	g.record(Sample{At: time.Now(), Usage: usage, Level: level, Strategy: strategy})
	return tickErr
}

func (g *Governor) cleanup(s Strategy) error {
	passes := 1
	switch s {
	case StrategyBalanced:
		passes = 3
	case StrategyConservative:
		passes = 5
	}

	if g.limiter.Allow() {
		for i := 0; i < passes; i++ {
			g.collect()
		}
		if s != StrategyAggressive {
			g.freeOS()
		}
	} else {
		logger.Debugf("[memory] 距上次 GC 过近，跳过强制回收")
	}

	var err error
	if s == StrategyConservative {
		g.mu.Lock()
		clearers := append([]func(){}, g.clearers...)
		g.mu.Unlock()
		for _, fn := range clearers {
			fn()
		}
		err = g.ReclaimAccelerator(nil)
	}

	g.mu.Lock()
	g.cleanups[s]++
	g.mu.Unlock()
	if g.observer != nil {
		g.observer.ObserveCleanup(string(s))
	}
	return err
}

// ReclaimAccelerator 调用所有显存回收回调。device 为 nil 时回收全部设备。
func (g *Governor) ReclaimAccelerator(device *int) error {
	g.mu.Lock()
	reclaimers := append([]Reclaimer{}, g.reclaimers...)
	g.mu.Unlock()

	var err error
	for _, fn := range reclaimers {
		err = multierr.Append(err, fn(device))
	}
	if device != nil {
		logger.Debugf("[memory] 已回收加速卡 %d 的缓存", *device)
	}
	return err
}

func (g *Governor) emit(s Signal) {
	if g.observer != nil {
		g.observer.ObservePressure(s.Level.String())
	}
	g.mu.Lock()
	fn := g.onPressure
	g.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (g *Governor) record(s Sample) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.history = append(g.history, s)
	if over := len(g.history) - g.cfg.HistorySize; over > 0 {
		g.history = append(g.history[:0:0], g.history[over:]...)
	}
}

// Report 历史采样汇总。
type Report struct {
	Samples  int
	Peak     float64
	Average  float64
	Current  Level
	Cleanups map[Strategy]int
}

// Report 汇总保留的历史采样。
func (g *Governor) Report() Report {
	g.mu.Lock()
	defer g.mu.Unlock()

	r := Report{Samples: len(g.history), Cleanups: make(map[Strategy]int, len(g.cleanups))}
	for k, v := range g.cleanups {
		r.Cleanups[k] = v
	}
	if len(g.history) == 0 {
		return r
	}
	var sum float64
	for _, s := range g.history {
		sum += s.Usage
		if s.Usage > r.Peak {
			r.Peak = s.Usage
		}
	}
	r.Average = sum / float64(len(g.history))
	r.Current = g.history[len(g.history)-1].Level
	return r
}
