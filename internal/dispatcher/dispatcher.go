// Package dispatcher 负责一个任务的完整生命周期：选择并加载后端、
// 打开时间轴、逐句驱动转换流水线、应用失败策略并持久化进度。
package dispatcher

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/iabetor/narrator/internal/database"
	"github.com/iabetor/narrator/internal/errs"
	"github.com/iabetor/narrator/internal/logger"
	"github.com/iabetor/narrator/internal/memory"
	"github.com/iabetor/narrator/internal/metrics"
	"github.com/iabetor/narrator/internal/pipeline"
	"github.com/iabetor/narrator/internal/session"
	"github.com/iabetor/narrator/internal/timeline"
	"github.com/iabetor/narrator/internal/tts"
)

// timelineTolerance 时间轴按毫秒写出，与数据库中的时间相差不超过该值视为一致。
const timelineTolerance = 0.001

// Deps 调度器依赖。Store、Metrics、System 可以为 nil。
type Deps struct {
	Registry *tts.Registry
	Backend  tts.Deps

	System  memory.SystemSampler
	Devices memory.DeviceProbe

	Store   *database.DB
	Metrics *metrics.Metrics

	// Errors 跨任务汇总错误，为 nil 时由调度器创建。
	Errors *errs.Reporter

	// SampleRate 输出采样率，0 表示使用后端的采样率。
	SampleRate int
	// Rand 停顿时长的随机源，测试时注入。
	Rand func() float64
	// Tidy 任务内主动回收，为 nil 时使用 memory.Tidy。
	Tidy func(memory.Strategy)
}

// Failure 导致任务中止的句子。
type Failure struct {
	Position int
	Kind     errs.Kind
	Err      error
}

// Report 任务结果。
type Report struct {
	JobID     string
	Converted int
	Skipped   int
	Absorbed  int
	Failure   *Failure
	Cancelled bool
	// Duration 已写出音频的累计时长（秒），包括恢复前的部分。
	Duration float64
	Elapsed  time.Duration
	CueFile  string
	// Strategy 任务开始时按可用显存选出的任务内清理策略。
	Strategy memory.Strategy
	// Errors 本任务各类别的错误次数。
	Errors map[errs.Kind]int
}

func (r *Report) recordError(err error) {
	if r.Errors == nil {
		r.Errors = make(map[errs.Kind]int)
	}
	r.Errors[errs.KindOf(err)]++
}

// Dispatcher 任务调度器。
type Dispatcher struct {
	deps Deps

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	running map[string]runningJob
}

// runningJob 已加载后端的任务，供显存回收使用。
type runningJob struct {
	job     *session.Job
	backend *tts.Guarded
}

// New 创建调度器。
func New(deps Deps) *Dispatcher {
	if deps.Registry == nil {
		deps.Registry = tts.DefaultRegistry()
	}
	if deps.Devices == nil {
		deps.Devices = memory.NoDevices{}
	}
	if deps.Errors == nil {
		deps.Errors = errs.NewReporter()
	}
	if deps.Tidy == nil {
		deps.Tidy = memory.Tidy
	}
	return &Dispatcher{
		deps:    deps,
		cancels: make(map[string]context.CancelFunc),
		running: make(map[string]runningJob),
	}
}

// Errors 返回跨任务的错误汇总。
func (d *Dispatcher) Errors() *errs.Reporter { return d.deps.Errors }

// Reclaim 释放空闲后端占用的模型句柄，可注册为 memory.Reclaimer。
// device 为 nil 时处理全部任务，否则只处理使用该加速卡的任务。
// 正在合成的后端会被跳过，释放的句柄在下一句合成前重新加载。
func (d *Dispatcher) Reclaim(device *int) error {
	d.mu.Lock()
	targets := make([]runningJob, 0, len(d.running))
	for _, r := range d.running {
		if device != nil {
			idx := r.job.DeviceIndex()
			if idx == nil || *idx != *device {
				continue
			}
		}
		targets = append(targets, r)
	}
	d.mu.Unlock()

	released := 0
	for _, r := range targets {
		if r.backend.Release() {
			released++
		}
	}
	if released > 0 {
		logger.Infof("[dispatcher] 已释放 %d 个空闲后端的模型句柄", released)
	}
	return nil
}

// Cancel 请求停止全部运行中的任务。正在合成的句子会完成并写出。
func (d *Dispatcher) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, cancel := range d.cancels {
		logger.Infof("[dispatcher] 取消任务 %s", id)
		cancel()
	}
}

// CancelJob 请求停止指定任务，任务不存在时返回 false。
func (d *Dispatcher) CancelJob(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cancel, ok := d.cancels[id]
	if ok {
		cancel()
	}
	return ok
}

func (d *Dispatcher) track(id string, cancel context.CancelFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.cancels[id]; ok {
		return errs.New(errs.KindValidation, "dispatcher", "任务 %s 已在运行", id)
	}
	d.cancels[id] = cancel
	return nil
}

func (d *Dispatcher) untrack(id string) {
	d.mu.Lock()
	delete(d.cancels, id)
	delete(d.running, id)
	d.mu.Unlock()
}

func (d *Dispatcher) setRunning(job *session.Job, backend *tts.Guarded) {
	d.mu.Lock()
	d.running[job.ID] = runningJob{job: job, backend: backend}
	d.mu.Unlock()
}

// Run 执行任务。策略为 abort 且有句子失败时返回任务级错误，Report 仍然有效。
func (d *Dispatcher) Run(ctx context.Context, job *session.Job, sentences []string) (*Report, error) {
	if err := job.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "dispatcher", err, "任务配置无效")
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := d.track(job.ID, cancel); err != nil {
		return nil, err
	}
	defer d.untrack(job.ID)

	started := time.Now()
	report, err := d.run(ctx, runCtx, job, sentences)
	if err != nil {
		d.deps.Errors.Record(err)
	}
	if report != nil {
		report.Elapsed = time.Since(started)
		logger.Debugf("[dispatcher] 任务 %s 耗时 %s", job.ID, report.Elapsed.Round(time.Millisecond))
	}
	return report, err
}

func (d *Dispatcher) run(ctx, runCtx context.Context, job *session.Job, sentences []string) (*Report, error) {
	created, err := d.deps.Registry.New(job.Engine, d.deps.Backend)
	if err != nil {
		return nil, err
	}
	backend := tts.Guard(created)
	defer func() {
		if cerr := backend.Close(); cerr != nil {
			logger.Warnf("[dispatcher] 关闭后端 %s 失败: %v", backend.ID(), cerr)
		}
	}()

	st := session.NewState(job)
	strategy := memory.StrategyBalanced
	if d.refreshSnapshot(ctx, job, st) {
		strategy = memory.StrategyForFree(st.FreeAcceleratorBytes)
	}

	if err := backend.Load(ctx, job, st); err != nil {
		return nil, err
	}
	d.setRunning(job, backend)
	logger.Infof("[dispatcher] 任务 %s: 后端 %s 已加载 (model=%s, voice=%s)", job.ID, backend.ID(), st.ModelKey, st.Voice.Kind)

	var sink timeline.CueSink
	if d.deps.Store != nil {
		sink = d.deps.Store.Cues(job.ID)
	}
	ledger, err := timeline.Open(filepath.Join(job.OutputDir, job.CueFileName()), st, sink)
	if err != nil {
		return nil, err
	}
	defer ledger.Close()

	startPos, base, err := d.resume(ctx, job, st, ledger)
	if err != nil {
		return nil, err
	}

	rate := d.deps.SampleRate
	if rate <= 0 {
		rate = backend.SampleRate()
	}
	opts := pipeline.Options{SampleRate: rate, Rand: d.deps.Rand}
	if d.deps.Metrics != nil {
		opts.Observer = d.deps.Metrics
		d.deps.Metrics.JobStarted()
		defer d.deps.Metrics.JobFinished()
	}
	conv, err := pipeline.New(job, st, backend, ledger, opts)
	if err != nil {
		return nil, err
	}

	report := &Report{JobID: job.ID, CueFile: ledger.Path(), Strategy: strategy}
	logger.Infof("[dispatcher] 任务 %s 使用 %s 清理策略", job.ID, strategy)
	interval := strategy.TidyInterval()
	pos := startPos
	for ; pos < len(sentences); pos++ {
		if runCtx.Err() != nil {
			report.Cancelled = true
			logger.Infof("[dispatcher] 任务 %s 在第 %d 句前被取消", job.ID, pos)
			break
		}

		before := conv.Stats()
		// 已开始的句子不受取消影响
		err := conv.Convert(context.WithoutCancel(runCtx), pos, sentences[pos])
		if err != nil {
			report.recordError(err)
			if job.Policy == session.PolicyAbort {
				report.Failure = &Failure{Position: pos, Kind: errs.KindOf(err), Err: err}
				break
			}
			report.Skipped++
			d.deps.Errors.Record(err)
			logger.Warnf("[dispatcher] 跳过第 %d 句 (%s): %v", pos, errs.KindOf(err), err)
		} else if conv.Stats().Absorbed > before.Absorbed {
			report.Absorbed++
		} else {
			report.Converted++
			if interval > 0 && report.Converted%interval == 0 {
				d.deps.Tidy(strategy)
			}
		}
		d.saveProgress(ctx, job, st, pos+1, base, report)
	}

	if dropped := conv.DropPending(); dropped > 0 {
		logger.Debugf("[dispatcher] 丢弃结尾 %.2fs 未写出的静音", dropped)
	}
	report.Duration = st.CumulativeTime

	status := database.JobDone
	var jobErr error
	switch {
	case report.Failure != nil:
		status = database.JobFailed
		d.saveProgress(ctx, job, st, pos, base, report)
		jobErr = errs.Wrap(report.Failure.Kind, "dispatcher", report.Failure.Err, "第 %d 句失败，任务中止", pos)
	case report.Cancelled:
		status = database.JobCancelled
	}
	d.finish(ctx, job.ID, status, jobErr)

	logger.Infof("[dispatcher] 任务 %s %s: 转换 %d，跳过 %d，停顿 %d，音频 %s",
		job.ID, status, report.Converted, report.Skipped, report.Absorbed,
		timeline.FormatTimestamp(report.Duration))
	for kind, n := range report.Errors {
		logger.Warnf("[dispatcher] 任务 %s: %s 错误 %d 次 (%s)", job.ID, kind, n, errs.SeverityOf(kind))
	}
	return report, jobErr
}

// refreshSnapshot 在加载模型前采样一次可用显存（cpu 为可用内存），返回是否采样成功。
func (d *Dispatcher) refreshSnapshot(ctx context.Context, job *session.Job, st *session.State) bool {
	if d.deps.System == nil {
		return false
	}
	free, err := memory.FreeBytes(ctx, d.deps.System, d.deps.Devices, job.DeviceIndex())
	if err != nil {
		logger.Warnf("[dispatcher] 采样可用显存失败: %v", err)
		return false
	}
	st.FreeAcceleratorBytes = free
	return true
}

// resume 登记任务并返回起始句子位置与已有计数。
// 时间轴与数据库进度必须一致；时间轴只允许领先一句（写出字幕后、保存进度前中断）。
func (d *Dispatcher) resume(ctx context.Context, job *session.Job, st *session.State, ledger *timeline.Ledger) (int, database.Progress, error) {
	var base database.Progress
	written := len(ledger.Records())
	if d.deps.Store == nil {
		if written > 0 {
			return 0, base, errs.New(errs.KindValidation, "dispatcher",
				"时间轴 %s 已有 %d 条记录，但未配置任务数据库，无法确定恢复位置", ledger.Path(), written)
		}
		return 0, base, nil
	}
	if err := d.deps.Store.CreateJob(ctx, job); err != nil {
		return 0, base, err
	}
	rec, err := d.deps.Store.GetJob(ctx, job.ID)
	if err != nil {
		return 0, base, err
	}
	base = database.Progress{Converted: rec.Converted, Skipped: rec.Skipped}
	pos := rec.Position

	switch ahead := st.ResumeIndex - rec.ResumeIndex; {
	case ahead == 0:
		// 数据库保存的是未经舍入的时间
		if math.Abs(st.CumulativeTime-rec.CumulativeTime) <= timelineTolerance {
			st.CumulativeTime = rec.CumulativeTime
		}
	case ahead == 1 && written > 0:
		pos++
		base.Converted++
		logger.Warnf("[dispatcher] 任务 %s 的第 %d 句已写出但进度未保存，从第 %d 句继续", job.ID, rec.Position, pos)
		d.saveProgress(ctx, job, st, pos, base, &Report{})
	default:
		return 0, base, errs.New(errs.KindValidation, "dispatcher",
			"时间轴 %s (下一条 %d) 与任务数据库 (下一条 %d) 不一致", ledger.Path(), st.ResumeIndex, rec.ResumeIndex)
	}
	if pos > 0 {
		logger.Infof("[dispatcher] 任务 %s 从第 %d 句恢复 (已转换 %d)", job.ID, pos, base.Converted)
	}
	return pos, base, nil
}

func (d *Dispatcher) saveProgress(ctx context.Context, job *session.Job, st *session.State, next int, base database.Progress, r *Report) {
	if d.deps.Store == nil {
		return
	}
	p := database.Progress{
		Position:       next,
		ResumeIndex:    st.ResumeIndex,
		CumulativeTime: st.CumulativeTime,
		Converted:      base.Converted + r.Converted,
		Skipped:        base.Skipped + r.Skipped,
	}
	if err := d.deps.Store.UpdateProgress(context.WithoutCancel(ctx), job.ID, p); err != nil {
		logger.Warnf("[dispatcher] 保存进度失败: %v", err)
	}
}

func (d *Dispatcher) finish(ctx context.Context, id string, status database.JobStatus, jobErr error) {
	if d.deps.Store == nil {
		return
	}
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	if err := d.deps.Store.FinishJob(context.WithoutCancel(ctx), id, status, msg); err != nil {
		logger.Warnf("[dispatcher] 记录任务状态失败: %v", err)
	}
}
