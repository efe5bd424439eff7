// Package pipeline 实现逐句转换：校验、停顿标记、规范化、合成、
// 后处理、累积与写出。一个任务只有一个 Converter，调用严格串行。
package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/iabetor/narrator/internal/audio"
	"github.com/iabetor/narrator/internal/errs"
	"github.com/iabetor/narrator/internal/logger"
	"github.com/iabetor/narrator/internal/session"
	"github.com/iabetor/narrator/internal/timeline"
)

const emDash = '—'

// 静音时长范围（秒）。
const (
	shortPauseMin = 0.3
	shortPauseMax = 0.6
	longPauseMin  = 1.0
	longPauseMax  = 1.8
)

// Synthesizer 合成一句文本。
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice session.Voice, params session.Params) ([]float32, int, error)
}

// Ledger 持久化字幕记录。
type Ledger interface {
	Append(ctx context.Context, r timeline.Record) (int, error)
}

// Observer 接收单句结果，可以为 nil。
type Observer interface {
	ObserveSentence(engine, outcome string, elapsed time.Duration)
	ObserveAudio(seconds float64)
}

// Options 转换参数。
type Options struct {
	// SampleRate 输出采样率，合成结果不一致时重采样。
	SampleRate int
	// OutputDir 音频文件目录，为空时使用任务的 OutputDir。
	OutputDir string
	// Rand 返回 [0,1) 的随机数，为空时使用 math/rand。
	Rand     func() float64
	Observer Observer
}

// Stats 已处理句子的计数。
type Stats struct {
	Flushed  int
	Absorbed int
	Failed   int
}

// Converter 逐句转换器。
type Converter struct {
	job     *session.Job
	st      *session.State
	backend Synthesizer
	ledger  Ledger
	opts    Options
	sm      *StateMachine

	pending []audio.Segment
	stats   Stats
}

// New 创建转换器。
func New(job *session.Job, st *session.State, backend Synthesizer, ledger Ledger, opts Options) (*Converter, error) {
	if opts.SampleRate <= 0 {
		return nil, errs.New(errs.KindValidation, "pipeline", "无效的采样率 %d", opts.SampleRate)
	}
	if opts.OutputDir == "" {
		opts.OutputDir = job.OutputDir
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return nil, errs.Wrap(errs.KindFileOperation, "pipeline", err, "创建输出目录 %s 失败", opts.OutputDir)
	}
	return &Converter{
		job:     job,
		st:      st,
		backend: backend,
		ledger:  ledger,
		opts:    opts,
		sm:      NewStateMachine(),
	}, nil
}

// Stage 返回当前阶段。
func (c *Converter) Stage() Stage { return c.sm.Current() }

// OnStage 注册阶段变化回调。
func (c *Converter) OnStage(fn func(from, to Stage)) { c.sm.SetOnChange(fn) }

// Stats 返回计数。
func (c *Converter) Stats() Stats { return c.stats }

// SampleRate 返回输出采样率。
func (c *Converter) SampleRate() int { return c.opts.SampleRate }

// PendingDuration 返回尚未写出的音频时长（秒）。
func (c *Converter) PendingDuration() float64 {
	var d float64
	for _, s := range c.pending {
		d += s.Duration()
	}
	return d
}

// DropPending 丢弃尚未写出的片段，返回丢弃的时长。
func (c *Converter) DropPending() float64 {
	d := c.PendingDuration()
	c.pending = nil
	return d
}

// Convert 转换一句。失败时待写出列表恢复为调用前的内容，不会留下音频文件。
func (c *Converter) Convert(ctx context.Context, position int, sentence string) (err error) {
	start := time.Now()
	saved := append([]audio.Segment(nil), c.pending...)
	outcome := "flushed"

	c.sm.Transition(StageValidate)
	defer func() {
		if err != nil {
			c.pending = saved
			c.stats.Failed++
			outcome = "failed"
			c.sm.Transition(StageFailed)
			logger.Warnf("[pipeline] 第 %d 句失败: %v", position, err)
		}
		if c.opts.Observer != nil {
			c.opts.Observer.ObserveSentence(c.job.Engine, outcome, time.Since(start))
		}
	}()

	text := strings.TrimSpace(sentence)
	if text == "" {
		return errs.New(errs.KindValidation, "pipeline", "第 %d 句为空", position)
	}

	if d, ok := c.special(text); ok {
		c.sm.Transition(StageSpecial)
		c.pending = append(c.pending, audio.Silence(d, c.opts.SampleRate))
		c.stats.Absorbed++
		outcome = "absorbed"
		logger.Debugf("[pipeline] 第 %d 句为停顿标记，追加 %.2fs 静音", position, d)
		c.sm.Transition(StageDone)
		return nil
	}

	c.sm.Transition(StageNormalize)
	normalized := Normalize(text)
	if normalized == "" {
		return errs.New(errs.KindValidation, "pipeline", "第 %d 句规范化后为空", position)
	}

	c.sm.Transition(StageSynthesize)
	samples, sr, err := c.backend.Synthesize(ctx, normalized, c.st.Voice, c.job.Params)
	if err != nil {
		if errs.KindOf(err) == errs.KindUnknown {
			err = errs.Wrap(errs.KindEngine, "pipeline", err, "第 %d 句合成失败", position)
		}
		return err
	}
	if len(samples) == 0 || sr <= 0 {
		return errs.New(errs.KindAudioProcessing, "pipeline", "第 %d 句合成结果为空", position)
	}
	if !audio.Finite(samples) {
		return errs.New(errs.KindAudioProcessing, "pipeline", "第 %d 句合成结果包含非有限值", position)
	}

	c.sm.Transition(StagePostProcess)
	seg := audio.Segment{Samples: samples, SampleRate: sr}
	if sr != c.opts.SampleRate {
		seg = audio.Resample(seg, c.opts.SampleRate)
	}
	last, _ := utf8.DecodeLastRuneInString(normalized)
	if isAlnum(last) || last == emDash {
		seg = audio.Trim(seg, audio.TrimThreshold, audio.TrimGuard)
	}

	c.sm.Transition(StageAccumulate)
	c.pending = append(c.pending, seg)
	if !isWord(last) && last != emDash {
		c.pending = append(c.pending, audio.Silence(c.uniform(shortPauseMin, shortPauseMax), c.opts.SampleRate))
	}

	c.sm.Transition(StageFlush)
	if err := c.flush(ctx, text); err != nil {
		return err
	}
	c.sm.Transition(StageDone)
	return nil
}

// special 识别停顿标记，返回需要追加的静音时长。
func (c *Converter) special(text string) (float64, bool) {
	switch {
	case text == c.job.Tokens.Break:
		return c.uniform(shortPauseMin, shortPauseMax), true
	case text == c.job.Tokens.Pause:
		return c.uniform(longPauseMin, longPauseMax), true
	case strings.TrimSpace(strings.ReplaceAll(text, string(emDash), "")) == "":
		return c.uniform(longPauseMin, longPauseMax), true
	}
	return 0, false
}

func (c *Converter) uniform(lo, hi float64) float64 {
	return lo + (hi-lo)*c.opts.Rand()
}

// flush 写出待写出列表：先写临时文件并改名，再记录字幕。
// 记录字幕失败时删除音频文件；改名与记录之间中断只会留下一个无字幕的文件，恢复时会被同名覆盖。
func (c *Converter) flush(ctx context.Context, text string) error {
	seg, err := audio.Concat(c.pending)
	if err != nil {
		return errs.Wrap(errs.KindAudioProcessing, "pipeline", err, "拼接音频失败")
	}

	idx := c.st.ResumeIndex
	final := filepath.Join(c.opts.OutputDir, fmt.Sprintf("%d.wav", idx))
	tmp := final + ".tmp"

	if err := audio.WriteWAVFile(tmp, seg); err != nil {
		os.Remove(tmp)
		return errs.Wrap(errs.KindFileOperation, "pipeline", err, "写入 %s 失败", tmp)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return errs.Wrap(errs.KindFileOperation, "pipeline", err, "重命名 %s 失败", tmp)
	}
	if _, err := os.Stat(final); err != nil {
		return errs.Wrap(errs.KindFileOperation, "pipeline", err, "音频文件 %s 不存在", final)
	}

	start := c.st.CumulativeTime
	duration := seg.Duration()
	rec := timeline.Record{Start: start, End: start + duration, Text: text, ResumeIndex: idx}
	if _, err := c.ledger.Append(ctx, rec); err != nil {
		os.Remove(final)
		return err
	}
	c.pending = nil

	c.stats.Flushed++
	if c.opts.Observer != nil {
		c.opts.Observer.ObserveAudio(duration)
	}
	logger.Infof("[pipeline] 已写出 %s (%.2fs, %s → %s)", filepath.Base(final), duration,
		timeline.FormatTimestamp(rec.Start), timeline.FormatTimestamp(rec.End))
	return nil
}

// Normalize 去掉句尾的一个引号；以字母或数字结尾时追加破折号。
func Normalize(text string) string {
	for _, q := range []string{"'", "\"", "’", "”"} {
		if strings.HasSuffix(text, q) {
			text = strings.TrimSuffix(text, q)
			break
		}
	}
	last, _ := utf8.DecodeLastRuneInString(text)
	if isAlnum(last) {
		text += string(emDash)
	}
	return text
}

func isAlnum(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isWord(r rune) bool {
	return isAlnum(r) || r == '_'
}
