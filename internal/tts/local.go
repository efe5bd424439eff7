package tts

import (
	"context"
	"fmt"
	"sync"

	"github.com/iabetor/narrator/internal/audio"
	"github.com/iabetor/narrator/internal/errs"
	"github.com/iabetor/narrator/internal/logger"
	"github.com/iabetor/narrator/internal/modelcache"
	"github.com/iabetor/narrator/internal/resolver"
	"github.com/iabetor/narrator/internal/session"
)

// synthFunc 使用已加载的句柄合成一句。
type synthFunc func(ctx context.Context, h modelcache.Handle, text string, voice session.Voice, params session.Params) ([]float32, int, error)

// localBackend 基于模型仓库的本地后端，模型句柄经由解析器与模型缓存获得。
type localBackend struct {
	spec   Spec
	deps   Deps
	loader func(job *session.Job) resolver.LoadFunc
	synth  synthFunc
	// options 返回加载时固化进句柄的参数，为 nil 表示没有。
	options func(job *session.Job) string

	// cloning 为 true 时支持参考音频克隆。
	cloning bool

	mu         sync.Mutex
	handle     modelcache.Handle
	owned      bool
	sampleRate int

	// use 合成期间持有读锁，Release 只在空闲时取得写锁。
	use sync.RWMutex
	// releasable 句柄归本后端所有且占用显存，内存紧张时可以释放后按需重新加载。
	releasable bool
	released   bool
	job        *session.Job
	bundle     resolver.Bundle

	adapter  *voiceAdapter
	vcHandle modelcache.Handle
	vcOwned  bool
	vcErr    error
}

func newSherpaBackend(id EngineID, build configBuilder, deps Deps) *localBackend {
	b := &localBackend{spec: Catalog[id], deps: deps}
	b.loader = func(job *session.Job) resolver.LoadFunc {
		return offlineLoader(id, build, job, deps.Options.NumThreads)
	}
	b.synth = b.sherpaSynth
	b.options = func(job *session.Job) string {
		return loadOptions(job, deps.Options.NumThreads)
	}
	return b
}

func newVITSBackend(deps Deps) Backend {
	b := newSherpaBackend(EngineVITS, buildVITS, deps)
	b.cloning = true
	return b
}

func newMatchaBackend(deps Deps) Backend {
	return newSherpaBackend(EngineMatcha, buildMatcha, deps)
}

func newKokoroBackend(deps Deps) Backend {
	return newSherpaBackend(EngineKokoro, buildKokoro, deps)
}

func (b *localBackend) ID() EngineID { return b.spec.ID }

func (b *localBackend) SampleRate() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sampleRate > 0 {
		return b.sampleRate
	}
	return b.spec.DefaultSampleRate
}

// Load 解析并加载模型；重复调用不会重新加载。
func (b *localBackend) Load(ctx context.Context, job *session.Job, st *session.State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handle != nil {
		return nil
	}
	if b.deps.Resolver == nil {
		return errs.New(errs.KindModelLoad, "tts."+string(b.spec.ID), "未配置模型解析器")
	}

	req := b.spec.Request(job)
	if b.options != nil {
		req.Options = b.options(job)
	}
	res := b.deps.Resolver.Resolve(ctx, req, st, b.loader(job))
	if res.Outcome == resolver.Fatal {
		return res.Err
	}
	if res.Outcome == resolver.Fallback {
		logger.Warnf("[tts] %s: 已退回默认模型 (%s)", b.spec.ID, res.Reason)
	}
	b.handle = res.Handle
	b.owned = !res.Cached
	b.releasable = b.owned && res.Size > 0
	b.job, b.bundle = job, res.Bundle
	if r, ok := res.Handle.(interface{ SampleRate() int }); ok && r.SampleRate() > 0 {
		b.sampleRate = r.SampleRate()
	}

	if b.cloning && st.Voice.Kind == session.VoiceClip {
		b.loadVoiceConversion(ctx, job, st)
	}
	return nil
}

// loadVoiceConversion 加载声音转换模型。失败时记录错误，之后每次克隆合成都立即失败。
func (b *localBackend) loadVoiceConversion(ctx context.Context, job *session.Job, st *session.State) {
	scratch := &session.State{FreeAcceleratorBytes: st.FreeAcceleratorBytes}
	load := func(_ context.Context, bundle resolver.Bundle) (modelcache.Handle, uint64, error) {
		return vcModel{dir: bundle.Dir, files: bundle.Files}, bundleSize(bundle.Files), nil
	}
	res := b.deps.Resolver.Resolve(ctx, voiceConversionSpec.Request(job), scratch, load)
	if res.Outcome == resolver.Fatal {
		b.vcErr = res.Err
		logger.Errorf("[tts] 声音转换模型不可用: %v", res.Err)
		return
	}
	b.vcHandle = res.Handle
	b.vcOwned = !res.Cached

	converter := b.deps.Converter
	if converter == nil {
		if len(b.deps.Options.VoiceConversion) == 0 {
			b.vcErr = fmt.Errorf("未配置声音转换命令")
			logger.Errorf("[tts] %v", b.vcErr)
			return
		}
		model := ""
		if m, ok := res.Handle.(vcModel); ok {
			model = m.files["model"]
		}
		converter = CommandConverter{Command: b.deps.Options.VoiceConversion, Model: model}
	}
	shifter := b.deps.Shifter
	if shifter == nil {
		shifter = SoxShifter{Binary: b.deps.Options.SoxBinary}
	}
	b.adapter = newVoiceAdapter(converter, shifter, b.deps.Classifier)
}

// Release 在没有合成进行时关闭可释放的句柄，下一次合成前重新加载。
// 返回是否真正释放了句柄。
func (b *localBackend) Release() bool {
	if !b.use.TryLock() {
		return false
	}
	defer b.use.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handle == nil || !b.releasable || b.released {
		return false
	}
	if err := b.handle.Close(); err != nil {
		logger.Warnf("[tts] %s: 释放模型句柄失败: %v", b.spec.ID, err)
	}
	b.handle = nil
	b.released = true
	logger.Infof("[tts] %s: 已释放模型句柄 %s", b.spec.ID, b.bundle.Key)
	return true
}

// reload 重新加载被 Release 释放的句柄。调用方持有 use 写锁。
func (b *localBackend) reload(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.released {
		return nil
	}
	h, _, err := b.loader(b.job)(ctx, b.bundle)
	if err != nil {
		return errs.Wrap(errs.KindModelLoad, "tts."+string(b.spec.ID), err, "重新加载 %s 失败", b.bundle.Dir)
	}
	b.handle = h
	b.released = false
	logger.Infof("[tts] %s: 已重新加载模型句柄 %s", b.spec.ID, b.bundle.Key)
	return nil
}

// Synthesize 合成一句，返回样本与采样率。
func (b *localBackend) Synthesize(ctx context.Context, text string, voice session.Voice, params session.Params) ([]float32, int, error) {
	var h modelcache.Handle
	for {
		b.use.RLock()
		b.mu.Lock()
		var released bool
		h, released = b.handle, b.released
		b.mu.Unlock()
		if !released {
			break
		}
		b.use.RUnlock()
		b.use.Lock()
		err := b.reload(ctx)
		b.use.Unlock()
		if err != nil {
			return nil, 0, err
		}
	}
	defer b.use.RUnlock()
	if h == nil {
		return nil, 0, notLoaded(b.spec.ID)
	}

	samples, sr, err := b.synth(ctx, h, text, voice, params)
	if err != nil {
		return nil, 0, err
	}
	if b.cloning && voice.Kind == session.VoiceClip && voice.Path != "" && len(samples) > 0 {
		seg, err := b.clone(ctx, audio.Segment{Samples: samples, SampleRate: sr}, voice.Path)
		if err != nil {
			return nil, 0, err
		}
		samples, sr = seg.Samples, seg.SampleRate
	}

	b.mu.Lock()
	b.sampleRate = sr
	b.mu.Unlock()
	return samples, sr, nil
}

func (b *localBackend) clone(ctx context.Context, seg audio.Segment, clip string) (audio.Segment, error) {
	b.mu.Lock()
	adapter, vcErr := b.adapter, b.vcErr
	b.mu.Unlock()
	if vcErr != nil {
		return audio.Segment{}, engineErr(b.spec.ID, vcErr, "声音转换不可用")
	}
	if adapter == nil {
		return audio.Segment{}, errs.New(errs.KindEngine, "tts."+string(b.spec.ID), "声音转换模型尚未加载")
	}
	out, err := adapter.adapt(ctx, seg, clip)
	if err != nil {
		return audio.Segment{}, engineErr(b.spec.ID, err, "参考音频克隆失败")
	}
	return out, nil
}

func (b *localBackend) sherpaSynth(_ context.Context, h modelcache.Handle, text string, voice session.Voice, params session.Params) ([]float32, int, error) {
	oh, ok := h.(*offlineHandle)
	if !ok {
		return nil, 0, errs.New(errs.KindEngine, "tts."+string(b.spec.ID), "句柄类型错误: %T", h)
	}
	sid := 0
	if voice.Kind != session.VoiceClip {
		sid = voice.SpeakerID()
	}
	speed := float32(params.Get("speed", 1.0))
	samples, sr := oh.generate(text, sid, speed)
	return samples, sr, nil
}

// Close 释放不归缓存所有的句柄。
func (b *localBackend) Close() error {
	b.use.Lock()
	defer b.use.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	if b.handle != nil && b.owned {
		err = b.handle.Close()
	}
	if b.vcHandle != nil && b.vcOwned {
		if cerr := b.vcHandle.Close(); err == nil {
			err = cerr
		}
	}
	b.handle, b.vcHandle, b.adapter = nil, nil, nil
	b.released = false
	return err
}

// vcModel 声音转换模型只记录路径，由外部程序加载。
type vcModel struct {
	dir   string
	files resolver.Files
}

func (vcModel) Close() error { return nil }
