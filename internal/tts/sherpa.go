package tts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"github.com/iabetor/narrator/internal/errs"
	"github.com/iabetor/narrator/internal/logger"
	"github.com/iabetor/narrator/internal/modelcache"
	"github.com/iabetor/narrator/internal/resolver"
	"github.com/iabetor/narrator/internal/session"
)

// offlineHandle 包装 sherpa-onnx 离线合成器。同一个句柄可能被多个任务共享，
// 由 mu 保证调用串行。
type offlineHandle struct {
	mu         sync.Mutex
	impl       *sherpa.OfflineTts
	sampleRate int
}

// SampleRate 返回模型的输出采样率。
func (h *offlineHandle) SampleRate() int { return h.sampleRate }

func (h *offlineHandle) generate(text string, sid int, speed float32) ([]float32, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.impl == nil {
		return nil, 0
	}
	out := h.impl.Generate(text, sid, speed)
	if out == nil {
		return nil, 0
	}
	return out.Samples, out.SampleRate
}

// Close 释放底层合成器。
func (h *offlineHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.impl != nil {
		sherpa.DeleteOfflineTts(h.impl)
		h.impl = nil
	}
	return nil
}

// configBuilder 根据模型文件填写 sherpa 模型配置。
type configBuilder func(dir string, files resolver.Files, params session.Params, mc *sherpa.OfflineTtsModelConfig)

func dataDir(dir string) string {
	p := filepath.Join(dir, "espeak-ng-data")
	if st, err := os.Stat(p); err == nil && st.IsDir() {
		return p
	}
	return ""
}

func buildVITS(dir string, files resolver.Files, params session.Params, mc *sherpa.OfflineTtsModelConfig) {
	mc.Vits.Model = files["model"]
	mc.Vits.Tokens = files["tokens.txt"]
	mc.Vits.Lexicon = files["lexicon"]
	mc.Vits.DataDir = dataDir(dir)
	mc.Vits.NoiseScale = float32(params.Get("noise_scale", 0.667))
	mc.Vits.NoiseScaleW = float32(params.Get("noise_scale_w", 0.8))
	mc.Vits.LengthScale = float32(params.Get("length_scale", 1.0))
}

func buildMatcha(dir string, files resolver.Files, params session.Params, mc *sherpa.OfflineTtsModelConfig) {
	mc.Matcha.AcousticModel = files["acoustic_model"]
	mc.Matcha.Vocoder = files["vocoder"]
	mc.Matcha.Tokens = files["tokens.txt"]
	mc.Matcha.Lexicon = files["lexicon"]
	mc.Matcha.DataDir = dataDir(dir)
	mc.Matcha.NoiseScale = float32(params.Get("noise_scale", 0.667))
	mc.Matcha.LengthScale = float32(params.Get("length_scale", 1.0))
}

func buildKokoro(dir string, files resolver.Files, params session.Params, mc *sherpa.OfflineTtsModelConfig) {
	mc.Kokoro.Model = files["model"]
	mc.Kokoro.Voices = files["voices.bin"]
	mc.Kokoro.Tokens = files["tokens.txt"]
	mc.Kokoro.Lexicon = files["lexicon"]
	mc.Kokoro.DataDir = dataDir(dir)
	mc.Kokoro.LengthScale = float32(params.Get("length_scale", 1.0))
}

// bundleSize 以模型文件大小之和估算句柄占用。
func bundleSize(files resolver.Files) uint64 {
	var total uint64
	for _, p := range files {
		if st, err := os.Stat(p); err == nil {
			total += uint64(st.Size())
		}
	}
	return total
}

func sherpaProvider(device string) string {
	if strings.HasPrefix(strings.ToLower(device), "cuda") {
		return "cuda"
	}
	return "cpu"
}

// loadOptions 返回固化进 sherpa 句柄的加载参数，作为缓存键的一部分。
func loadOptions(job *session.Job, threads int) string {
	p := job.Params
	return fmt.Sprintf("%s/t%d/ns=%g/nsw=%g/ls=%g", sherpaProvider(job.Device), threads,
		p.Get("noise_scale", 0.667), p.Get("noise_scale_w", 0.8), p.Get("length_scale", 1.0))
}

// offlineLoader 返回创建 sherpa 合成器的 LoadFunc。
func offlineLoader(id EngineID, build configBuilder, job *session.Job, threads int) resolver.LoadFunc {
	return func(ctx context.Context, b resolver.Bundle) (modelcache.Handle, uint64, error) {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		cfg := sherpa.OfflineTtsConfig{MaxNumSentences: 1}
		cfg.Model.NumThreads = threads
		cfg.Model.Provider = sherpaProvider(job.Device)
		build(b.Dir, b.Files, job.Params, &cfg.Model)

		impl := sherpa.NewOfflineTts(&cfg)
		if impl == nil {
			return nil, 0, errs.New(errs.KindModelLoad, "tts."+string(id), "创建 sherpa 合成器失败 (dir=%s)", b.Dir)
		}
		logger.Infof("[tts] %s: sherpa 合成器已创建 (dir=%s, provider=%s)", id, b.Dir, cfg.Model.Provider)
		return &offlineHandle{impl: impl, sampleRate: impl.SampleRate()}, bundleSize(b.Files), nil
	}
}
