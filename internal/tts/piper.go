package tts

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/iabetor/narrator/internal/audio"
	"github.com/iabetor/narrator/internal/errs"
	"github.com/iabetor/narrator/internal/logger"
	"github.com/iabetor/narrator/internal/modelcache"
	"github.com/iabetor/narrator/internal/resolver"
	"github.com/iabetor/narrator/internal/session"
)

// piperSampleRate 是 piper 输出的固定采样率。
const piperSampleRate = 22050

// piperModel piper 模型由子进程加载，句柄只记录模型路径。
type piperModel struct {
	path string
}

func (piperModel) Close() error { return nil }

// piperBackend 使用 piper CLI 子进程合成，作为离线备用方案。
type piperBackend struct {
	*localBackend
}

func newPiperBackend(deps Deps) Backend {
	b := &localBackend{spec: Catalog[EnginePiper], deps: deps}
	b.loader = func(*session.Job) resolver.LoadFunc {
		return func(_ context.Context, bundle resolver.Bundle) (modelcache.Handle, uint64, error) {
			return piperModel{path: bundle.Files["model"]}, 0, nil
		}
	}
	b.synth = b.piperSynth
	return &piperBackend{localBackend: b}
}

// Load 配置了 PiperModel 时直接使用该文件，否则经由模型仓库解析。
func (p *piperBackend) Load(ctx context.Context, job *session.Job, st *session.State) error {
	path := p.deps.Options.PiperModel
	if path == "" {
		return p.localBackend.Load(ctx, job, st)
	}
	if _, err := os.Stat(path); err != nil {
		return errs.Wrap(errs.KindModelLoad, "tts.piper", err, "piper 模型不存在")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle == nil {
		p.handle = piperModel{path: path}
		p.owned = true
	}
	return nil
}

// piperSynth piper 输出 signed 16-bit LE 单声道 PCM，采样率 22050 Hz。
func (b *localBackend) piperSynth(ctx context.Context, h modelcache.Handle, text string, voice session.Voice, params session.Params) ([]float32, int, error) {
	m, ok := h.(piperModel)
	if !ok {
		return nil, 0, errs.New(errs.KindEngine, "tts.piper", "句柄类型错误: %T", h)
	}
	logger.Debugf("[tts] piper: 正在合成 %d 个字符，模型=%s", len([]rune(text)), m.path)

	bin := b.deps.Options.PiperBinary
	if bin == "" {
		bin = "piper"
	}
	args := []string{"--model", m.path, "--output-raw"}
	if voice.Kind == session.VoiceBuiltin && voice.ID != "" {
		args = append(args, "--speaker", fmt.Sprint(voice.SpeakerID()))
	}
	if speed := params.Get("speed", 1.0); speed > 0 && speed != 1.0 {
		args = append(args, "--length_scale", fmt.Sprintf("%.3f", 1/speed))
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = strings.NewReader(text)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			logger.Warnf("[tts] piper stderr: %s", msg)
		}
		return nil, 0, engineErr(EnginePiper, err, "piper 执行失败")
	}

	pcm := stdout.Bytes()
	logger.Debugf("[tts] piper: 收到 %d 字节原始 PCM", len(pcm))
	return audio.PCM16ToFloat32(pcm), piperSampleRate, nil
}
