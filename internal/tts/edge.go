package tts

import (
	"bytes"
	"context"
	"fmt"

	"github.com/pp-group/edge-tts-go/biz/service/tts/edge"

	"github.com/iabetor/narrator/internal/audio"
	"github.com/iabetor/narrator/internal/logger"
	"github.com/iabetor/narrator/internal/session"
)

const defaultEdgeVoice = "zh-CN-XiaoxiaoNeural"

// edgeBackend 使用微软 Edge TTS 合成，
// 通过 edge-tts-go 获取 MP3 音频，再解码为 PCM。远程后端不占用模型缓存。
type edgeBackend struct {
	voice      string
	sampleRate int
}

func newEdgeBackend(deps Deps) Backend {
	v := deps.Options.EdgeVoice
	if v == "" {
		v = defaultEdgeVoice
	}
	return &edgeBackend{voice: v, sampleRate: 24000}
}

func (e *edgeBackend) ID() EngineID    { return EngineEdge }
func (e *edgeBackend) SampleRate() int { return e.sampleRate }
func (e *edgeBackend) Close() error    { return nil }

// Load 任务指定了内置说话人名称时覆盖默认语音。
func (e *edgeBackend) Load(_ context.Context, _ *session.Job, st *session.State) error {
	if st.Voice.Kind == session.VoiceBuiltin && st.Voice.ID != "" {
		e.voice = st.Voice.ID
	}
	logger.Infof("[tts] edge-tts 已就绪 (voice=%s)", e.voice)
	return nil
}

func (e *edgeBackend) Synthesize(ctx context.Context, text string, voice session.Voice, _ session.Params) ([]float32, int, error) {
	name := e.voice
	if voice.Kind == session.VoiceBuiltin && voice.ID != "" {
		name = voice.ID
	}
	logger.Debugf("[tts] edge-tts: 正在合成 %d 个字符，语音=%s", len([]rune(text)), name)

	comm, err := edge.NewCommunicate(text, edge.WithVoice(name))
	if err != nil {
		return nil, 0, engineErr(EngineEdge, err, "edge-tts 创建实例失败")
	}
	ch, err := comm.Stream()
	if err != nil {
		return nil, 0, engineErr(EngineEdge, err, "edge-tts 开始流式合成失败")
	}

	// Stream() 返回的 map 中，type=="audio" 的条目包含音频数据
	var buf bytes.Buffer
	for msg := range ch {
		if ctx.Err() != nil {
			continue
		}
		if t, ok := msg["type"].(string); ok && t == "audio" {
			if data, ok := msg["data"].([]byte); ok {
				buf.Write(data)
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, engineErr(EngineEdge, err, "edge-tts 合成被取消")
	}
	if buf.Len() == 0 {
		return nil, 0, engineErr(EngineEdge, fmt.Errorf("未收到音频数据"), "edge-tts 合成失败")
	}

	seg, err := audio.DecodeMP3(ctx, buf.Bytes())
	if err != nil {
		return nil, 0, engineErr(EngineEdge, err, "edge-tts 音频解码失败")
	}
	e.sampleRate = seg.SampleRate
	return seg.Samples, seg.SampleRate, nil
}
