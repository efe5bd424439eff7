package tts

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common"
	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common/profile"
	tcc "github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/tts/v20190823"

	"github.com/iabetor/narrator/internal/audio"
	"github.com/iabetor/narrator/internal/errs"
	"github.com/iabetor/narrator/internal/logger"
	"github.com/iabetor/narrator/internal/session"
)

// TencentConfig 腾讯云 TTS 配置。
type TencentConfig struct {
	SecretID  string
	SecretKey string
	VoiceType int64
	Region    string
}

// tencentBackend 使用腾讯云 TTS 合成，适用于中国大陆网络环境。
// 接口返回 Base64 编码的 MP3。
type tencentBackend struct {
	cfg TencentConfig

	mu         sync.Mutex
	client     *tcc.Client
	sampleRate int
}

func newTencentBackend(deps Deps) Backend {
	cfg := deps.Options.Tencent
	if cfg.VoiceType == 0 {
		cfg.VoiceType = 1001 // 默认音色：智瑜（女声）
	}
	if cfg.Region == "" {
		cfg.Region = "ap-guangzhou"
	}
	return &tencentBackend{cfg: cfg, sampleRate: 16000}
}

func (e *tencentBackend) ID() EngineID { return EngineTencent }

func (e *tencentBackend) SampleRate() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sampleRate
}

func (e *tencentBackend) Close() error { return nil }

// Load 创建云端客户端。任务指定数字音色时覆盖配置。
func (e *tencentBackend) Load(_ context.Context, _ *session.Job, st *session.State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return nil
	}
	if e.cfg.SecretID == "" || e.cfg.SecretKey == "" {
		return errs.New(errs.KindModelLoad, "tts.tencent", "腾讯云 TTS 需要 SecretID 和 SecretKey")
	}
	if st.Voice.Kind == session.VoiceBuiltin && st.Voice.SpeakerID() > 0 {
		e.cfg.VoiceType = int64(st.Voice.SpeakerID())
	}

	credential := common.NewCredential(e.cfg.SecretID, e.cfg.SecretKey)
	cpf := profile.NewClientProfile()
	cpf.HttpProfile.Endpoint = "tts.tencentcloudapi.com"

	client, err := tcc.NewClient(credential, e.cfg.Region, cpf)
	if err != nil {
		return errs.Wrap(errs.KindModelLoad, "tts.tencent", err, "创建腾讯云 TTS 客户端失败")
	}
	e.client = client
	logger.Infof("[tts] 腾讯云 TTS 引擎已初始化 (voice=%d, region=%s)", e.cfg.VoiceType, e.cfg.Region)
	return nil
}

func (e *tencentBackend) Synthesize(ctx context.Context, text string, _ session.Voice, params session.Params) ([]float32, int, error) {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client == nil {
		return nil, 0, notLoaded(EngineTencent)
	}
	logger.Debugf("[tts] 腾讯云 TTS: 正在合成 %d 个字符，音色=%d", len([]rune(text)), e.cfg.VoiceType)

	// 接口语速范围 [-2, 6]，0 为正常语速
	speed := (params.Get("speed", 1.0) - 1) * 2
	if speed < -2 {
		speed = -2
	}
	if speed > 6 {
		speed = 6
	}

	request := tcc.NewTextToVoiceRequest()
	request.Text = common.StringPtr(text)
	request.SessionId = common.StringPtr(uuid.NewString())
	request.VoiceType = common.Int64Ptr(e.cfg.VoiceType)
	request.Codec = common.StringPtr("mp3")
	request.Speed = common.Float64Ptr(speed)
	request.Volume = common.Float64Ptr(5.0)

	response, err := client.TextToVoiceWithContext(ctx, request)
	if err != nil {
		return nil, 0, engineErr(EngineTencent, err, "腾讯云 TTS 合成失败")
	}
	if response.Response == nil || response.Response.Audio == nil {
		return nil, 0, engineErr(EngineTencent, fmt.Errorf("未返回音频数据"), "腾讯云 TTS 合成失败")
	}

	data, err := base64.StdEncoding.DecodeString(*response.Response.Audio)
	if err != nil {
		return nil, 0, engineErr(EngineTencent, err, "Base64 解码失败")
	}
	seg, err := audio.DecodeMP3(ctx, data)
	if err != nil {
		return nil, 0, engineErr(EngineTencent, err, "MP3 解码失败")
	}

	e.mu.Lock()
	e.sampleRate = seg.SampleRate
	e.mu.Unlock()
	return seg.Samples, seg.SampleRate, nil
}
