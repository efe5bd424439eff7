package tts

import (
	"github.com/iabetor/narrator/internal/resolver"
	"github.com/iabetor/narrator/internal/session"
)

// Spec 本地模型引擎的仓库描述。
type Spec struct {
	ID                EngineID
	Manifest          resolver.Manifest
	DefaultVariant    string
	PinVariant        bool // 忽略任务指定的变体
	DefaultSampleRate int
	// DefaultVoice 仓库默认模型目录下的默认参考音频。
	DefaultVoice string
}

func optional(name string, variants ...string) resolver.FileSpec {
	return resolver.FileSpec{Name: name, Variants: variants, Optional: true}
}

func oneOf(name string, variants ...string) resolver.FileSpec {
	return resolver.FileSpec{Name: name, Variants: variants}
}

// Catalog 内置本地引擎的模型清单。
var Catalog = map[EngineID]Spec{
	EngineVITS: {
		ID: EngineVITS,
		Manifest: resolver.Manifest{Files: []resolver.FileSpec{
			resolver.Precision("model", "model", ".onnx"),
			resolver.Single("tokens.txt"),
			optional("lexicon", "lexicon.txt"),
		}},
		DefaultVariant:    "default",
		DefaultSampleRate: 22050,
		DefaultVoice:      "ref.wav",
	},
	EngineMatcha: {
		ID: EngineMatcha,
		Manifest: resolver.Manifest{Files: []resolver.FileSpec{
			oneOf("acoustic_model", "model.onnx", "model-steps-3.onnx", "model-steps-4.onnx", "model-steps-5.onnx"),
			oneOf("vocoder", "vocoder.onnx", "vocos-22khz-univ.onnx", "hifigan_v2.onnx", "hifigan_v1.onnx"),
			resolver.Single("tokens.txt"),
			optional("lexicon", "lexicon.txt"),
		}},
		DefaultVariant:    "default",
		DefaultSampleRate: 22050,
	},
	EngineKokoro: {
		ID: EngineKokoro,
		Manifest: resolver.Manifest{Files: []resolver.FileSpec{
			oneOf("model", "model.onnx", "model.int8.onnx", "kokoro.onnx", "model.fp16.onnx"),
			resolver.Single("voices.bin"),
			resolver.Single("tokens.txt"),
			optional("lexicon", "lexicon.txt", "lexicon-us-en.txt"),
		}},
		DefaultVariant:    "default",
		DefaultSampleRate: 24000,
	},
	EnginePiper: {
		ID: EnginePiper,
		Manifest: resolver.Manifest{Files: []resolver.FileSpec{
			oneOf("model", "model.onnx", "voice.onnx"),
			optional("config", "model.onnx.json", "voice.onnx.json"),
		}},
		DefaultVariant:    "default",
		DefaultSampleRate: piperSampleRate,
	},
}

// voiceConversionSpec 参考音频克隆使用的第二个模型。
var voiceConversionSpec = Spec{
	ID: EngineVITS,
	Manifest: resolver.Manifest{Files: []resolver.FileSpec{
		oneOf("model", "model.onnx", "model.pth", "model.pt", "checkpoint.pth"),
		optional("config", "config.json"),
	}},
	DefaultVariant: "voice_conversion",
	PinVariant:     true,
}

// Request 根据任务生成解析请求，任务未指定变体时使用默认变体。
func (s Spec) Request(job *session.Job) resolver.Request {
	variant := job.Variant
	if variant == "" || s.PinVariant {
		variant = s.DefaultVariant
	}
	return resolver.Request{
		Engine:       string(s.ID),
		Variant:      variant,
		Language:     job.Language,
		Manifest:     s.Manifest,
		DefaultVoice: s.DefaultVoice,
	}
}
