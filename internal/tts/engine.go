package tts

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/iabetor/narrator/internal/errs"
	"github.com/iabetor/narrator/internal/resolver"
	"github.com/iabetor/narrator/internal/session"
)

// EngineID 合成引擎标识。
type EngineID string

const (
	EngineVITS    EngineID = "vits"
	EngineMatcha  EngineID = "matcha"
	EngineKokoro  EngineID = "kokoro"
	EnginePiper   EngineID = "piper"
	EngineEdge    EngineID = "edge"
	EngineTencent EngineID = "tencent"
)

// Backend 定义语音合成后端接口。
//
// Load 在任务开始时调用一次，负责通过模型缓存与解析器准备句柄；
// Synthesize 对同一个句柄串行执行，返回单声道 float32 样本与采样率。
type Backend interface {
	ID() EngineID
	Load(ctx context.Context, job *session.Job, st *session.State) error
	Synthesize(ctx context.Context, text string, voice session.Voice, params session.Params) ([]float32, int, error)
	SampleRate() int
	Close() error
}

// Options 各后端的运行参数。
type Options struct {
	NumThreads int

	PiperBinary string
	PiperModel  string // 非空时直接使用该模型文件，不经过模型仓库

	EdgeVoice string
	Tencent   TencentConfig

	SoxBinary string
	// VoiceConversion 参考音频克隆使用的外部命令，支持 {model} {source} {reference} {output} 占位符。
	VoiceConversion []string
}

// Deps 构造后端所需的依赖。
type Deps struct {
	Resolver *resolver.Resolver
	Options  Options

	// 以下依赖为空时使用默认实现
	Converter  VoiceConverter
	Shifter    PitchShifter
	Classifier GenderClassifier
}

// Factory 根据依赖创建后端。
type Factory func(deps Deps) Backend

// Registry 引擎注册表，任务开始时按引擎标识选择一次后端。
type Registry struct {
	mu        sync.RWMutex
	factories map[EngineID]Factory
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{factories: make(map[EngineID]Factory)}
}

// DefaultRegistry 注册全部内置引擎。
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(EngineVITS, newVITSBackend)
	r.Register(EngineMatcha, newMatchaBackend)
	r.Register(EngineKokoro, newKokoroBackend)
	r.Register(EnginePiper, newPiperBackend)
	r.Register(EngineEdge, newEdgeBackend)
	r.Register(EngineTencent, newTencentBackend)
	return r
}

// Register 注册（或覆盖）一个引擎工厂。
func (r *Registry) Register(id EngineID, f Factory) {
	r.mu.Lock()
	r.factories[id] = f
	r.mu.Unlock()
}

// New 创建指定引擎的后端，未知引擎返回 KindEngine 错误。
func (r *Registry) New(id string, deps Deps) (Backend, error) {
	r.mu.RLock()
	f, ok := r.factories[EngineID(id)]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.KindEngine, "tts", "未知引擎: %q（可用: %v）", id, r.IDs())
	}
	return f(deps), nil
}

// IDs 返回已注册的引擎标识。
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	return ids
}

// engineErr 把后端错误统一标记为 KindEngine。
func engineErr(id EngineID, err error, format string, args ...interface{}) error {
	return errs.Wrap(errs.KindEngine, "tts."+string(id), err, format, args...)
}

func notLoaded(id EngineID) error {
	return errs.New(errs.KindEngine, "tts."+string(id), "%s", fmt.Sprintf("后端 %s 尚未加载", id))
}
