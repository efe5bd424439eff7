// Package resolver 为合成后端选择并加载模型包：
// 用户自定义模型 → 仓库默认模型 → 失败，每一级最多尝试一次。
package resolver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/iabetor/narrator/internal/errs"
	"github.com/iabetor/narrator/internal/logger"
	"github.com/iabetor/narrator/internal/modelcache"
	"github.com/iabetor/narrator/internal/session"
)

// Outcome 解析结果类型。
type Outcome int

const (
	// Ready 首选模型（自定义模型，或未指定自定义模型时的默认模型）已就绪。
	Ready Outcome = iota
	// Fallback 自定义模型不可用，已退回仓库默认模型。
	Fallback
	// Fatal 所有候选都失败。
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case Fallback:
		return "fallback"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// Bundle 一个已校验的模型包。
type Bundle struct {
	Dir    string
	Files  Files
	Key    modelcache.Key
	Custom bool
}

// LoadFunc 从模型包加载句柄，返回句柄及其占用的显存字节数。
type LoadFunc func(ctx context.Context, b Bundle) (modelcache.Handle, uint64, error)

// Request 一次解析请求。
type Request struct {
	Engine   string
	Variant  string
	Language string
	Manifest Manifest
	// DefaultVoice 仓库默认模型目录下的默认参考音频（相对路径），可以为空。
	DefaultVoice string
	// Options 加载时固化进句柄的参数（设备、线程数、噪声系数等），参与缓存键。
	Options string
}

// Result 解析结果。
type Result struct {
	Outcome Outcome
	Bundle  Bundle
	Handle  modelcache.Handle
	Size    uint64
	// Cached 为 true 时句柄归缓存所有；否则归调用方所有，用完需要关闭。
	Cached bool
	Reason string
	Err    error
}

// SnapshotFunc 采样当前可用显存。
type SnapshotFunc func(ctx context.Context) (uint64, error)

// Resolver 模型解析器。
type Resolver struct {
	cache    *modelcache.Cache
	provider Provider
	snapshot SnapshotFunc
}

// New 创建解析器。snapshot 为 nil 时使用 State 中最近一次的采样值。
func New(cache *modelcache.Cache, provider Provider, snapshot SnapshotFunc) *Resolver {
	return &Resolver{cache: cache, provider: provider, snapshot: snapshot}
}

// Resolve 依次尝试自定义模型与仓库默认模型。
// 退回默认模型时会清除 State.CustomModel，并修复指向无效路径的音色。
func (r *Resolver) Resolve(ctx context.Context, req Request, st *session.State, load LoadFunc) Result {
	var reason string
	rejectedDir := ""

	if st.CustomModel != "" {
		res, err := r.tryCustom(ctx, req, st, load)
		if err == nil {
			r.repairVoice(st, "", "")
			return res
		}
		reason = err.Error()
		rejectedDir = st.CustomModel
		logger.Warnf("[resolver] 自定义模型 %s 不可用，退回默认模型: %v", st.CustomModel, err)
	}

	res, err := r.tryDefault(ctx, req, st, load)
	if err != nil {
		msg := fmt.Sprintf("%s/%s 没有可用模型", req.Engine, req.Variant)
		if reason != "" {
			msg += "（自定义模型: " + reason + "）"
		}
		return Result{
			Outcome: Fatal,
			Reason:  reason,
			Err:     errs.Wrap(errs.KindModelLoad, "resolver", err, "%s", msg),
		}
	}

	if rejectedDir != "" {
		st.CustomModel = ""
		res.Outcome = Fallback
		res.Reason = reason
	}
	defaultVoice := ""
	if req.DefaultVoice != "" {
		defaultVoice = filepath.Join(res.Bundle.Dir, req.DefaultVoice)
	}
	r.repairVoice(st, rejectedDir, defaultVoice)
	return res
}

func (r *Resolver) tryCustom(ctx context.Context, req Request, st *session.State, load LoadFunc) (Result, error) {
	dir := absDir(st.CustomModel)
	key := modelcache.Key{Engine: req.Engine, Variant: req.Variant, Custom: filepath.Base(dir), Dir: dir, Options: req.Options}
	if h, ok := r.cache.Lookup(key); ok {
		st.ModelKey = key.String()
		return Result{Outcome: Ready, Bundle: Bundle{Dir: dir, Key: key, Custom: true}, Handle: h, Cached: true}, nil
	}

	files, err := Validate(dir, req.Manifest)
	if err != nil {
		return Result{}, err
	}
	return r.loadBundle(ctx, Bundle{Dir: dir, Files: files, Key: key, Custom: true}, st, load)
}

func (r *Resolver) tryDefault(ctx context.Context, req Request, st *session.State, load LoadFunc) (Result, error) {
	dir, err := r.provider.Fetch(ctx, ModelRef{Engine: req.Engine, Variant: req.Variant, Language: req.Language})
	if err != nil {
		return Result{}, err
	}
	dir = absDir(dir)
	key := modelcache.Key{Engine: req.Engine, Variant: req.Variant, Dir: dir, Options: req.Options}
	if h, ok := r.cache.Lookup(key); ok {
		st.ModelKey = key.String()
		return Result{Outcome: Ready, Bundle: Bundle{Dir: dir, Key: key}, Handle: h, Cached: true}, nil
	}

	files, err := Validate(dir, req.Manifest)
	if err != nil {
		return Result{}, err
	}
	return r.loadBundle(ctx, Bundle{Dir: dir, Files: files, Key: key}, st, load)
}

func (r *Resolver) loadBundle(ctx context.Context, b Bundle, st *session.State, load LoadFunc) (Result, error) {
	h, size, err := load(ctx, b)
	if err != nil {
		return Result{}, fmt.Errorf("加载 %s 失败: %w", b.Dir, err)
	}

	free := st.FreeAcceleratorBytes
	if r.snapshot != nil {
		if v, serr := r.snapshot(ctx); serr == nil {
			free = v
			st.FreeAcceleratorBytes = v
		} else {
			logger.Warnf("[resolver] 采样显存失败，使用上次快照: %v", serr)
		}
	}

	cached := r.cache.MaybeInsert(b.Key, h, size, free)
	st.ModelKey = b.Key.String()
	logger.Infof("[resolver] 模型已就绪: %s (dir=%s, cached=%v)", b.Key, b.Dir, cached)
	return Result{Outcome: Ready, Bundle: b, Handle: h, Size: size, Cached: cached}, nil
}

// repairVoice 保证 State.Voice.Path 不会指向被拒绝的自定义模型目录或不存在的文件。
func (r *Resolver) repairVoice(st *session.State, rejectedDir, defaultVoice string) {
	path := st.Voice.Path
	if path == "" {
		return
	}
	invalid := false
	if rejectedDir != "" && within(path, rejectedDir) {
		invalid = true
	} else if _, err := os.Stat(path); err != nil {
		invalid = true
	}
	if !invalid {
		return
	}

	if defaultVoice != "" {
		if _, err := os.Stat(defaultVoice); err == nil {
			logger.Warnf("[resolver] 音色 %s 不可用，改用默认音色 %s", path, defaultVoice)
			st.Voice = session.Voice{Kind: session.VoiceClip, Path: defaultVoice}
			return
		}
	}
	logger.Warnf("[resolver] 音色 %s 不可用，改用内置说话人", path)
	st.Voice = session.Voice{Kind: session.VoiceBuiltin}
}

// absDir 返回清理后的绝对路径，失败时退回清理后的原路径。
func absDir(dir string) string {
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return filepath.Clean(dir)
}

func within(path, dir string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
