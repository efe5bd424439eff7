package tts

import (
	"context"
	"sync"

	"github.com/iabetor/narrator/internal/errs"
	"github.com/iabetor/narrator/internal/logger"
	"github.com/iabetor/narrator/internal/session"
)

// Status 后端生命周期状态。
type Status int

const (
	StatusUninitialized Status = iota
	StatusInitializing
	StatusReady
	StatusProcessing
	StatusError
	StatusCleanup
)

var statusNames = [...]string{"uninitialized", "initializing", "ready", "processing", "error", "cleanup"}

func (s Status) String() string {
	if int(s) >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

// Releaser 由可以在内存紧张时临时释放模型句柄的后端实现。
type Releaser interface {
	// Release 返回是否真正释放了句柄。
	Release() bool
}

// Guarded 为后端附加生命周期状态，只有 ready 状态接受合成请求。
//
// 单句合成失败后回到 ready，跳过策略可以继续下一句；
// 加载失败或句柄重新加载失败（KindModelLoad）则停在 error，之后的合成全部拒绝。
type Guarded struct {
	Backend

	mu     sync.Mutex
	status Status
}

// Guard 包装后端。已经包装过的后端原样返回。
func Guard(b Backend) *Guarded {
	if g, ok := b.(*Guarded); ok {
		return g
	}
	return &Guarded{Backend: b}
}

// Status 返回当前状态。
func (g *Guarded) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

func (g *Guarded) set(s Status) {
	g.mu.Lock()
	from := g.status
	g.status = s
	g.mu.Unlock()
	if from != s {
		logger.Debugf("[tts] %s: %s → %s", g.ID(), from, s)
	}
}

// Load 加载后端，成功后进入 ready。
func (g *Guarded) Load(ctx context.Context, job *session.Job, st *session.State) error {
	g.mu.Lock()
	if g.status == StatusProcessing || g.status == StatusCleanup {
		s := g.status
		g.mu.Unlock()
		return errs.New(errs.KindEngine, "tts."+string(g.ID()), "后端状态为 %s，不能加载", s)
	}
	g.status = StatusInitializing
	g.mu.Unlock()

	if err := g.Backend.Load(ctx, job, st); err != nil {
		g.set(StatusError)
		return err
	}
	g.set(StatusReady)
	return nil
}

// Synthesize 要求后端处于 ready，合成期间为 processing。
func (g *Guarded) Synthesize(ctx context.Context, text string, voice session.Voice, params session.Params) ([]float32, int, error) {
	g.mu.Lock()
	if g.status != StatusReady {
		s := g.status
		g.mu.Unlock()
		return nil, 0, errs.New(errs.KindEngine, "tts."+string(g.ID()), "后端 %s 未就绪 (%s)", g.ID(), s)
	}
	g.status = StatusProcessing
	g.mu.Unlock()

	samples, sr, err := g.Backend.Synthesize(ctx, text, voice, params)
	if err != nil && errs.Is(err, errs.KindModelLoad) {
		g.set(StatusError)
	} else {
		g.set(StatusReady)
	}
	return samples, sr, err
}

// Release 只在 ready 时转发给支持释放的后端。
func (g *Guarded) Release() bool {
	r, ok := g.Backend.(Releaser)
	if !ok {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status != StatusReady {
		return false
	}
	return r.Release()
}

// Close 关闭后端，结束后回到 uninitialized。
func (g *Guarded) Close() error {
	g.set(StatusCleanup)
	if err := g.Backend.Close(); err != nil {
		g.set(StatusError)
		return err
	}
	g.set(StatusUninitialized)
	return nil
}
